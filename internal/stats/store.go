package stats

// Store holds the open buckets. Implementations are owned by a single
// aggregator and need not be safe for concurrent use.
type Store interface {
	Get(key Key) (*Bucket, bool)
	Put(b *Bucket)
	Len() int
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	buckets map[Key]*Bucket
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[Key]*Bucket)}
}

// Get returns the open bucket of key.
func (s *MemoryStore) Get(key Key) (*Bucket, bool) {
	b, ok := s.buckets[key]
	return b, ok
}

// Put replaces the open bucket of b.Key.
func (s *MemoryStore) Put(b *Bucket) {
	s.buckets[b.Key] = b
}

// Len returns the number of open buckets.
func (s *MemoryStore) Len() int {
	return len(s.buckets)
}
