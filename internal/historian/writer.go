package historian

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
)

// ErrWriterClosed is returned by Do after Close.
var ErrWriterClosed = errors.New("historian writer closed")

// DefaultShards is the shard count of a Writer configured with none.
const DefaultShards = 4

// WriterConfig holds the configuration for a Writer.
type WriterConfig struct {
	Logger *slog.Logger
	// Shards defaults to DefaultShards.
	Shards int
	// QueueSize is the per-shard backlog.
	QueueSize int
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Writer runs writes on a fixed set of single-writer shards. Writes for the
// same key always run on the same shard, in submission order; writes for keys
// on different shards run concurrently.
type Writer struct {
	logger *slog.Logger
	shards []chan job
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWriter creates a Writer and starts its shard goroutines.
func NewWriter(cfg *WriterConfig) (*Writer, error) {
	if cfg == nil {
		return nil, errors.New("writer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}

	w := &Writer{
		logger: cfg.Logger,
		shards: make([]chan job, n),
		closed: make(chan struct{}),
	}
	for i := range w.shards {
		w.shards[i] = make(chan job, cfg.QueueSize)
		w.wg.Add(1)
		go w.run(i, w.shards[i])
	}

	w.logger.Info("historian writer started", "shards", n)
	return w, nil
}

func (w *Writer) run(shard int, jobs <-chan job) {
	defer w.wg.Done()
	for {
		select {
		case <-w.closed:
			w.logger.Debug("historian writer shard stopped", "shard", shard)
			return
		case j := <-jobs:
			if err := j.ctx.Err(); err != nil {
				j.done <- err
				continue
			}
			j.done <- j.fn(j.ctx)
		}
	}
}

// Shard returns the shard index of key.
func (w *Writer) Shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(w.shards)))
}

// Do runs fn on the shard of key and waits for its result.
func (w *Writer) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case <-w.closed:
		return ErrWriterClosed
	default:
	}

	select {
	case w.shards[w.Shard(key)] <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closed:
		return ErrWriterClosed
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closed:
		return ErrWriterClosed
	}
}

// Close stops every shard after its current write.
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.closed)
	})
	w.wg.Wait()
}
