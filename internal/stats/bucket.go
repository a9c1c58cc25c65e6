// Package stats aggregates numeric observation samples into time-range or
// sample-count windows and flushes descriptive statistics for each closed
// window.
package stats

import (
	"math"
	"sort"
	"time"
)

// Mode is the window kind of a statistics bucket.
type Mode int

const (
	// ModeTimeRange closes a window after Step seconds, aligned to UTC.
	ModeTimeRange Mode = iota
	// ModeSampleCount closes a window after Step samples.
	ModeSampleCount
)

func (m Mode) String() string {
	if m == ModeSampleCount {
		return "sample_count"
	}
	return "time_range"
}

// MaxMedianSamples bounds the raw samples retained by an open bucket. Buckets
// that grow beyond it flush without a median.
const MaxMedianSamples = 10000

// Key identifies the single open bucket of one observation of one device.
type Key struct {
	DeviceID      string
	ObservationID int64
}

// Bucket is the open window of a key. Count, Mean, Min, Max and M2 are
// maintained with Welford's algorithm.
type Bucket struct {
	From    time.Time
	To      time.Time
	Key     Key
	Samples []float64
	Mode    Mode
	Step    int64
	Count   int64
	Mean    float64
	Min     float64
	Max     float64
	M2      float64
	// Truncated is set once Samples stopped growing at MaxMedianSamples.
	Truncated bool
}

// Statistics is the record produced when a bucket is flushed.
type Statistics struct {
	Time          time.Time
	Median        *float64
	DeviceID      string
	Mode          Mode
	ObservationID int64
	Step          int64
	Count         int64
	Mean          float64
	Min           float64
	Max           float64
	StdDev        float64
}

func (b *Bucket) add(v float64) {
	b.Count++
	if b.Count == 1 {
		b.Min, b.Max = v, v
	} else {
		b.Min = math.Min(b.Min, v)
		b.Max = math.Max(b.Max, v)
	}
	delta := v - b.Mean
	b.Mean += delta / float64(b.Count)
	b.M2 += delta * (v - b.Mean)

	if len(b.Samples) < MaxMedianSamples {
		b.Samples = append(b.Samples, v)
	} else {
		b.Truncated = true
	}
}

// Statistics summarises the bucket. StdDev is the population standard
// deviation.
func (b *Bucket) Statistics() Statistics {
	s := Statistics{
		Time:          b.From,
		DeviceID:      b.Key.DeviceID,
		ObservationID: b.Key.ObservationID,
		Mode:          b.Mode,
		Step:          b.Step,
		Count:         b.Count,
		Mean:          b.Mean,
		Min:           b.Min,
		Max:           b.Max,
	}
	if b.Count > 0 {
		s.StdDev = math.Sqrt(b.M2 / float64(b.Count))
	}
	if !b.Truncated && len(b.Samples) > 0 {
		m := median(b.Samples)
		s.Median = &m
	}
	return s
}

func median(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// DefaultStep is used for time-range windows configured with a non-positive step.
const DefaultStep = int64(3600)

var supportedSteps = map[int64]bool{
	60:    true,
	300:   true,
	600:   true,
	900:   true,
	1800:  true,
	3600:  true,
	86400: true,
}

// Window returns the time-range window a sample at t opens. Supported steps snap
// t down to a UTC boundary; any other step starts the window at t itself.
func Window(t time.Time, step int64) (from, to time.Time) {
	if step <= 0 {
		step = DefaultStep
	}
	d := time.Duration(step) * time.Second
	t = t.UTC()
	if supportedSteps[step] {
		from = t.Truncate(d)
	} else {
		from = t
	}
	return from, from.Add(d)
}
