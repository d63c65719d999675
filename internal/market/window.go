package market

import (
	"errors"
	"fmt"

	"github.com/malekhnovich/kalshi-arb/internal/types"
)

var (
	ErrDuplicate  = errors.New("window: duplicate sample")
	ErrOutOfOrder = errors.New("window: sample older than window head")
)

// Window is a bounded ring of the most recent samples for one instrument.
// It has a single writer; readers get immutable Snapshots.
type Window struct {
	buf  []types.PriceSample
	head int // index of the oldest sample
	size int
}

// NewWindow creates a window holding up to capacity samples
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]types.PriceSample, capacity)}
}

// Cap is the window capacity
func (w *Window) Cap() int { return len(w.buf) }

// Len is the number of samples held
func (w *Window) Len() int { return w.size }

// Last returns the newest sample
func (w *Window) Last() (types.PriceSample, bool) {
	if w.size == 0 {
		return types.PriceSample{}, false
	}
	return w.buf[(w.head+w.size-1)%len(w.buf)], true
}

// Check validates that s may follow the newest sample
func (w *Window) Check(s types.PriceSample) error {
	last, ok := w.Last()
	if !ok {
		return nil
	}
	switch {
	case s.Timestamp.Equal(last.Timestamp):
		return fmt.Errorf("%w: %s at %s", ErrDuplicate, s.Instrument, s.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	case s.Timestamp.Before(last.Timestamp):
		return fmt.Errorf("%w: %s at %s", ErrOutOfOrder, s.Instrument, s.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

// Append adds s, evicting the oldest sample when full
func (w *Window) Append(s types.PriceSample) error {
	if err := w.Check(s); err != nil {
		return err
	}
	if w.size < len(w.buf) {
		w.buf[(w.head+w.size)%len(w.buf)] = s
		w.size++
		return nil
	}
	w.buf[w.head] = s
	w.head = (w.head + 1) % len(w.buf)
	return nil
}

// Snapshot copies the window oldest-first
func (w *Window) Snapshot() Snapshot {
	out := make([]types.PriceSample, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return Snapshot{samples: out}
}

// Snapshot is a read-only view of a window at one point in time
type Snapshot struct {
	samples []types.PriceSample
}

// NewSnapshot builds a snapshot from samples ordered oldest-first
func NewSnapshot(samples []types.PriceSample) Snapshot {
	out := make([]types.PriceSample, len(samples))
	copy(out, samples)
	return Snapshot{samples: out}
}

// Len is the number of samples
func (s Snapshot) Len() int { return len(s.samples) }

// Samples returns a copy oldest-first
func (s Snapshot) Samples() []types.PriceSample {
	out := make([]types.PriceSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// At returns the i-th oldest sample
func (s Snapshot) At(i int) types.PriceSample { return s.samples[i] }

// Last returns the newest sample
func (s Snapshot) Last() (types.PriceSample, bool) {
	if len(s.samples) == 0 {
		return types.PriceSample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// Momenta returns up to k of the newest momentum readings, oldest-first
func (s Snapshot) Momenta(k int) []float64 {
	if k > len(s.samples) {
		k = len(s.samples)
	}
	out := make([]float64, 0, k)
	for _, x := range s.samples[len(s.samples)-k:] {
		out = append(out, x.Momentum)
	}
	return out
}
