// Package metrics holds the atomic counters and the duration window that
// servers log periodically.
package metrics

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Counter only grows, except through Swap.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Add(n int64) { c.v.Add(n) }
func (c *Counter) Inc() { c.v.Add(1) }
func (c *Counter) Load() int64 { return c.v.Load() }

// Swap returns the count and starts over from zero.
func (c *Counter) Swap() int64 { return c.v.Swap(0) }

// Gauge tracks a level that moves both ways, such as live connections.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Inc() { g.v.Add(1) }
func (g *Gauge) Dec() { g.v.Add(-1) }
func (g *Gauge) Set(n int64) { g.v.Store(n) }
func (g *Gauge) Load() int64 { return g.v.Load() }

const defaultWindow = 128

// Window keeps the most recent durations, such as handshake latencies, and
// reports percentiles over them.
type Window struct {
	mu   sync.Mutex
	ring []time.Duration
	next int
	n    int
}

// NewWindow returns a window over the last size observations.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = defaultWindow
	}
	return &Window{ring: make([]time.Duration, size)}
}

// Observe records d, overwriting the oldest observation when full.
func (w *Window) Observe(d time.Duration) {
	w.mu.Lock()
	w.ring[w.next] = d
	w.next = (w.next + 1) % len(w.ring)
	if w.n < len(w.ring) {
		w.n++
	}
	w.mu.Unlock()
}

// Len returns how many observations the window holds.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Percentiles returns the nearest-rank value for each p in [0, 1], in the
// order given. An empty window reports zeros.
func (w *Window) Percentiles(ps ...float64) []time.Duration {
	w.mu.Lock()
	sorted := slices.Clone(w.ring[:w.n])
	w.mu.Unlock()

	out := make([]time.Duration, len(ps))
	if len(sorted) == 0 {
		return out
	}
	slices.Sort(sorted)
	last := len(sorted) - 1
	for i, p := range ps {
		rank := int(math.Ceil(p*float64(len(sorted)))) - 1
		out[i] = sorted[min(max(rank, 0), last)]
	}
	return out
}
