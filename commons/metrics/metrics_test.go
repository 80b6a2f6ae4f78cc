package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestCounterSwap(t *testing.T) {
	var c Counter
	c.Inc()
	c.Add(2)
	if got := c.Swap(); got != 3 {
		t.Fatalf("swap = %d", got)
	}
	if c.Load() != 0 {
		t.Fatalf("counter not reset: %d", c.Load())
	}
}

func TestGaugeConcurrent(t *testing.T) {
	var g Gauge
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Inc()
				g.Dec()
			}
			g.Inc()
		}()
	}
	wg.Wait()
	if g.Load() != 8 {
		t.Fatalf("gauge = %d", g.Load())
	}
	g.Set(0)
	if g.Load() != 0 {
		t.Fatalf("gauge after set = %d", g.Load())
	}
}

func TestWindowPercentiles(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		observe []int
		ps      []float64
		want    []int
	}{
		{name: "empty", size: 4, ps: []float64{0.5}, want: []int{0}},
		{name: "nearest rank", size: 10, observe: []int{4, 1, 3, 2}, ps: []float64{0, 0.5, 0.75, 1}, want: []int{1, 2, 3, 4}},
		{name: "oldest overwritten", size: 4, observe: []int{50, 1, 3, 2, 4}, ps: []float64{0, 1}, want: []int{1, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWindow(tt.size)
			for _, ms := range tt.observe {
				w.Observe(time.Duration(ms) * time.Millisecond)
			}
			got := w.Percentiles(tt.ps...)
			for i := range tt.want {
				if got[i] != time.Duration(tt.want[i])*time.Millisecond {
					t.Fatalf("p%v = %v, want %dms", tt.ps[i], got[i], tt.want[i])
				}
			}
			if want := min(len(tt.observe), tt.size); w.Len() != want {
				t.Fatalf("len = %d, want %d", w.Len(), want)
			}
		})
	}
}
