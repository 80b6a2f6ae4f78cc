// Package ratelimiter throttles connection attempts per source IP.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPacketsPerSecond = 20
	defaultPacketsBurstable = 5
	garbageCollectTime      = time.Second
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Ratelimiter keeps one token bucket per source address. Idle buckets are
// collected once they have been unused for a second.
type Ratelimiter struct {
	mu      sync.Mutex
	timeNow func() time.Time

	limit rate.Limit
	burst int
	table map[netip.Addr]*entry

	stop chan struct{}
	done chan struct{}
}

// New starts a limiter allowing pps packets per second with the given burst
// per address. Non-positive values fall back to 20 pps and a burst of 5.
func New(pps, burst int) *Ratelimiter {
	if pps <= 0 {
		pps = defaultPacketsPerSecond
	}
	if burst <= 0 {
		burst = defaultPacketsBurstable
	}
	r := &Ratelimiter{
		timeNow: time.Now,
		limit:   rate.Limit(pps),
		burst:   burst,
		table:   make(map[netip.Addr]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.gcLoop(r.stop)
	return r
}

// Close stops the collector. Allow keeps answering true afterwards.
func (r *Ratelimiter) Close() {
	r.mu.Lock()
	if r.stop == nil {
		r.mu.Unlock()
		return
	}
	close(r.stop)
	r.stop = nil
	r.table = nil
	r.mu.Unlock()
	<-r.done
}

// Allow reports whether a packet from ip fits its bucket.
func (r *Ratelimiter) Allow(ip netip.Addr) bool {
	ip = ip.Unmap()
	r.mu.Lock()
	if r.table == nil {
		r.mu.Unlock()
		return true
	}
	now := r.timeNow()
	e := r.table[ip]
	if e == nil {
		e = &entry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.table[ip] = e
	}
	e.lastSeen = now
	r.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked addresses.
func (r *Ratelimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

func (r *Ratelimiter) gcLoop(stop <-chan struct{}) {
	defer close(r.done)
	ticker := time.NewTicker(garbageCollectTime)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

func (r *Ratelimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.timeNow()
	for key, e := range r.table {
		if now.Sub(e.lastSeen) > garbageCollectTime {
			delete(r.table, key)
		}
	}
}
