package ratelimit

import (
	"math/rand/v2"
	"sync"
	"time"
)

type fixedEntry struct {
	count   int
	resetAt time.Time
}

// FixedWindow is the per-process limiter used when no shared store exists.
// Limits are enforced per instance only.
type FixedWindow struct {
	mu      sync.Mutex
	entries map[string]*fixedEntry

	sweepProbability float64
	roll             func() float64
}

func NewFixedWindow(sweepProbability float64) *FixedWindow {
	if sweepProbability < 0 {
		sweepProbability = 0
	}
	return &FixedWindow{
		entries:          make(map[string]*fixedEntry),
		sweepProbability: sweepProbability,
		roll:             rand.Float64,
	}
}

func (f *FixedWindow) Allow(id string, now time.Time, cfg Config) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sweepProbability > 0 && f.roll() < f.sweepProbability {
		f.sweepLocked(now)
	}

	e, ok := f.entries[id]
	if !ok || now.After(e.resetAt) {
		e = &fixedEntry{count: 1, resetAt: now.Add(cfg.Window)}
		f.entries[id] = e
	} else {
		e.count++
	}

	d := Decision{
		Allowed: e.count <= cfg.MaxRequests,
		Limit:   cfg.MaxRequests,
		ResetAt: e.resetAt,
	}
	if d.Allowed {
		d.Remaining = cfg.MaxRequests - e.count
	}
	return d
}

// Sweep evicts entries whose window has ended and returns how many were removed.
func (f *FixedWindow) Sweep(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweepLocked(now)
}

func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *FixedWindow) sweepLocked(now time.Time) int {
	n := 0
	for id, e := range f.entries {
		if now.After(e.resetAt) {
			delete(f.entries, id)
			n++
		}
	}
	return n
}
