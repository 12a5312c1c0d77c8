package ratelimit

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker stops store round-trips after consecutive failures. While open the
// limiter fails open without touching the store; one trial call is let through
// after openFor elapses.
type Breaker struct {
	mu            sync.Mutex
	st            breakerState
	fails         int
	failThreshold int
	openFor       time.Duration
	retryAt       time.Time
	probing       bool
	now           func() time.Time
}

func NewBreaker(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 10 * time.Second
	}
	return &Breaker{failThreshold: threshold, openFor: openFor, now: time.Now}
}

// Allow reports whether a store call may be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case stateOpen:
		if b.now().Before(b.retryAt) || b.probing {
			return false
		}
		b.st = stateHalfOpen
		b.probing = true
		return true
	case stateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.fails = 0
	b.st = stateClosed
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == stateHalfOpen {
		b.trip()
		return
	}
	b.fails++
	if b.fails >= b.failThreshold {
		b.trip()
	}
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st != stateClosed
}

func (b *Breaker) trip() {
	b.st = stateOpen
	b.retryAt = b.now().Add(b.openFor)
	b.probing = false
}
