package circuit

import "sync"

// Limiter is the load limiter half of C4: a per-provider in-flight
// concurrency ceiling, checked after the breaker (§4.4). Admission is
// atomic with the in-flight counter increment; Release decrements it
// exactly once.
type Limiter struct {
	mu            sync.Mutex
	maxConcurrent int
	inFlight      int
}

// NewLimiter creates a Limiter admitting at most maxConcurrent concurrent
// calls. maxConcurrent <= 0 means unbounded.
func NewLimiter(maxConcurrent int) *Limiter {
	return &Limiter{maxConcurrent: maxConcurrent}
}

// Admit returns true and increments the in-flight counter if the provider
// has spare concurrency capacity.
func (l *Limiter) Admit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxConcurrent > 0 && l.inFlight >= l.maxConcurrent {
		return false
	}
	l.inFlight++
	return true
}

// Release decrements the in-flight counter. Must be called exactly once
// per successful Admit, regardless of whether the call succeeded or failed.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}

// CanAdmit reports whether Admit would currently succeed, without
// incrementing the in-flight counter (P4: admission iff inFlight < max).
func (l *Limiter) CanAdmit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxConcurrent <= 0 || l.inFlight < l.maxConcurrent
}

// InFlight reports the current in-flight count.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// SetMaxConcurrent updates the ceiling at runtime (e.g. from config reload).
func (l *Limiter) SetMaxConcurrent(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConcurrent = n
}
