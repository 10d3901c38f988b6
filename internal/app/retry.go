package app

import (
	"sync"
	"time"
)

// RetryPolicy is the per-link reconnection budget: a bounded attempt count
// with exponential backoff. One instance per PeerLink; a successful
// connection resets it.
type RetryPolicy struct {
	mu       sync.Mutex
	max      int
	base     time.Duration
	cap      time.Duration
	attempts int
}

func NewRetryPolicy(max int, base, cap time.Duration) *RetryPolicy {
	return &RetryPolicy{max: max, base: base, cap: cap}
}

// Next consumes one attempt and returns its backoff delay. ok is false once
// the budget is exhausted; the caller must go terminal, not retry.
func (r *RetryPolicy) Next() (delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts >= r.max {
		return 0, false
	}
	delay = r.base << uint(r.attempts)
	if delay > r.cap {
		delay = r.cap
	}
	r.attempts++
	return delay, true
}

func (r *RetryPolicy) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

func (r *RetryPolicy) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
