package recovery

import (
	"math"
	"sync"
	"time"
)

// RetryPolicy computes exponential-backoff delays with a per-key attempt cap.
// Exceeding the cap makes that key non-retryable regardless of how the error
// classifies.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int

	mu       sync.Mutex
	attempts map[string]int
}

// DefaultRetryPolicy returns a policy with 2s base delay, 2x multiplier, and
// 3 attempts per key.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(2*time.Second, 2.0, 3)
}

// NewRetryPolicy creates a RetryPolicy with the given parameters.
func NewRetryPolicy(base time.Duration, multiplier float64, maxAttempts int) *RetryPolicy {
	return &RetryPolicy{
		BaseDelay:   base,
		Multiplier:  multiplier,
		MaxAttempts: maxAttempts,
		attempts:    make(map[string]int),
	}
}

// Next records an attempt for key and returns the backoff delay to wait
// before retrying (base x multiplier^attempt) and whether a retry is still
// permitted. The first call for a key returns the base delay.
func (p *RetryPolicy) Next(key string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.attempts[key]
	if n >= p.MaxAttempts {
		return 0, false
	}
	p.attempts[key] = n + 1

	delay := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n)))
	return delay, true
}

// Attempts returns the number of attempts recorded for key.
func (p *RetryPolicy) Attempts(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[key]
}

// Exhausted reports whether key has used up its retry budget.
func (p *RetryPolicy) Exhausted(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[key] >= p.MaxAttempts
}

// Reset clears the attempt counter for key, typically after a success.
func (p *RetryPolicy) Reset(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, key)
}
