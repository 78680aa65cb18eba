package queue

import (
	"fmt"
	"math"
	"time"
)

// Policy decides how failed jobs are retried and what is kept afterwards.
type Policy struct {
	MaxAttempts          int
	BackoffBase          time.Duration
	BackoffMultiplier    float64
	BackoffMax           time.Duration
	RetainOnFinalFailure bool
	DiscardOnSuccess     bool

	// VisibilityTimeout is how long an attempt may hold a job before the
	// scheduler hands it to another worker. Zero disables reaping.
	VisibilityTimeout time.Duration
}

// DefaultPolicy retries three times with 1s, 2s, 4s... delays and reaps
// attempts held for over a minute. Failed jobs are kept for inspection;
// completed ones are dropped.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:          3,
		BackoffBase:          time.Second,
		BackoffMultiplier:    2,
		BackoffMax:           60 * time.Second,
		RetainOnFinalFailure: true,
		DiscardOnSuccess:     true,
		VisibilityTimeout:    time.Minute,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("queue: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BackoffBase < 0 {
		return fmt.Errorf("queue: backoff base must not be negative")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("queue: backoff multiplier must be >= 1, got %v", p.BackoffMultiplier)
	}
	if p.VisibilityTimeout < 0 {
		return fmt.Errorf("queue: visibility timeout must not be negative")
	}
	return nil
}

// Backoff returns the delay before the attempt following the given one:
// base * multiplier^(attempt-1), capped at BackoffMax when set.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BackoffBase) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if p.BackoffMax > 0 && d > float64(p.BackoffMax) {
		return p.BackoffMax
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
