// Package retry provides exponential backoff with jitter for broker
// operations.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy configures a retry loop.
type Policy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
}

// DefaultPolicy matches the daemon-wide retry contract: base 500ms,
// cap 13s, jittered.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Min:         500 * time.Millisecond,
	Max:         13 * time.Second,
}

// New returns a jittered exponential backoff source for the policy.
func New(p Policy) *backoff.Backoff {
	min := p.Min
	if min <= 0 {
		min = DefaultPolicy.Min
	}
	max := p.Max
	if max <= 0 {
		max = DefaultPolicy.Max
	}
	return &backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true}
}

// Do runs fn up to p.MaxAttempts times, sleeping a jittered exponential
// backoff between attempts. It returns nil on the first success, the
// last error on exhaustion, and the context error if cancelled while
// waiting. retryable gates which errors are worth another attempt; a
// nil retryable retries everything.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultPolicy.MaxAttempts
	}
	b := New(p)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
