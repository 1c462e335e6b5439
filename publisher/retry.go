package publisher

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/knowton/cdcsync/cfg"
)

const (
	// Default initial retry delay for failed sink writes
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default fraction of the delay randomized in either direction
	DefaultRetryJitter = 0.2
	// Maximum number of attempts before an (event, sink) pair is dead-lettered
	DefaultMaxAttempts = 5
	// Default timeout for a single sink write
	DefaultAttemptTimeout = 5 * time.Second
)

// RetryPolicy controls per-sink delivery retries
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         float64
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the built-in policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultRetryInitial,
		MaxDelay:       DefaultRetryMax,
		Multiplier:     DefaultRetryMultiplier,
		Jitter:         DefaultRetryJitter,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// RetryPolicyFromConfig builds a policy from the retry configuration section
func RetryPolicyFromConfig(c cfg.RetryConfiguration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      cfg.Millis(c.BaseDelayMS),
		MaxDelay:       cfg.Millis(c.MaxDelayMS),
		Multiplier:     c.Multiplier,
		Jitter:         c.Jitter,
		AttemptTimeout: cfg.Millis(c.AttemptTimeoutMS),
	}.withDefaults()
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based):
// min(max, base * multiplier^(attempt-1)), then randomized by +/- jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 1) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// SleepContext sleeps for d, returning false if ctx ends first
func SleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
