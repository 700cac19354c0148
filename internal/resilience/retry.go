package resilience

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Attempts is the total number of calls to fn, including the first.
	// Default: 3.
	Attempts int

	// Delays holds the wait duration consumed before each attempt after the
	// first. Its length is expected to be Attempts-1; a shorter slice means
	// the last delay repeats, a longer slice means trailing delays are
	// ignored. Default: [1s, 2s].
	Delays []time.Duration
}

// Retry calls fn up to cfg.Attempts times, waiting the configured delay
// between attempts, and returns the result of the first successful call.
// If every attempt fails, Retry returns the last error.
//
// Delays has one fewer entry than Attempts by design: a 3-attempt run with
// Delays [1s, 2s] waits 1s before attempt 2 and 2s before attempt 3. This
// mirrors the upstream classifier's retry loop, which has never had a delay
// after the final attempt since there is nothing left to wait for — do not
// "fix" this into Attempts delays.
func Retry(ctx context.Context, cfg RetryConfig, fn func() (any, error)) (any, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	delays := cfg.Delays
	if len(delays) == 0 {
		delays = []time.Duration{time.Second, 2 * time.Second}
	}

	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := delays[len(delays)-1]
			if idx := attempt - 1; idx < len(delays) {
				delay = delays[idx]
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		slog.Warn("retry attempt failed",
			"name", cfg.Name,
			"attempt", attempt+1,
			"attempts", cfg.Attempts,
			"error", err)
	}
	return nil, lastErr
}
