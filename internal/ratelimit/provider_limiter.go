package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrobble-stats/internal/logging"
)

// ProviderLimiter paces requests per enrichment source. A local token bucket
// smooths bursts within the process; an optional SharedBudget caps the combined
// rate of every process talking to the same provider.
type ProviderLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	limit  rate.Limit
	burst  int
	shared *SharedBudget
}

// NewProviderLimiter creates a limiter allowing rps requests per second per source
func NewProviderLimiter(rps float64, burst int, shared *SharedBudget) *ProviderLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ProviderLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
		shared:   shared,
	}
}

// getLimiter returns the token bucket of a source, creating it on first use
func (pl *ProviderLimiter) getLimiter(source string) *rate.Limiter {
	pl.mu.RLock()
	limiter, exists := pl.limiters[source]
	pl.mu.RUnlock()

	if exists {
		return limiter
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := pl.limiters[source]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(pl.limit, pl.burst)
	pl.limiters[source] = limiter
	return limiter
}

// Wait blocks until a request to source may proceed or ctx is done
func (pl *ProviderLimiter) Wait(ctx context.Context, source string) error {
	if err := pl.getLimiter(source).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", source, err)
	}
	if pl.shared == nil {
		return nil
	}

	for {
		allowed, wait, err := pl.shared.TryConsume(ctx, source, 1)
		if err != nil {
			// Redis trouble must not stall enrichment; the local bucket still applies
			logging.FromContext(ctx).WithError(err).WithField("source", source).Warn("Shared budget unavailable, using local limit only")
			return nil
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait for %s: %w", source, ctx.Err())
		}
	}
}

// Allow reports whether a request to source may proceed now without waiting
func (pl *ProviderLimiter) Allow(source string) bool {
	return pl.getLimiter(source).Allow()
}
