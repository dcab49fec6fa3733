package api

import (
	"context"
	"errors"

	"github.com/scrobble-stats/internal/circuitbreaker"
	apperrors "github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/types"
)

// statsBreakerName names the breaker in front of the statistics store
const statsBreakerName = "stats-store"

// guardedStats fails fast while the statistics store keeps erroring
type guardedStats struct {
	next    StatReader
	breaker *circuitbreaker.CircuitBreaker
}

func newGuardedStats(next StatReader, breakers *circuitbreaker.CircuitBreakerManager) StatReader {
	return &guardedStats{
		next:    next,
		breaker: breakers.GetOrCreate(statsBreakerName, circuitbreaker.DefaultConfig(statsBreakerName)),
	}
}

func (g *guardedStats) Get(ctx context.Context, key models.CacheKey) (*models.CachedStat, error) {
	var stat *models.CachedStat
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		stat, err = g.next.Get(ctx, key)
		return err
	})
	return stat, guardError(err)
}

func (g *guardedStats) Latest(ctx context.Context, statType types.StatType, kind types.PeriodKind, scope string) (*models.CachedStat, error) {
	var stat *models.CachedStat
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		stat, err = g.next.Latest(ctx, statType, kind, scope)
		return err
	})
	return stat, guardError(err)
}

func guardError(err error) error {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return apperrors.NewServiceUnavailableError(statsBreakerName)
	}
	return err
}
