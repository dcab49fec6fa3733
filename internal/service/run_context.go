package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RunContext is the state of one stats run. Nothing about a run lives in package variables.
type RunContext struct {
	Now      time.Time
	RunID    uuid.UUID
	Location *time.Location

	Enrichment EnrichmentCounters
}

// NewRunContext creates the context of a run started at now
func NewRunContext(now time.Time, loc *time.Location) *RunContext {
	if loc == nil {
		loc = time.UTC
	}
	return &RunContext{
		Now:      now.In(loc),
		RunID:    uuid.New(),
		Location: loc,
	}
}

// EnrichmentCounters tallies provider lookups during a run
type EnrichmentCounters struct {
	Fetched  atomic.Int64
	Cached   atomic.Int64
	NotFound atomic.Int64
	Failed   atomic.Int64
}

// EnrichmentCounts is a point-in-time copy of EnrichmentCounters
type EnrichmentCounts struct {
	Fetched  int64 `json:"fetched"`
	Cached   int64 `json:"cached"`
	NotFound int64 `json:"notFound"`
	Failed   int64 `json:"failed"`
}

// Snapshot copies the counters
func (c *EnrichmentCounters) Snapshot() EnrichmentCounts {
	return EnrichmentCounts{
		Fetched:  c.Fetched.Load(),
		Cached:   c.Cached.Load(),
		NotFound: c.NotFound.Load(),
		Failed:   c.Failed.Load(),
	}
}

type runContextKey struct{}

// WithRun attaches a run to ctx
func WithRun(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunFromContext returns the run attached to ctx, or nil
func RunFromContext(ctx context.Context) *RunContext {
	rc, _ := ctx.Value(runContextKey{}).(*RunContext)
	return rc
}
