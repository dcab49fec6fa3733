package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderLimiterPerSource(t *testing.T) {
	pl := NewProviderLimiter(0.001, 1, nil)

	assert.True(t, pl.Allow("lastfm"))
	assert.False(t, pl.Allow("lastfm"), "burst of one is spent")
	assert.True(t, pl.Allow("discogs"), "other sources have their own bucket")
}

func TestProviderLimiterWaitHonoursContext(t *testing.T) {
	pl := NewProviderLimiter(0.001, 1, nil)
	require.NoError(t, pl.Wait(context.Background(), "lastfm"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, pl.Wait(ctx, "lastfm"))
}

func TestProviderLimiterSharedBudget(t *testing.T) {
	shared, _ := setupTestBudget(t, 1, time.Hour)
	pl := NewProviderLimiter(1000, 10, shared)

	require.NoError(t, pl.Wait(context.Background(), "musicbrainz"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, pl.Wait(ctx, "musicbrainz"), "shared budget exhausted for the window")
}

func TestProviderLimiterFailsOpenWithoutRedis(t *testing.T) {
	shared, mr := setupTestBudget(t, 1, time.Hour)
	mr.Close()

	pl := NewProviderLimiter(1000, 10, shared)
	assert.NoError(t, pl.Wait(context.Background(), "musicbrainz"))
}
