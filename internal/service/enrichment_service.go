package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scrobble-stats/internal/adapter"
	"github.com/scrobble-stats/internal/circuitbreaker"
	apperrors "github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/logging"
	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/ratelimit"
	"github.com/scrobble-stats/internal/retry"
	"github.com/scrobble-stats/internal/storage"
	"github.com/scrobble-stats/internal/types"
	"github.com/scrobble-stats/internal/worker"
)

// Enrichment outcomes recorded per lookup
const (
	outcomeFetched  = "fetched"
	outcomeCached   = "cached"
	outcomeNotFound = "not_found"
	outcomeError    = "error"
)

// TagWriter persists provider answers, one source at a time
type TagWriter interface {
	ReplaceArtistTags(ctx context.Context, artist, source string, tags []models.TagAssociation) error
	ReplaceAlbumTags(ctx context.Context, album models.AlbumRef, source string, tags []models.TagAssociation) error
	ReplaceAlbumLabels(ctx context.Context, album models.AlbumRef, source string, labels []string) error
	UpsertAlbumRelease(ctx context.Context, album models.AlbumRef, source string, year int) error
}

// EnrichmentConfig tunes provider access
type EnrichmentConfig struct {
	// TTL is how long a provider answer is trusted before it is asked again
	TTL            time.Duration
	Retry          *retry.RetryConfig
	BreakerTimeout time.Duration
	BreakerMax     int
}

// EnrichmentService refreshes stored tags, labels and release years from providers.
// Every lookup passes a Redis freshness marker, the provider rate limit, the source's
// circuit breaker and a bounded retry. Failures never propagate past the run: the
// returned error only tells the resolver that stored rows were used as a fallback.
type EnrichmentService struct {
	providers []adapter.TagProvider
	writer    TagWriter
	cache     *storage.CacheService
	limiter   *ratelimit.ProviderLimiter
	breakers  *circuitbreaker.CircuitBreakerManager
	metrics   *metrics.Manager
	config    EnrichmentConfig
}

// NewEnrichmentService creates an enrichment service; cache may be nil to always ask providers
func NewEnrichmentService(
	providers []adapter.TagProvider,
	writer TagWriter,
	cache *storage.CacheService,
	limiter *ratelimit.ProviderLimiter,
	breakers *circuitbreaker.CircuitBreakerManager,
	m *metrics.Manager,
	config EnrichmentConfig,
) *EnrichmentService {
	if config.Retry == nil {
		config.Retry = retry.DefaultRetryConfig()
	}
	if config.Retry.Retryable == nil {
		config.Retry.Retryable = apperrors.IsRetryable
	}
	if breakers == nil {
		breakers = circuitbreaker.NewCircuitBreakerManager()
	}
	return &EnrichmentService{
		providers: providers,
		writer:    writer,
		cache:     cache,
		limiter:   limiter,
		breakers:  breakers,
		metrics:   m,
		config:    config,
	}
}

// Breakers exposes the per-source circuit breakers for health reporting
func (s *EnrichmentService) Breakers() *circuitbreaker.CircuitBreakerManager {
	return s.breakers
}

// EnrichArtists refreshes the artist tags every provider reports
func (s *EnrichmentService) EnrichArtists(ctx context.Context, artists []string) error {
	return s.each(ctx, len(artists), func(ctx context.Context, p adapter.TagProvider, i int) error {
		artist := artists[i]
		return s.lookup(ctx, p, types.ScopeArtist, artist, func(ctx context.Context) error {
			tags, err := p.ArtistTags(ctx, artist)
			if err != nil {
				return err
			}
			return s.writer.ReplaceArtistTags(ctx, artist, p.Source(), toAssociations(types.ScopeArtist, artist, "", p.Source(), tags))
		})
	})
}

// EnrichAlbums refreshes album tags, labels and release years every provider reports
func (s *EnrichmentService) EnrichAlbums(ctx context.Context, albums []models.AlbumRef) error {
	return s.each(ctx, len(albums), func(ctx context.Context, p adapter.TagProvider, i int) error {
		album := albums[i]
		return s.lookup(ctx, p, types.ScopeAlbum, album.Artist+" - "+album.Album, func(ctx context.Context) error {
			info, err := p.AlbumInfo(ctx, album.Artist, album.Album)
			if err != nil {
				return err
			}
			source := p.Source()
			if err := s.writer.ReplaceAlbumTags(ctx, album, source, toAssociations(types.ScopeAlbum, album.Artist, album.Album, source, info.Tags)); err != nil {
				return err
			}
			if err := s.writer.ReplaceAlbumLabels(ctx, album, source, info.Labels); err != nil {
				return err
			}
			if info.ReleaseYear > 0 {
				return s.writer.UpsertAlbumRelease(ctx, album, source, info.ReleaseYear)
			}
			return nil
		})
	})
}

// each runs fn for every (provider, entity) pair, one goroutine per provider, and
// returns a summary error when any lookup failed
func (s *EnrichmentService) each(ctx context.Context, n int, fn func(ctx context.Context, p adapter.TagProvider, i int) error) error {
	if n == 0 || len(s.providers) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		failed   int
		firstErr error
	)
	pool := worker.NewPool(len(s.providers))
	err := worker.ForEach(ctx, pool, s.providers, func(ctx context.Context, p adapter.TagProvider) error {
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := fn(ctx, p, i); err != nil {
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d provider lookups failed: %w", failed, n*len(s.providers), firstErr)
	}
	return nil
}

// lookup asks one provider about one entity unless a fresh answer is already stored
func (s *EnrichmentService) lookup(ctx context.Context, p adapter.TagProvider, scope types.TagScope, entity string, fetch func(ctx context.Context) error) error {
	source := p.Source()
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"source": source,
		"scope":  scope,
		"entity": entity,
	})

	var markerKey string
	if s.cache != nil {
		markerKey = s.cache.GenerateEnrichmentKey(source, string(scope), entity)
		fresh, err := s.cache.Exists(ctx, markerKey)
		if err != nil {
			logger.WithError(err).Debug("Freshness marker unavailable, asking provider")
		} else if fresh {
			s.record(ctx, source, outcomeCached)
			return nil
		}
	}

	notFound := false
	breaker := s.breakers.GetOrCreate(source, s.breakerConfig(source))
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.WithExponentialBackoff(ctx, s.config.Retry, func(ctx context.Context, attempt int) error {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx, source); err != nil {
					return err
				}
			}
			err := fetch(ctx)
			if errors.Is(err, adapter.ErrNotFound) {
				// an unknown entity is an answer, not a provider failure
				notFound = true
				return nil
			}
			return err
		}).Err()
	})
	if err != nil {
		s.record(ctx, source, outcomeError)
		logger.WithError(err).Warn("Provider lookup failed, keeping stored rows")
		return apperrors.NewEnrichmentError(source, err)
	}

	if notFound {
		s.record(ctx, source, outcomeNotFound)
	} else {
		s.record(ctx, source, outcomeFetched)
	}

	if markerKey != "" && s.config.TTL > 0 {
		if err := s.cache.SetWithTTL(ctx, markerKey, time.Now().UTC(), s.config.TTL); err != nil {
			logger.WithError(err).Warn("Failed to store freshness marker")
		}
	}
	return nil
}

func (s *EnrichmentService) breakerConfig(source string) *circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("enrichment:" + source)
	if s.config.BreakerMax > 0 {
		cfg.MaxFailures = s.config.BreakerMax
	}
	if s.config.BreakerTimeout > 0 {
		cfg.Timeout = s.config.BreakerTimeout
	}
	return cfg
}

func (s *EnrichmentService) record(ctx context.Context, source, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordEnrichment(source, outcome)
	}
	rc := RunFromContext(ctx)
	if rc == nil {
		return
	}
	switch outcome {
	case outcomeFetched:
		rc.Enrichment.Fetched.Add(1)
	case outcomeCached:
		rc.Enrichment.Cached.Add(1)
	case outcomeNotFound:
		rc.Enrichment.NotFound.Add(1)
	case outcomeError:
		rc.Enrichment.Failed.Add(1)
	}
}

func toAssociations(scope types.TagScope, artist, album, source string, tags []adapter.Tag) []models.TagAssociation {
	out := make([]models.TagAssociation, 0, len(tags))
	for _, t := range tags {
		out = append(out, models.TagAssociation{
			Scope:  scope,
			Artist: artist,
			Album:  album,
			Source: source,
			Tag:    t.Name,
			Weight: t.Weight,
		})
	}
	return out
}
