package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/scrobble-stats/internal/aggregate"
	apperrors "github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/genre"
	"github.com/scrobble-stats/internal/logging"
	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/period"
	"github.com/scrobble-stats/internal/recommend"
	"github.com/scrobble-stats/internal/superlative"
	"github.com/scrobble-stats/internal/types"
	"github.com/scrobble-stats/internal/worker"
)

// EventSource reads the scrobble log
type EventSource interface {
	EventsInWindow(ctx context.Context, user string, start, end time.Time) ([]*models.ListeningEvent, error)
	Watermark(ctx context.Context, users []string, start, end time.Time) (models.Watermark, error)
	LifetimeArtistCounts(ctx context.Context, user string, before time.Time) (map[string]int, error)
	Users(ctx context.Context) ([]string, error)
}

// FirstListenSource reads first-listen marks
type FirstListenSource interface {
	FirstListensBetween(ctx context.Context, user string, kind types.EntityKind, start, end time.Time) (map[string]time.Time, error)
}

// StatsOptions holds the aggregation parameters of a run
type StatsOptions struct {
	// Users restricts a run to these users; empty means every user in the log
	Users         []string
	TopN          int
	CoincidenceN  int
	MinUsers      int
	Workers       int
	DecadeAxis    types.DecadeAxis
	EvidenceLimit int
	Superlatives  superlative.Config
	// EvolutionYears adds a yearly evolution section to annual payloads; 0 disables it
	EvolutionYears int
}

// StatsDeps are the collaborators of a StatsService
type StatsDeps struct {
	Events      EventSource
	FirstListen FirstListenSource
	Tags        genre.Store
	// Enricher may be nil to compute from stored tags only
	Enricher genre.Enricher
	Cache    *CacheManager
	Metrics  *metrics.Manager
	Location *time.Location
}

// StatsService runs the period pipeline: windows, aggregation, superlatives,
// recommendations and the cache commit.
type StatsService struct {
	deps   StatsDeps
	opts   StatsOptions
	calc   *period.Calculator
	pool   *worker.Pool
	scorer *recommend.Scorer
}

// NewStatsService creates a stats service
func NewStatsService(deps StatsDeps, opts StatsOptions) *StatsService {
	if opts.DecadeAxis == "" {
		opts.DecadeAxis = types.AxisReleaseYear
	}
	if opts.Superlatives == (superlative.Config{}) {
		opts.Superlatives = superlative.DefaultConfig()
	}
	return &StatsService{
		deps:   deps,
		opts:   opts,
		calc:   period.NewCalculator(deps.Location),
		pool:   worker.NewPool(opts.Workers),
		scorer: recommend.NewScorer(opts.EvidenceLimit),
	}
}

// RunRequest selects what a run computes
type RunRequest struct {
	Kinds []types.PeriodKind
	// Offset > 0 computes the closed window that many periods back instead of the active one
	Offset int
	// Force recomputes even when the cached payload is reusable
	Force bool
	// Now overrides the run's reference instant; zero means the current time
	Now time.Time
}

// PeriodResult reports what happened to one window
type PeriodResult struct {
	Kind     types.PeriodKind   `json:"kind"`
	Window   period.Window      `json:"window"`
	Status   types.PeriodStatus `json:"status"`
	CacheKey string             `json:"cacheKey,omitempty"`
	// Degraded is set when enrichment fell back to stored rows; the rows are committed stale
	Degraded bool               `json:"degraded,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// RunReport summarizes a run
type RunReport struct {
	RunID      string           `json:"runId"`
	StartedAt  time.Time        `json:"startedAt"`
	Periods    []PeriodResult   `json:"periods"`
	Written    int              `json:"written"`
	Stale      int              `json:"stale"`
	Enrichment EnrichmentCounts `json:"enrichment"`
}

// Run computes every requested period and commits the results in one transaction.
// A period that fails is reported stale while the others complete; an invariant
// violation aborts the run without committing anything.
func (s *StatsService) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	rc := NewRunContext(now, s.calc.Location())
	ctx = WithRun(ctx, rc)
	logger := logging.FromContext(ctx).WithField("run_id", rc.RunID.String())
	ctx = logging.WithLogger(ctx, logger)

	report := &RunReport{RunID: rc.RunID.String(), StartedAt: rc.Now}

	users, err := s.users(ctx)
	if err != nil {
		return report, err
	}
	logger.WithFields(map[string]interface{}{
		"users":  len(users),
		"kinds":  req.Kinds,
		"offset": req.Offset,
		"force":  req.Force,
	}).Info("Starting stats run")

	stage := s.deps.Cache.Begin()
	for _, kind := range req.Kinds {
		result, err := s.runPeriod(ctx, rc, stage, kind, req, users)
		if err != nil {
			return report, err
		}
		report.Periods = append(report.Periods, result)
		s.deps.Metrics.RecordPeriod(string(kind), string(result.Status))
	}

	committed, err := stage.Commit(ctx)
	if err != nil {
		return report, err
	}
	report.Written = committed.Written
	report.Stale = committed.Stale
	report.Enrichment = rc.Enrichment.Snapshot()

	logger.WithFields(map[string]interface{}{
		"written":    report.Written,
		"stale":      report.Stale,
		"enrichment": report.Enrichment,
	}).Info("Stats run committed")
	return report, nil
}

func (s *StatsService) users(ctx context.Context) ([]string, error) {
	users := append([]string(nil), s.opts.Users...)
	if len(users) == 0 {
		var err error
		if users, err = s.deps.Events.Users(ctx); err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
	}
	sort.Strings(users)
	return users, nil
}

// runPeriod resolves, computes and stages one window. Only invariant violations are returned.
func (s *StatsService) runPeriod(ctx context.Context, rc *RunContext, stage *Stage, kind types.PeriodKind, req RunRequest, users []string) (PeriodResult, error) {
	start := time.Now()
	defer func() {
		s.deps.Metrics.ObserveRun(string(kind), time.Since(start))
	}()

	var (
		w        period.Window
		eligible = true
	)
	if req.Offset > 0 {
		var err error
		if w, err = s.calc.Previous(rc.Now, kind, req.Offset); err != nil {
			return PeriodResult{Kind: kind, Status: types.StatusStale, Error: err.Error()}, nil
		}
	} else {
		w, eligible = s.calc.Calculate(rc.Now, kind)
	}

	result := PeriodResult{Kind: kind, Window: w}
	if !eligible {
		result.Status = types.StatusNoop
		logging.FromContext(ctx).WithField("kind", kind).Debug("Period not eligible for emission")
		return result, nil
	}

	periodKey := cacheKey(types.StatPeriod, w)
	decadesKey := cacheKey(types.StatDecades, w)
	result.CacheKey = periodKey.String()

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"kind":   kind,
		"window": w.String(),
	})

	status, degraded, err := s.computePeriod(ctx, rc, stage, w, periodKey, decadesKey, users, req.Force)
	if err != nil {
		if apperrors.IsInvariantViolation(err) {
			logger.WithError(err).Error("Invariant violated, aborting run")
			return result, err
		}
		logger.WithError(err).Error("Period computation failed, flagging previous payload stale")
		stage.MarkStale(periodKey)
		stage.MarkStale(decadesKey)
		result.Status = types.StatusStale
		result.Error = err.Error()
		return result, nil
	}

	result.Status = status
	result.Degraded = degraded
	if degraded {
		logger.Warn("Enrichment degraded, committing period as stale")
	}
	logger.WithField("status", status).Info("Period processed")
	return result, nil
}

func cacheKey(statType types.StatType, w period.Window) models.CacheKey {
	return models.CacheKey{
		StatType:    statType,
		PeriodKind:  w.Kind,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Scope:       models.ScopeAllUsers,
	}
}

// userData is everything read for one user of a window
type userData struct {
	user        string
	events      []*models.ListeningEvent
	lifetime    map[string]int
	firstArtist map[string]time.Time
	// earlier holds the evolution years before the window
	earlier []*models.ListeningEvent
}

func (s *StatsService) computePeriod(ctx context.Context, rc *RunContext, stage *Stage, w period.Window, periodKey, decadesKey models.CacheKey, users []string, force bool) (types.PeriodStatus, bool, error) {
	wm, err := s.deps.Events.Watermark(ctx, users, w.Start, w.End)
	if err != nil {
		return "", false, fmt.Errorf("failed to read watermark: %w", err)
	}

	periodDecision, err := s.deps.Cache.Decide(ctx, periodKey, w, rc.Now, wm, force)
	if err != nil {
		return "", false, err
	}
	decadesDecision, err := s.deps.Cache.Decide(ctx, decadesKey, w, rc.Now, wm, force)
	if err != nil {
		return "", false, err
	}
	if periodDecision.Reuse && decadesDecision.Reuse {
		return types.StatusReused, false, nil
	}

	data, err := worker.Map(ctx, s.pool, users, func(ctx context.Context, user string) (*userData, error) {
		return s.loadUser(ctx, user, w, !periodDecision.Reuse)
	})
	if err != nil {
		return "", false, err
	}

	var all, earlier []*models.ListeningEvent
	for _, d := range data {
		all = append(all, d.events...)
		earlier = append(earlier, d.earlier...)
	}

	span := append(earlier, all...)
	tags, err := genre.NewResolver(s.deps.Tags, s.deps.Enricher).Load(ctx, span)
	if err != nil {
		return "", false, err
	}

	if !periodDecision.Reuse {
		stats, err := s.buildPeriodStats(rc, w, users, data, all, tags)
		if err != nil {
			return "", false, err
		}
		if years := s.evolutionYears(w); years != nil {
			stats.Evolution = buildEvolution(years, users, span, tags)
		}
		payload, err := models.EncodePayload(models.NewPeriodPayload(stats))
		if err != nil {
			return "", false, apperrors.NewInvariantError("period payload failed validation", map[string]interface{}{"error": err.Error()})
		}
		stage.Put(degradedStale(models.NewCachedStat(periodKey, payload, rc.Now, wm), tags.Degraded))
	}

	if !decadesDecision.Reuse {
		decades, err := s.buildDecadeStats(rc, w, users, all, tags)
		if err != nil {
			return "", false, err
		}
		payload, err := models.EncodePayload(models.NewDecadePayload(decades))
		if err != nil {
			return "", false, apperrors.NewInvariantError("decades payload failed validation", map[string]interface{}{"error": err.Error()})
		}
		stage.Put(degradedStale(models.NewCachedStat(decadesKey, payload, rc.Now, wm), tags.Degraded))
	}

	return types.StatusComputed, tags.Degraded, nil
}

// degradedStale commits a payload built from fallback tag data as stale, so the next
// run recomputes it even when its window has closed
func degradedStale(stat *models.CachedStat, degraded bool) *models.CachedStat {
	stat.Stale = degraded
	return stat
}

// loadUser reads a user's window events, plus the history superlatives and the
// yearly evolution need when withHistory is set
func (s *StatsService) loadUser(ctx context.Context, user string, w period.Window, withHistory bool) (*userData, error) {
	d := &userData{user: user}

	var err error
	if d.events, err = s.deps.Events.EventsInWindow(ctx, user, w.Start, w.End); err != nil {
		return nil, fmt.Errorf("failed to read events of %s: %w", user, err)
	}
	if !withHistory {
		return d, nil
	}
	if d.lifetime, err = s.deps.Events.LifetimeArtistCounts(ctx, user, w.End); err != nil {
		return nil, fmt.Errorf("failed to read lifetime counts of %s: %w", user, err)
	}
	if d.firstArtist, err = s.deps.FirstListen.FirstListensBetween(ctx, user, types.EntityArtist, w.Start, w.End); err != nil {
		return nil, fmt.Errorf("failed to read first listens of %s: %w", user, err)
	}
	if years := s.evolutionYears(w); len(years) > 1 {
		if d.earlier, err = s.deps.Events.EventsInWindow(ctx, user, years[0].Start, w.Start); err != nil {
			return nil, fmt.Errorf("failed to read evolution history of %s: %w", user, err)
		}
	}
	return d, nil
}

// entityList is one counted dimension of a period payload
type entityList struct {
	name   string
	counts aggregate.Counts
}

func (s *StatsService) buildPeriodStats(rc *RunContext, w period.Window, users []string, data []*userData, all []*models.ListeningEvent, tags *genre.TagSet) (*models.PeriodStats, error) {
	lists := []entityList{
		{name: string(types.EntityArtist), counts: aggregate.CountEntities(all, w, aggregate.ArtistKeyer)},
		{name: string(types.EntityTrack), counts: aggregate.CountEntities(all, w, aggregate.TrackKeyer)},
		{name: string(types.EntityAlbum), counts: aggregate.CountEntities(all, w, aggregate.AlbumKeyer)},
		{name: string(types.EntityLabel), counts: aggregate.CountEntities(all, w, tags.LabelKeyer())},
		{name: string(types.EntityYear), counts: aggregate.CountEntities(all, w, tags.ReleaseYearKeyer())},
	}
	for _, source := range tags.Sources() {
		lists = append(lists, entityList{
			name:   string(types.EntityGenre) + ":" + source,
			counts: aggregate.CountEntities(all, w, tags.GenreKeyer(source)),
		})
	}

	stats := &models.PeriodStats{
		Kind:               w.Kind,
		WindowStart:        w.Start,
		WindowEnd:          w.End,
		GeneratedAt:        rc.Now,
		Users:              users,
		TopLists:           make(map[string]models.UserTopLists, len(users)),
		Coincidences:       make(map[string][]models.Coincidence, len(lists)),
		CoincidenceTiers:   make(map[string][]models.CoincidenceTier, len(lists)),
		Superlatives:       make(map[string]models.UserSuperlatives, len(users)),
		EnrichmentDegraded: tags.Degraded,
	}

	for _, l := range lists {
		c, err := aggregate.Coincidences(l.counts, users, s.opts.CoincidenceN, s.opts.MinUsers)
		if err != nil {
			return nil, fmt.Errorf("coincidences for %s: %w", l.name, err)
		}
		stats.Coincidences[l.name] = c

		tiers, err := aggregate.CoincidenceTiers(l.counts, users, s.opts.CoincidenceN, s.opts.MinUsers)
		if err != nil {
			return nil, fmt.Errorf("coincidence tiers for %s: %w", l.name, err)
		}
		stats.CoincidenceTiers[l.name] = tiers
	}

	profiles := make([]recommend.Profile, 0, len(users))
	for _, d := range data {
		top := models.UserTopLists{
			Artists: aggregate.UserTopN(lists[0].counts, d.user, s.opts.TopN),
			Tracks:  aggregate.UserTopN(lists[1].counts, d.user, s.opts.TopN),
			Albums:  aggregate.UserTopN(lists[2].counts, d.user, s.opts.TopN),
			Labels:  aggregate.UserTopN(lists[3].counts, d.user, s.opts.TopN),
			Years:   aggregate.UserTopN(lists[4].counts, d.user, s.opts.TopN),
			Genres:  genre.RollupBySource(all, w, []string{d.user}, tags, types.ScopeArtist, s.opts.TopN),
		}
		stats.TopLists[d.user] = top

		sup := superlative.Detect(superlative.Input{
			User:              d.user,
			Window:            w,
			Events:            d.events,
			FirstArtist:       d.firstArtist,
			Lifetime:          d.lifetime,
			BucketDiscoveries: w.Kind == types.PeriodAnnual,
		}, s.opts.Superlatives)
		stats.Superlatives[d.user] = sup

		profiles = append(profiles, recommend.ProfileFromLists(d.user, sup, top))
	}
	stats.Recommendations = s.scorer.Score(profiles)

	return stats, nil
}

func (s *StatsService) buildDecadeStats(rc *RunContext, w period.Window, users []string, all []*models.ListeningEvent, tags *genre.TagSet) (*models.DecadeStats, error) {
	counts := aggregate.CountEntities(all, w, tags.DecadeKeyer(s.opts.DecadeAxis))

	stats := &models.DecadeStats{
		Axis:        s.opts.DecadeAxis,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		GeneratedAt: rc.Now,
		Users:       users,
		PerUser:     make(map[string][]models.RankedEntity, len(users)),
	}
	for _, u := range users {
		stats.PerUser[u] = aggregate.UserTopN(counts, u, 0)
	}

	coincidences, err := aggregate.Coincidences(counts, users, s.opts.CoincidenceN, s.opts.MinUsers)
	if err != nil {
		return nil, fmt.Errorf("decade coincidences: %w", err)
	}
	stats.Coincidences = coincidences
	return stats, nil
}
