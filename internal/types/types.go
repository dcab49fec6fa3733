// Package types provides common type definitions for the listening statistics engine.
package types

// PeriodKind represents the granularity of a statistics window
type PeriodKind string

const (
	// PeriodWeekly is a trailing seven-day window
	PeriodWeekly PeriodKind = "weekly"
	// PeriodMonthly is the calendar month containing the reference instant
	PeriodMonthly PeriodKind = "monthly"
	// PeriodAnnual is the calendar year containing the reference instant
	PeriodAnnual PeriodKind = "annual"
	// PeriodDecade is a fixed ten-year bucket used by cross-sectional breakdowns
	PeriodDecade PeriodKind = "decade"
)

// Valid reports whether the kind is one of the known period kinds
func (k PeriodKind) Valid() bool {
	switch k {
	case PeriodWeekly, PeriodMonthly, PeriodAnnual, PeriodDecade:
		return true
	default:
		return false
	}
}

// EntityKind represents the kind of entity being counted
type EntityKind string

const (
	// EntityArtist counts by artist name
	EntityArtist EntityKind = "artist"
	// EntityTrack counts by "artist - track"
	EntityTrack EntityKind = "track"
	// EntityAlbum counts by "artist - album"
	EntityAlbum EntityKind = "album"
	// EntityGenre counts by (source, tag)
	EntityGenre EntityKind = "genre"
	// EntityLabel counts by record label
	EntityLabel EntityKind = "label"
	// EntityYear counts by album release year label
	EntityYear EntityKind = "year"
)

// StatType identifies the schema of a cached payload
type StatType string

const (
	// StatPeriod is the full per-window payload (top lists, coincidences, superlatives, recommendations)
	StatPeriod StatType = "period"
	// StatDecades is the cross-sectional decade breakdown
	StatDecades StatType = "decades"
)

// Valid reports whether the stat type is known
func (s StatType) Valid() bool {
	return s == StatPeriod || s == StatDecades
}

// TagScope represents the entity scope of a tag association
type TagScope string

const (
	// ScopeArtist tags attach to an artist
	ScopeArtist TagScope = "artist"
	// ScopeAlbum tags attach to an (artist, album) pair
	ScopeAlbum TagScope = "album"
)

// DecadeAxis selects which year a decade breakdown is bucketed on
type DecadeAxis string

const (
	// AxisEventTime buckets by the year the scrobble happened
	AxisEventTime DecadeAxis = "event"
	// AxisReleaseYear buckets by the album release year
	AxisReleaseYear DecadeAxis = "release"
)

// PeriodStatus reports what a run did with a period
type PeriodStatus string

const (
	// StatusComputed means the payload was recomputed and committed
	StatusComputed PeriodStatus = "computed"
	// StatusReused means the cached payload was served unchanged
	StatusReused PeriodStatus = "reused"
	// StatusNoop means the period was not eligible for emission
	StatusNoop PeriodStatus = "noop"
	// StatusStale means computation failed and the previous payload was flagged stale
	StatusStale PeriodStatus = "stale"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
