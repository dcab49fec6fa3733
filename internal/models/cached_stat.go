package models

import (
	"fmt"
	"time"

	"github.com/scrobble-stats/internal/types"
)

// ScopeAllUsers is the scope of payloads computed over the whole configured user set
const ScopeAllUsers = "all"

// CacheKey identifies one cached payload
type CacheKey struct {
	StatType    types.StatType
	PeriodKind  types.PeriodKind
	WindowStart time.Time
	WindowEnd   time.Time
	Scope       string
}

// String renders the key as stored in cached_stats.cache_key
func (k CacheKey) String() string {
	scope := k.Scope
	if scope == "" {
		scope = ScopeAllUsers
	}
	return fmt.Sprintf("%s:%s:%d:%d:%s", k.StatType, k.PeriodKind, k.WindowStart.Unix(), k.WindowEnd.Unix(), scope)
}

// CachedStat is one persisted payload with its freshness markers
type CachedStat struct {
	CacheKey        string           `json:"cacheKey" db:"cache_key"`
	StatType        types.StatType   `json:"statType" db:"stat_type"`
	PeriodKind      types.PeriodKind `json:"periodKind" db:"period_kind"`
	WindowStart     time.Time        `json:"windowStart" db:"window_start"`
	WindowEnd       time.Time        `json:"windowEnd" db:"window_end"`
	Scope           string           `json:"scope" db:"scope"`
	Payload         []byte           `json:"-" db:"payload"`
	ComputedAt      time.Time        `json:"computedAt" db:"computed_at"`
	SourceWatermark *time.Time       `json:"sourceWatermark,omitempty" db:"source_watermark"`
	SourceCount     int64            `json:"sourceCount" db:"source_count"`
	Stale           bool             `json:"stale" db:"stale"`
}

// NewCachedStat builds a row for key
func NewCachedStat(key CacheKey, payload []byte, computedAt time.Time, wm Watermark) *CachedStat {
	scope := key.Scope
	if scope == "" {
		scope = ScopeAllUsers
	}
	return &CachedStat{
		CacheKey:        key.String(),
		StatType:        key.StatType,
		PeriodKind:      key.PeriodKind,
		WindowStart:     key.WindowStart,
		WindowEnd:       key.WindowEnd,
		Scope:           scope,
		Payload:         payload,
		ComputedAt:      computedAt,
		SourceWatermark: wm.Latest,
		SourceCount:     wm.Count,
	}
}

// Key reconstructs the cache key of the row
func (c *CachedStat) Key() CacheKey {
	return CacheKey{
		StatType:    c.StatType,
		PeriodKind:  c.PeriodKind,
		WindowStart: c.WindowStart,
		WindowEnd:   c.WindowEnd,
		Scope:       c.Scope,
	}
}

// Watermark summarizes the events a window contained at computation time
type Watermark struct {
	Latest *time.Time
	Count  int64
}

// Covers reports whether the stored markers still describe the current window contents
func (c *CachedStat) Covers(current Watermark) bool {
	if c.SourceCount != current.Count {
		return false
	}
	if current.Latest == nil {
		return true
	}
	if c.SourceWatermark == nil {
		return false
	}
	return !c.SourceWatermark.Before(*current.Latest)
}
