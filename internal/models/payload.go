package models

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/scrobble-stats/internal/types"
)

// PayloadSchemaVersion is bumped whenever a payload struct changes shape
const PayloadSchemaVersion = 2

// RankedEntity is one row of a top list
type RankedEntity struct {
	Entity string         `json:"entity"`
	Total  int            `json:"total"`
	Users  map[string]int `json:"users,omitempty"`
}

// Coincidence is an entity present in several users' own top lists
type Coincidence struct {
	Entity string         `json:"entity"`
	Users  map[string]int `json:"users"`
	Total  int            `json:"total"`
}

// CoincidenceTier holds the coincidences shared by at least MinUsers users
type CoincidenceTier struct {
	MinUsers     int           `json:"minUsers"`
	Coincidences []Coincidence `json:"coincidences"`
}

// TagWeight is a source-qualified tag and its accumulated weight
type TagWeight struct {
	Source string  `json:"source"`
	Tag    string  `json:"tag"`
	Weight float64 `json:"weight"`
}

// Key returns the source-qualified key
func (t TagWeight) Key() TagKey {
	return TagKey{Source: t.Source, Tag: t.Tag}
}

// UserTopLists holds a user's top lists for a window
type UserTopLists struct {
	Artists []RankedEntity `json:"artists"`
	Tracks  []RankedEntity `json:"tracks"`
	Albums  []RankedEntity `json:"albums"`
	Labels  []RankedEntity `json:"labels,omitempty"`
	Years   []RankedEntity `json:"years,omitempty"`

	// Genres is keyed by source
	Genres map[string][]TagWeight `json:"genres,omitempty"`
}

// NewEntity is an entity first heard inside the window
type NewEntity struct {
	Entity    string    `json:"entity"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"firstSeen"`
}

// DiscoveryBucket groups discoveries by calendar month ("2006-01")
type DiscoveryBucket struct {
	Month   string      `json:"month"`
	Entries []NewEntity `json:"entries"`
}

// Streak is the longest run of consecutive days with a scrobble of an artist
type Streak struct {
	Artist    string `json:"artist"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	DayCount  int    `json:"dayCount"`
	Plays     int    `json:"plays"`
}

// OneHitWonder is an artist heard through exactly one track in the window
type OneHitWonder struct {
	Artist string `json:"artist"`
	Track  string `json:"track"`
	Count  int    `json:"count"`
}

// GoldenOldie is a heavily played artist that went quiet at the end of the window
type GoldenOldie struct {
	Artist        string     `json:"artist"`
	LifetimeCount int        `json:"lifetimeCount"`
	WindowCount   int        `json:"windowCount"`
	LastPlayed    *time.Time `json:"lastPlayed,omitempty"`
}

// RankMove is an artist's rank change between its first and last qualifying month
type RankMove struct {
	Artist     string `json:"artist"`
	FirstMonth string `json:"firstMonth"`
	LastMonth  string `json:"lastMonth"`
	FirstRank  int    `json:"firstRank"`
	LastRank   int    `json:"lastRank"`
	Delta      int    `json:"delta"`
	Plays      int    `json:"plays"`
}

// UserSuperlatives holds every detector output for one user
type UserSuperlatives struct {
	Discoveries        []NewEntity       `json:"discoveries"`
	MonthlyDiscoveries []DiscoveryBucket `json:"monthlyDiscoveries,omitempty"`
	Streaks            []Streak          `json:"streaks"`
	OneHitWonders      []OneHitWonder    `json:"oneHitWonders"`
	GoldenOldies       []GoldenOldie     `json:"goldenOldies"`
	Climbers           []RankMove        `json:"climbers"`
	Decliners          []RankMove        `json:"decliners"`
	Persistent         []RankedEntity    `json:"persistent"`
}

// Evidence is one entity supporting a pair's score
type Evidence struct {
	Category  string  `json:"category"`
	Entity    string  `json:"entity"`
	Scrobbles int     `json:"scrobbles"`
	Weight    float64 `json:"weight"`
}

// PairScore is the recommendation score of an unordered user pair
type PairScore struct {
	UserA    string     `json:"userA"`
	UserB    string     `json:"userB"`
	Score    float64    `json:"score"`
	Evidence []Evidence `json:"evidence"`
}

// Recommendations holds the symmetric score matrix and per-pair evidence
type Recommendations struct {
	Matrix map[string]map[string]float64 `json:"matrix"`
	Pairs  []PairScore                   `json:"pairs"`
}

// GenreSeries is one tag's weight per evolution year
type GenreSeries struct {
	Tag     string    `json:"tag"`
	Weights []float64 `json:"weights"`
}

// UserEvolution is one user's history, aligned with YearlyEvolution.Years
type UserEvolution struct {
	Scrobbles []int `json:"scrobbles"`

	// Genres is keyed by source and holds the user's top tags across the whole span
	Genres map[string][]GenreSeries `json:"genres,omitempty"`
}

// PairEvolution counts the artists and albums both users played each year
type PairEvolution struct {
	UserA   string `json:"userA"`
	UserB   string `json:"userB"`
	Artists []int  `json:"artists"`
	Albums  []int  `json:"albums"`
}

// YearlyEvolution traces the calendar years leading up to an annual window
type YearlyEvolution struct {
	Years []int                    `json:"years"`
	Users map[string]UserEvolution `json:"users"`
	Pairs []PairEvolution          `json:"pairs"`
}

// PeriodStats is the payload of a weekly, monthly or annual window
type PeriodStats struct {
	Kind        types.PeriodKind        `json:"kind"`
	WindowStart time.Time               `json:"windowStart"`
	WindowEnd   time.Time               `json:"windowEnd"`
	GeneratedAt time.Time               `json:"generatedAt"`
	Users       []string                `json:"users"`
	TopLists    map[string]UserTopLists `json:"topLists"`

	// Coincidences is keyed by list name: artist, track, album, label, year, genre:<source>
	Coincidences map[string][]Coincidence `json:"coincidences"`
	// CoincidenceTiers is keyed like Coincidences, one tier per level from every user down to the minimum
	CoincidenceTiers map[string][]CoincidenceTier `json:"coincidenceTiers,omitempty"`
	Superlatives     map[string]UserSuperlatives  `json:"superlatives"`
	Recommendations  Recommendations              `json:"recommendations"`

	// Evolution is only set on annual windows
	Evolution *YearlyEvolution `json:"evolution,omitempty"`

	// EnrichmentDegraded is set when tag or label data fell back to stored rows
	EnrichmentDegraded bool `json:"enrichmentDegraded"`
}

// DecadeStats is the cross-sectional decade breakdown
type DecadeStats struct {
	Axis         types.DecadeAxis          `json:"axis"`
	WindowStart  time.Time                 `json:"windowStart"`
	WindowEnd    time.Time                 `json:"windowEnd"`
	GeneratedAt  time.Time                 `json:"generatedAt"`
	Users        []string                  `json:"users"`
	PerUser      map[string][]RankedEntity `json:"perUser"`
	Coincidences []Coincidence             `json:"coincidences"`
}

// StatPayload is the tagged variant stored in cached_stats.payload.
// Exactly one of Period or Decades is set, matching StatType.
type StatPayload struct {
	StatType      types.StatType `json:"statType"`
	SchemaVersion int            `json:"schemaVersion"`
	Period        *PeriodStats   `json:"period,omitempty"`
	Decades       *DecadeStats   `json:"decades,omitempty"`
}

// NewPeriodPayload wraps period stats
func NewPeriodPayload(p *PeriodStats) *StatPayload {
	return &StatPayload{StatType: types.StatPeriod, SchemaVersion: PayloadSchemaVersion, Period: p}
}

// NewDecadePayload wraps decade stats
func NewDecadePayload(d *DecadeStats) *StatPayload {
	return &StatPayload{StatType: types.StatDecades, SchemaVersion: PayloadSchemaVersion, Decades: d}
}

// Validate checks that the variant matches its tag
func (p *StatPayload) Validate() error {
	if p.SchemaVersion != PayloadSchemaVersion {
		return fmt.Errorf("schema version %d, want %d", p.SchemaVersion, PayloadSchemaVersion)
	}
	switch p.StatType {
	case types.StatPeriod:
		if p.Period == nil || p.Decades != nil {
			return fmt.Errorf("period payload must carry only period stats")
		}
	case types.StatDecades:
		if p.Decades == nil || p.Period != nil {
			return fmt.Errorf("decades payload must carry only decade stats")
		}
	default:
		return fmt.Errorf("unknown stat type %q", p.StatType)
	}
	return nil
}

// EncodePayload validates and serializes a payload
func EncodePayload(p *StatPayload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodePayload parses a stored payload, rejecting unknown fields and variant mismatches
func DecodePayload(data []byte) (*StatPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p StatPayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
