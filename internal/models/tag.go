package models

import (
	"time"

	"github.com/scrobble-stats/internal/types"
)

// DefaultTagWeight applies when a provider reports a tag without a weight
const DefaultTagWeight = 1.0

// TagKey identifies a tag within the source that reported it.
// Two providers using the same tag text are distinct keys.
type TagKey struct {
	Source string `json:"source"`
	Tag    string `json:"tag"`
}

// String renders "source:tag"
func (k TagKey) String() string {
	return k.Source + ":" + k.Tag
}

// TagAssociation is one (entity, source, tag) row
type TagAssociation struct {
	Scope     types.TagScope `json:"scope" db:"scope"`
	Artist    string         `json:"artist" db:"artist"`
	Album     string         `json:"album,omitempty" db:"album"`
	Source    string         `json:"source" db:"source"`
	Tag       string         `json:"tag" db:"tag"`
	Weight    float64        `json:"weight" db:"weight"`
	UpdatedAt time.Time      `json:"updatedAt" db:"updated_at"`
}

// Key returns the source-qualified tag key
func (t TagAssociation) Key() TagKey {
	return TagKey{Source: t.Source, Tag: t.Tag}
}

// EffectiveWeight returns the weight, falling back to DefaultTagWeight
func (t TagAssociation) EffectiveWeight() float64 {
	if t.Weight <= 0 {
		return DefaultTagWeight
	}
	return t.Weight
}

// LabelAssociation is one (artist, album, source, label) row
type LabelAssociation struct {
	Artist    string    `json:"artist" db:"artist"`
	Album     string    `json:"album" db:"album"`
	Source    string    `json:"source" db:"source"`
	Label     string    `json:"label" db:"label"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// AlbumRelease records the release year reported for an album
type AlbumRelease struct {
	Artist      string    `json:"artist" db:"artist"`
	Album       string    `json:"album" db:"album"`
	Source      string    `json:"source" db:"source"`
	ReleaseYear int       `json:"releaseYear" db:"release_year"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// AlbumRef identifies an album by artist and title
type AlbumRef struct {
	Artist string
	Album  string
}
