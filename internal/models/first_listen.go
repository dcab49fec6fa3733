package models

import (
	"time"

	"github.com/scrobble-stats/internal/types"
)

// FirstListenMark records the earliest scrobble of an entity by a user
type FirstListenMark struct {
	User           string           `json:"user" db:"user_name"`
	EntityKind     types.EntityKind `json:"entityKind" db:"entity_kind"`
	EntityKey      string           `json:"entityKey" db:"entity_key"`
	FirstTimestamp time.Time        `json:"firstTimestamp" db:"first_timestamp"`
}

// MarkKey identifies a first-listen mark
type MarkKey struct {
	User       string
	EntityKind types.EntityKind
	EntityKey  string
}

// Key returns the identity of the mark
func (m FirstListenMark) Key() MarkKey {
	return MarkKey{User: m.User, EntityKind: m.EntityKind, EntityKey: m.EntityKey}
}

// Merge keeps the earlier timestamp; marks only ever move backwards in time
func (m FirstListenMark) Merge(ts time.Time) FirstListenMark {
	if m.FirstTimestamp.IsZero() || ts.Before(m.FirstTimestamp) {
		m.FirstTimestamp = ts
	}
	return m
}

// MarksFor derives the artist, album and track marks of an event
func MarksFor(e *ListeningEvent) []FirstListenMark {
	marks := []FirstListenMark{
		{User: e.User, EntityKind: types.EntityArtist, EntityKey: e.ArtistKey(), FirstTimestamp: e.Timestamp},
		{User: e.User, EntityKind: types.EntityTrack, EntityKey: e.TrackKey(), FirstTimestamp: e.Timestamp},
	}
	if key := e.AlbumKey(); key != "" {
		marks = append(marks, FirstListenMark{User: e.User, EntityKind: types.EntityAlbum, EntityKey: key, FirstTimestamp: e.Timestamp})
	}
	return marks
}
