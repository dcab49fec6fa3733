// Package models provides data models for the scrobble statistics system.
package models

import (
	"strings"
	"time"
)

// ListeningEvent represents one scrobble stored in ClickHouse
type ListeningEvent struct {
	User         string    `json:"user" ch:"user"`
	Artist       string    `json:"artist" ch:"artist"`
	Track        string    `json:"track" ch:"track"`
	Album        *string   `json:"album,omitempty" ch:"album"`
	Timestamp    time.Time `json:"timestamp" ch:"timestamp"`
	ArtistID     *string   `json:"artistId,omitempty" ch:"artist_id"`
	AlbumID      *string   `json:"albumId,omitempty" ch:"album_id"`
	TrackID      *string   `json:"trackId,omitempty" ch:"track_id"`
	ImportSource string    `json:"importSource,omitempty" ch:"import_source"`
	IngestedAt   time.Time `json:"ingestedAt" ch:"ingested_at"`
}

// AlbumName returns the album or "" when unknown
func (e *ListeningEvent) AlbumName() string {
	if e.Album == nil {
		return ""
	}
	return *e.Album
}

// ArtistKey is the entity key for artist counts
func (e *ListeningEvent) ArtistKey() string {
	return e.Artist
}

// TrackKey is the entity key for track counts ("artist - track")
func (e *ListeningEvent) TrackKey() string {
	return e.Artist + " - " + e.Track
}

// AlbumKey is the entity key for album counts ("artist - album"), empty when the album is unknown
func (e *ListeningEvent) AlbumKey() string {
	album := strings.TrimSpace(e.AlbumName())
	if album == "" {
		return ""
	}
	return e.Artist + " - " + album
}

// IngestRecord is one line of the JSON-lines import contract
type IngestRecord struct {
	User      string  `json:"user" validate:"required,max=255"`
	Artist    string  `json:"artist" validate:"required,max=1024"`
	Track     string  `json:"track" validate:"required,max=1024"`
	Timestamp int64   `json:"timestamp" validate:"required,gt=0"`
	Album     *string `json:"album,omitempty" validate:"omitempty,max=1024"`
	ArtistID  *string `json:"artist_id,omitempty" validate:"omitempty,max=64"`
	AlbumID   *string `json:"album_id,omitempty" validate:"omitempty,max=64"`
	TrackID   *string `json:"track_id,omitempty" validate:"omitempty,max=64"`
}

// ToEvent converts a validated record into a ListeningEvent
func (r *IngestRecord) ToEvent(source string, ingestedAt time.Time) *ListeningEvent {
	return &ListeningEvent{
		User:         strings.TrimSpace(r.User),
		Artist:       strings.TrimSpace(r.Artist),
		Track:        strings.TrimSpace(r.Track),
		Album:        nonEmpty(r.Album),
		Timestamp:    time.Unix(r.Timestamp, 0).UTC(),
		ArtistID:     nonEmpty(r.ArtistID),
		AlbumID:      nonEmpty(r.AlbumID),
		TrackID:      nonEmpty(r.TrackID),
		ImportSource: source,
		IngestedAt:   ingestedAt.UTC(),
	}
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// ImportErrorRecord is a quarantined ingestion record
type ImportErrorRecord struct {
	ID             int64     `json:"id" db:"id"`
	SourceLocation string    `json:"sourceLocation" db:"source_location"`
	Reason         string    `json:"reason" db:"reason"`
	RawPayload     string    `json:"rawPayload" db:"raw_payload"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}
