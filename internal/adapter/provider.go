// Package adapter talks to the metadata providers that tag artists and albums.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a provider has no record of the entity
var ErrNotFound = errors.New("entity not found at provider")

// Tag is one tag as a provider reports it; Weight 0 means the provider gave none
type Tag struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight,omitempty"`
}

// AlbumInfo is what a provider knows about an album
type AlbumInfo struct {
	Tags        []Tag    `json:"tags"`
	Labels      []string `json:"labels"`
	ReleaseYear int      `json:"releaseYear,omitempty"`
}

// TagProvider defines the interface for enrichment sources
type TagProvider interface {
	// Source returns the identifier rows from this provider are stored under
	Source() string

	// ArtistTags returns the provider's tags for an artist
	ArtistTags(ctx context.Context, artist string) ([]Tag, error)

	// AlbumInfo returns the provider's tags, labels and release year for an album
	AlbumInfo(ctx context.Context, artist, album string) (*AlbumInfo, error)
}

// ProviderHealth represents the health status of a provider endpoint
type ProviderHealth struct {
	Source           string        `json:"source"`
	CurrentURL       string        `json:"currentUrl"`
	TotalRequests    int64         `json:"totalRequests"`
	SuccessfulReqs   int64         `json:"successfulRequests"`
	FailedReqs       int64         `json:"failedRequests"`
	SuccessRate      float64       `json:"successRate"`
	AverageLatency   time.Duration `json:"averageLatency"`
	LastSuccess      time.Time     `json:"lastSuccess"`
	LastFailure      time.Time     `json:"lastFailure"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	IsHealthy        bool          `json:"isHealthy"`
}

// Endpoint tracks a provider's primary and optional mirror URL together with request health
type Endpoint struct {
	mu sync.RWMutex

	primaryURL   string
	secondaryURL string
	currentURL   string

	// Health tracking
	totalRequests    int64
	successfulReqs   int64
	failedReqs       int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int

	// Health thresholds
	maxConsecutiveFails int
	minSuccessRate      float64
}

// NewEndpoint creates an endpoint with primary and optional secondary URLs
func NewEndpoint(primaryURL, secondaryURL string) (*Endpoint, error) {
	if primaryURL == "" {
		return nil, fmt.Errorf("primary URL cannot be empty")
	}

	return &Endpoint{
		primaryURL:          primaryURL,
		secondaryURL:        secondaryURL,
		currentURL:          primaryURL,
		maxConsecutiveFails: 5,
		minSuccessRate:      0.5,
	}, nil
}

// CurrentURL returns the currently active URL
func (e *Endpoint) CurrentURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentURL
}

// Failover switches between primary and secondary URL
func (e *Endpoint) Failover() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.secondaryURL == "" {
		return fmt.Errorf("no secondary endpoint configured")
	}
	if e.currentURL == e.primaryURL {
		e.currentURL = e.secondaryURL
	} else {
		e.currentURL = e.primaryURL
	}
	e.consecutiveFails = 0
	return nil
}

// RecordSuccess records a successful request for health tracking
func (e *Endpoint) RecordSuccess(duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalRequests++
	e.successfulReqs++
	e.totalLatency += duration
	e.lastSuccess = time.Now()
	e.consecutiveFails = 0
}

// RecordFailure records a failed request for health tracking
func (e *Endpoint) RecordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalRequests++
	e.failedReqs++
	e.lastFailure = time.Now()
	e.consecutiveFails++
}

// Health returns the current health status
func (e *Endpoint) Health() ProviderHealth {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var successRate float64
	if e.totalRequests > 0 {
		successRate = float64(e.successfulReqs) / float64(e.totalRequests)
	}

	var avgLatency time.Duration
	if e.successfulReqs > 0 {
		avgLatency = e.totalLatency / time.Duration(e.successfulReqs)
	}

	return ProviderHealth{
		CurrentURL:       e.currentURL,
		TotalRequests:    e.totalRequests,
		SuccessfulReqs:   e.successfulReqs,
		FailedReqs:       e.failedReqs,
		SuccessRate:      successRate,
		AverageLatency:   avgLatency,
		LastSuccess:      e.lastSuccess,
		LastFailure:      e.lastFailure,
		ConsecutiveFails: e.consecutiveFails,
		IsHealthy:        e.isHealthyLocked(),
	}
}

// IsHealthy returns true if the endpoint is considered healthy
func (e *Endpoint) IsHealthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isHealthyLocked()
}

// isHealthyLocked must be called with the lock held
func (e *Endpoint) isHealthyLocked() bool {
	if e.consecutiveFails >= e.maxConsecutiveFails {
		return false
	}

	// Only judge the success rate once there is enough data
	if e.totalRequests >= 10 {
		if float64(e.successfulReqs)/float64(e.totalRequests) < e.minSuccessRate {
			return false
		}
	}

	return true
}
