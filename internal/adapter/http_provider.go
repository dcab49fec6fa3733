package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/logging"
)

// maxBodyBytes bounds how much of a provider response is read
const maxBodyBytes = 4 << 20

// HTTPProvider is a TagProvider backed by a JSON metadata gateway.
//
// The gateway answers
//
//	GET {base}/artist?name=...            -> {"tags":[{"name":"...","weight":1}]}
//	GET {base}/album?artist=...&album=... -> {"tags":[...],"labels":["..."],"releaseYear":1994}
type HTTPProvider struct {
	source   string
	endpoint *Endpoint
	client   *http.Client
}

// NewHTTPProvider creates a provider for one source. baseURLs holds the primary
// gateway URL optionally followed by a mirror, separated by "|".
func NewHTTPProvider(source, baseURLs string, timeout time.Duration) (*HTTPProvider, error) {
	if source == "" {
		return nil, fmt.Errorf("source cannot be empty")
	}
	primary, secondary, _ := strings.Cut(baseURLs, "|")
	endpoint, err := NewEndpoint(strings.TrimRight(strings.TrimSpace(primary), "/"), strings.TrimRight(strings.TrimSpace(secondary), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint for %s: %w", source, err)
	}

	return &HTTPProvider{
		source:   source,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// NewProviders builds one HTTPProvider per configured source
func NewProviders(endpoints map[string]string, timeout time.Duration) ([]TagProvider, error) {
	providers := make([]TagProvider, 0, len(endpoints))
	for source, base := range endpoints {
		p, err := NewHTTPProvider(source, base, timeout)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// Source returns the provider's source identifier
func (p *HTTPProvider) Source() string {
	return p.source
}

// Health returns endpoint health for the provider
func (p *HTTPProvider) Health() ProviderHealth {
	h := p.endpoint.Health()
	h.Source = p.source
	return h
}

type artistResponse struct {
	Tags []Tag `json:"tags"`
}

// ArtistTags fetches the tags the gateway reports for an artist
func (p *HTTPProvider) ArtistTags(ctx context.Context, artist string) ([]Tag, error) {
	q := url.Values{}
	q.Set("name", artist)

	var resp artistResponse
	if err := p.get(ctx, "/artist", q, &resp); err != nil {
		return nil, err
	}
	return cleanTags(resp.Tags), nil
}

// AlbumInfo fetches tags, labels and release year for an album
func (p *HTTPProvider) AlbumInfo(ctx context.Context, artist, album string) (*AlbumInfo, error) {
	q := url.Values{}
	q.Set("artist", artist)
	q.Set("album", album)

	var info AlbumInfo
	if err := p.get(ctx, "/album", q, &info); err != nil {
		return nil, err
	}
	info.Tags = cleanTags(info.Tags)

	labels := info.Labels[:0]
	for _, l := range info.Labels {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	info.Labels = labels
	if info.ReleaseYear < 0 {
		info.ReleaseYear = 0
	}
	return &info, nil
}

// get performs one request against the current endpoint and decodes the body into dest.
// An unhealthy endpoint is failed over before the request when a mirror exists.
func (p *HTTPProvider) get(ctx context.Context, path string, query url.Values, dest interface{}) error {
	if !p.endpoint.IsHealthy() {
		if err := p.endpoint.Failover(); err == nil {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"source": p.source,
				"url":    p.endpoint.CurrentURL(),
			}).Warn("Provider endpoint unhealthy, switched to mirror")
		}
	}

	reqURL := p.endpoint.CurrentURL() + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.endpoint.RecordFailure()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewEnrichmentError(p.source, fmt.Errorf("failed to make request: %w", err))
	}
	defer func() {
		_ = resp.Body.Close() // nolint:errcheck // cleanup in defer
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		p.endpoint.RecordFailure()
		return apperrors.NewEnrichmentError(p.source, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		// the gateway answered; the entity simply is not known
		p.endpoint.RecordSuccess(time.Since(start))
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		p.endpoint.RecordFailure()
		return apperrors.NewEnrichmentRateLimitError(p.source)
	case resp.StatusCode >= 500:
		p.endpoint.RecordFailure()
		return apperrors.NewEnrichmentError(p.source, fmt.Errorf("HTTP error: %d - %s", resp.StatusCode, truncateBody(body)))
	default:
		// other client errors will not improve on retry
		p.endpoint.RecordSuccess(time.Since(start))
		return fmt.Errorf("%s rejected request: HTTP %d - %s", p.source, resp.StatusCode, truncateBody(body))
	}

	if err := json.Unmarshal(body, dest); err != nil {
		p.endpoint.RecordFailure()
		return apperrors.NewEnrichmentError(p.source, fmt.Errorf("failed to decode response: %w", err))
	}

	p.endpoint.RecordSuccess(time.Since(start))
	return nil
}

func cleanTags(tags []Tag) []Tag {
	out := make([]Tag, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		name := strings.TrimSpace(t.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if t.Weight < 0 {
			t.Weight = 0
		}
		out = append(out, Tag{Name: name, Weight: t.Weight})
	}
	return out
}

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
