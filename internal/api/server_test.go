package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrobble-stats/internal/circuitbreaker"
	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/types"
)

// Mock services for testing

type mockStatReader struct {
	mu     sync.Mutex
	rows   map[string]*models.CachedStat
	latest map[string]*models.CachedStat
	err    error
	gets   int
}

func newMockStatReader() *mockStatReader {
	return &mockStatReader{
		rows:   make(map[string]*models.CachedStat),
		latest: make(map[string]*models.CachedStat),
	}
}

func (m *mockStatReader) put(stat *models.CachedStat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[stat.CacheKey] = stat
	m.latest[string(stat.StatType)+":"+string(stat.PeriodKind)+":"+stat.Scope] = stat
}

func (m *mockStatReader) Get(ctx context.Context, key models.CacheKey) (*models.CachedStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return nil, m.err
	}
	return m.rows[key.String()], nil
}

func (m *mockStatReader) Latest(ctx context.Context, statType types.StatType, kind types.PeriodKind, scope string) (*models.CachedStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.latest[string(statType)+":"+string(kind)+":"+scope], nil
}

type mockImportErrorReader struct {
	records []*models.ImportErrorRecord
	err     error
	limit   int
	offset  int
}

func (m *mockImportErrorReader) List(ctx context.Context, limit, offset int) ([]*models.ImportErrorRecord, error) {
	m.limit, m.offset = limit, offset
	if m.err != nil {
		return nil, m.err
	}
	if offset >= len(m.records) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.records) {
		end = len(m.records)
	}
	return m.records[offset:end], nil
}

func (m *mockImportErrorReader) Count(ctx context.Context) (int64, error) {
	return int64(len(m.records)), m.err
}

func createTestServer(stats StatReader, importErrors ImportErrorReader, checks map[string]HealthCheck) *Server {
	config := &ServerConfig{
		Host:           "localhost",
		Port:           "8080",
		RequestsPerSec: 1000,
		Burst:          100,
	}
	return NewServer(config, ServerDeps{
		Stats:        stats,
		ImportErrors: importErrors,
		Checks:       checks,
		Breakers:     circuitbreaker.NewCircuitBreakerManager(),
		Metrics:      metrics.NewManager(),
	})
}

func serve(s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	checks := map[string]HealthCheck{
		"postgres":   func(ctx context.Context) error { return nil },
		"clickhouse": func(ctx context.Context) error { return nil },
	}
	server := createTestServer(newMockStatReader(), &mockImportErrorReader{}, checks)
	server.breakers.GetOrCreate("lastfm", circuitbreaker.DefaultConfig("enrichment:lastfm"))

	w := serve(server, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "scrobble-stats", resp.Service)
	assert.Equal(t, map[string]string{"postgres": "healthy", "clickhouse": "healthy"}, resp.Dependencies)
	require.Contains(t, resp.Breakers, "lastfm")
	assert.Equal(t, circuitbreaker.StateClosed, resp.Breakers["lastfm"].State)
}

func TestHealthEndpointUnhealthyDependency(t *testing.T) {
	checks := map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return errors.New("connection refused") },
		"redis":    func(ctx context.Context) error { return nil },
	}
	server := createTestServer(newMockStatReader(), &mockImportErrorReader{}, checks)

	w := serve(server, "GET", "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "unhealthy", resp.Dependencies["postgres"])
	assert.Equal(t, "healthy", resp.Dependencies["redis"])
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	server := createTestServer(newMockStatReader(), &mockImportErrorReader{}, nil)

	serve(server, "GET", "/api/stats/period/weekly/latest", nil)
	w := serve(server, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/stats/{statType}/{kind}/latest")
}

func TestCORSHeaders(t *testing.T) {
	server := createTestServer(newMockStatReader(), &mockImportErrorReader{}, nil)

	w := serve(server, "GET", "/health", nil)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestRequestIDPropagation(t *testing.T) {
	server := createTestServer(newMockStatReader(), &mockImportErrorReader{}, nil)

	w := serve(server, "GET", "/health", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w = serve(server, "GET", "/health", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRateLimitPerClient(t *testing.T) {
	config := &ServerConfig{Host: "localhost", Port: "8080", RequestsPerSec: 1, Burst: 2}
	server := NewServer(config, ServerDeps{
		Stats:        newMockStatReader(),
		ImportErrors: &mockImportErrorReader{},
	})

	for i := 0; i < 2; i++ {
		w := serve(server, "GET", "/health", map[string]string{"X-Client-ID": "dashboard"})
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := serve(server, "GET", "/health", map[string]string{"X-Client-ID": "dashboard"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), ErrCodeRateLimited)

	w = serve(server, "GET", "/health", map[string]string{"X-Client-ID": "other"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGzipCompression(t *testing.T) {
	server := createTestServer(newMockStatReader(), &mockImportErrorReader{}, nil)

	w := serve(server, "GET", "/health", map[string]string{"Accept-Encoding": "gzip, deflate"})
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.False(t, strings.HasPrefix(w.Body.String(), "{"))
}

func TestShutdownBeforeStart(t *testing.T) {
	server := createTestServer(newMockStatReader(), &mockImportErrorReader{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}
