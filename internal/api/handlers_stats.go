package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	apperrors "github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/types"
)

// StatResponse is a committed payload with its freshness metadata
type StatResponse struct {
	CacheKey        string           `json:"cacheKey"`
	StatType        types.StatType   `json:"statType"`
	PeriodKind      types.PeriodKind `json:"periodKind"`
	WindowStart     time.Time        `json:"windowStart"`
	WindowEnd       time.Time        `json:"windowEnd"`
	Scope           string           `json:"scope"`
	ComputedAt      time.Time        `json:"computedAt"`
	SourceWatermark *time.Time       `json:"sourceWatermark,omitempty"`
	Stale           bool             `json:"stale"`
	Payload         json.RawMessage  `json:"payload"`
}

func newStatResponse(stat *models.CachedStat) *StatResponse {
	return &StatResponse{
		CacheKey:        stat.CacheKey,
		StatType:        stat.StatType,
		PeriodKind:      stat.PeriodKind,
		WindowStart:     stat.WindowStart,
		WindowEnd:       stat.WindowEnd,
		Scope:           stat.Scope,
		ComputedAt:      stat.ComputedAt,
		SourceWatermark: stat.SourceWatermark,
		Stale:           stat.Stale,
		Payload:         json.RawMessage(stat.Payload),
	}
}

// handleGetStat handles GET /api/stats/{statType}/{kind}?start=&end=&scope=
func (s *Server) handleGetStat(w http.ResponseWriter, r *http.Request) {
	statType, kind, err := parseStatRoute(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	query := r.URL.Query()
	start, err := parseInstant("start", query.Get("start"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	end, err := parseInstant("end", query.Get("end"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !start.Before(end) {
		respondServiceError(w, apperrors.NewInvalidParameterError("end", "must be after start"))
		return
	}

	key := models.CacheKey{
		StatType:    statType,
		PeriodKind:  kind,
		WindowStart: start,
		WindowEnd:   end,
		Scope:       scopeParam(r),
	}
	stat, err := s.stats.Get(r.Context(), key)
	if err != nil {
		respondServiceError(w, apperrors.NewDatabaseError("get stat", err))
		return
	}
	if stat == nil {
		respondServiceError(w, apperrors.NewNotFoundError("stat", key.String()))
		return
	}

	respondJSON(w, http.StatusOK, newStatResponse(stat))
}

// handleLatestStat handles GET /api/stats/{statType}/{kind}/latest
func (s *Server) handleLatestStat(w http.ResponseWriter, r *http.Request) {
	statType, kind, err := parseStatRoute(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	scope := scopeParam(r)
	stat, err := s.stats.Latest(r.Context(), statType, kind, scope)
	if err != nil {
		respondServiceError(w, apperrors.NewDatabaseError("get latest stat", err))
		return
	}
	if stat == nil {
		respondServiceError(w, apperrors.NewNotFoundError("stat", string(statType)+":"+string(kind)+":"+scope))
		return
	}

	respondJSON(w, http.StatusOK, newStatResponse(stat))
}

func parseStatRoute(r *http.Request) (types.StatType, types.PeriodKind, error) {
	vars := mux.Vars(r)
	statType := types.StatType(vars["statType"])
	if !statType.Valid() {
		return "", "", apperrors.NewInvalidParameterError("statType", "must be period or decades")
	}
	kind := types.PeriodKind(vars["kind"])
	if !kind.Valid() {
		return "", "", apperrors.NewInvalidParameterError("kind", "must be weekly, monthly, annual or decade")
	}
	return statType, kind, nil
}

func scopeParam(r *http.Request) string {
	if scope := r.URL.Query().Get("scope"); scope != "" {
		return scope
	}
	return models.ScopeAllUsers
}

// parseInstant accepts RFC 3339 or unix seconds
func parseInstant(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, apperrors.NewInvalidParameterError(name, "is required")
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, apperrors.NewInvalidParameterError(name, "must be RFC 3339 or unix seconds")
	}
	return ts, nil
}
