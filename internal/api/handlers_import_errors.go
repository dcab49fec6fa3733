package api

import (
	"net/http"
	"strconv"

	apperrors "github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ImportErrorsResponse is one page of quarantined records
type ImportErrorsResponse struct {
	Records []*models.ImportErrorRecord `json:"records"`
	Total   int64                       `json:"total"`
	Limit   int                         `json:"limit"`
	Offset  int                         `json:"offset"`
}

// handleListImportErrors handles GET /api/import-errors?limit=&offset=
func (s *Server) handleListImportErrors(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	records, err := s.importErrors.List(r.Context(), limit, offset)
	if err != nil {
		respondServiceError(w, apperrors.NewDatabaseError("list import errors", err))
		return
	}
	total, err := s.importErrors.Count(r.Context())
	if err != nil {
		respondServiceError(w, apperrors.NewDatabaseError("count import errors", err))
		return
	}
	if records == nil {
		records = []*models.ImportErrorRecord{}
	}

	respondJSON(w, http.StatusOK, ImportErrorsResponse{
		Records: records,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// parsePagination falls back to defaults on missing or invalid values and caps the page size
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
