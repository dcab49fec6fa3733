package service

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	apperrors "github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/logging"
	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/models"
)

const (
	// maxLineBytes bounds a single JSON-lines record
	maxLineBytes = 1 << 20
	// oversizedPreviewBytes is how much of an oversized record is kept in quarantine
	oversizedPreviewBytes = 4 << 10

	oversizedReason = "record exceeds 1 MiB"
)

// EventWriter appends listening events to the log
type EventWriter interface {
	BatchInsert(ctx context.Context, events []*models.ListeningEvent) error
}

// MarkWriter upserts first-listen marks
type MarkWriter interface {
	UpsertMarks(ctx context.Context, marks []models.FirstListenMark) error
}

// ImportErrorWriter quarantines rejected records
type ImportErrorWriter interface {
	InsertBatch(ctx context.Context, records []*models.ImportErrorRecord) error
}

// ImportReport summarizes one import
type ImportReport struct {
	Source      string `json:"source"`
	Lines       int    `json:"lines"`
	Accepted    int    `json:"accepted"`
	Quarantined int    `json:"quarantined"`
	Marks       int    `json:"marks"`
}

// IngestService imports JSON-lines scrobble exports. Malformed lines are quarantined
// with their file:line location and never stop the import.
type IngestService struct {
	events    EventWriter
	marks     MarkWriter
	errors    ImportErrorWriter
	metrics   *metrics.Manager
	validate  *validator.Validate
	batchSize int
	now       func() time.Time
}

// NewIngestService creates an ingest service
func NewIngestService(events EventWriter, marks MarkWriter, importErrors ImportErrorWriter, m *metrics.Manager, batchSize int) *IngestService {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &IngestService{
		events:    events,
		marks:     marks,
		errors:    importErrors,
		metrics:   m,
		validate:  validator.New(),
		batchSize: batchSize,
		now:       time.Now,
	}
}

// ImportFile imports a JSON-lines file; locations are reported against its base name
func (s *IngestService) ImportFile(ctx context.Context, path string) (*ImportReport, error) {
	f, err := os.Open(path) // #nosec G304 -- path is an operator-supplied import file
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close() // nolint:errcheck // cleanup in defer
	}()

	return s.Import(ctx, f, filepath.Base(path))
}

// importBatch accumulates one flush worth of work. Marks are reduced to the
// earliest timestamp per key before they reach the database.
type importBatch struct {
	events   []*models.ListeningEvent
	marks    map[models.MarkKey]models.FirstListenMark
	rejected []*models.ImportErrorRecord
}

func newImportBatch() *importBatch {
	return &importBatch{marks: make(map[models.MarkKey]models.FirstListenMark)}
}

func (b *importBatch) size() int {
	return len(b.events) + len(b.rejected)
}

// Import reads records from r. source names the input in quarantine locations.
func (s *IngestService) Import(ctx context.Context, r io.Reader, source string) (*ImportReport, error) {
	logger := logging.FromContext(ctx).WithField("source", source)
	report := &ImportReport{Source: source}

	reader := bufio.NewReaderSize(r, 64*1024)

	batch := newImportBatch()
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		raw, tooLong, readErr := readRecord(reader)
		if readErr != nil && readErr != io.EOF {
			return report, fmt.Errorf("failed to read %s after line %d: %w", source, lineNo, readErr)
		}
		if readErr == io.EOF && len(raw) == 0 && !tooLong {
			break
		}
		lineNo++

		line := bytes.TrimSpace(raw)
		if len(line) > 0 {
			report.Lines++
			location := fmt.Sprintf("%s:%d", source, lineNo)
			if tooLong {
				logger.WithField("location", location).Warn("Quarantining oversized record")
				batch.rejected = append(batch.rejected, s.reject(location, oversizedReason, line[:min(len(line), oversizedPreviewBytes)]))
			} else if event, err := s.parse(line, source, location); err != nil {
				logger.WithError(err).WithField("location", location).Debug("Quarantining record")
				batch.rejected = append(batch.rejected, s.reject(location, rejectReason(err), line))
			} else {
				batch.events = append(batch.events, event)
				for _, m := range models.MarksFor(event) {
					if seen, ok := batch.marks[m.Key()]; ok {
						m = seen.Merge(m.FirstTimestamp)
					}
					batch.marks[m.Key()] = m
				}
			}

			if batch.size() >= s.batchSize {
				if err := s.flush(ctx, batch, report); err != nil {
					return report, err
				}
				batch = newImportBatch()
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	if err := s.flush(ctx, batch, report); err != nil {
		return report, err
	}

	logger.WithFields(map[string]interface{}{
		"lines":       report.Lines,
		"accepted":    report.Accepted,
		"quarantined": report.Quarantined,
	}).Info("Import finished")
	return report, nil
}

// readRecord returns the next line without its newline. A line longer than
// maxLineBytes is consumed up to its newline, returned truncated, and flagged tooLong.
// io.EOF is returned together with the final unterminated line, if any.
func readRecord(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		chunk = bytes.TrimSuffix(chunk, []byte("\n"))
		if room := maxLineBytes - len(line); len(chunk) > room {
			line = append(line, chunk[:max(room, 0)]...)
			tooLong = true
		} else {
			line = append(line, chunk...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, err
	}
}

func (s *IngestService) reject(location, reason string, raw []byte) *models.ImportErrorRecord {
	return &models.ImportErrorRecord{
		SourceLocation: location,
		Reason:         reason,
		RawPayload:     string(raw),
		CreatedAt:      s.now().UTC(),
	}
}

// parse decodes and validates one record
func (s *IngestService) parse(line []byte, source, location string) (*models.ListeningEvent, error) {
	var rec models.IngestRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, apperrors.NewIngestionError(location, fmt.Sprintf("malformed JSON: %v", err))
	}
	if err := s.validate.Struct(&rec); err != nil {
		return nil, apperrors.NewIngestionError(location, fmt.Sprintf("invalid record: %s", describeValidation(err)))
	}

	event := rec.ToEvent(source, s.now())
	if event.User == "" || event.Artist == "" || event.Track == "" {
		return nil, apperrors.NewIngestionError(location, "user, artist and track must not be blank")
	}
	return event, nil
}

// rejectReason extracts the stored reason of a quarantined record
func rejectReason(err error) string {
	if cat := apperrors.Categorize(err); cat != nil {
		if reason, ok := cat.Details["reason"].(string); ok {
			return reason
		}
	}
	return err.Error()
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

// flush writes events before marks so a mark never points at an event that failed to land
func (s *IngestService) flush(ctx context.Context, batch *importBatch, report *ImportReport) error {
	if len(batch.events) > 0 {
		if err := s.events.BatchInsert(ctx, batch.events); err != nil {
			return apperrors.NewDatabaseError("insert scrobbles", err)
		}

		marks := make([]models.FirstListenMark, 0, len(batch.marks))
		for _, m := range batch.marks {
			marks = append(marks, m)
		}
		if err := s.marks.UpsertMarks(ctx, marks); err != nil {
			return apperrors.NewDatabaseError("upsert first-listen marks", err)
		}
		report.Accepted += len(batch.events)
		report.Marks += len(marks)
		s.metrics.RecordIngest("accepted", len(batch.events))
	}

	if len(batch.rejected) > 0 {
		if err := s.errors.InsertBatch(ctx, batch.rejected); err != nil {
			return apperrors.NewDatabaseError("quarantine records", err)
		}
		report.Quarantined += len(batch.rejected)
		s.metrics.RecordIngest("quarantined", len(batch.rejected))
	}
	return nil
}
