package export

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/txspend/backend/internal/metrics"
	"github.com/txspend/backend/internal/safety"
	"github.com/txspend/backend/internal/sqlgen"
	"github.com/txspend/backend/pkg/logger"
)

// Ticket is the only state shared between the two phases. Phase 1 creates
// it without executing anything; the client holds it until the user clicks
// download, and Phase 2 consumes it verbatim. Nothing is kept server-side,
// so a failed download retries against the same ticket at zero generation
// cost.
type Ticket struct {
	ID            string   `json:"id"`
	SQLQuery      string   `json:"sqlQuery"`
	Filename      string   `json:"filename"`
	EstimatedRows int      `json:"estimatedRows"`
	CSVColumns    []string `json:"csvColumns"`
}

// PrepareResult is Phase 1's tool payload. On failure Ticket is nil and
// Suggestion tells the assistant what to relay; failure is terminal for
// that request, a retry means asking again.
type PrepareResult struct {
	Ready      bool    `json:"ready"`
	Ticket     *Ticket `json:"ticket,omitempty"`
	Error      string  `json:"error,omitempty"`
	Suggestion string  `json:"suggestion,omitempty"`
}

var (
	ErrNoRows = errors.New("the export query returned no rows")
)

type bulkRunner interface {
	RunBulk(ctx context.Context, query string, maxRows *int) ([]map[string]interface{}, error)
}

type bulkGenerator interface {
	GenerateBulk(ctx context.Context, request string, entities *sqlgen.EntitySet) sqlgen.BulkQuery
}

type Pipeline struct {
	generator bulkGenerator
	db        bulkRunner
	timeout   time.Duration
}

func NewPipeline(generator bulkGenerator, db bulkRunner, timeoutSec int) *Pipeline {
	return &Pipeline{
		generator: generator,
		db:        db,
		timeout:   time.Duration(timeoutSec) * time.Second,
	}
}

// Prepare is Phase 1: generate an unrestricted export query and hand back
// a ticket immediately, without touching the database. Generation is cheap;
// execution can take minutes and is deliberately kept out of the
// orchestrator's tool loop.
func (p *Pipeline) Prepare(ctx context.Context, request string, entities *sqlgen.EntitySet) PrepareResult {
	generated := p.generator.GenerateBulk(ctx, request, entities)
	if !generated.IsValid {
		return PrepareResult{
			Ready:      false,
			Error:      generated.Error,
			Suggestion: "Ask the user to describe the data they want to export, for example the agencies and date range.",
		}
	}

	ticket := &Ticket{
		ID:            uuid.New().String(),
		SQLQuery:      generated.SQLQuery,
		Filename:      SanitizeFilename(generated.Filename),
		EstimatedRows: generated.EstimatedRows,
		CSVColumns:    generated.CSVColumns,
	}

	logger.Info("Bulk download ticket prepared",
		zap.String("ticket_id", ticket.ID),
		zap.String("filename", ticket.Filename),
		zap.Int("estimated_rows", ticket.EstimatedRows),
	)

	return PrepareResult{Ready: true, Ticket: ticket}
}

// Execute is Phase 2: run the ticket's SQL unmodified through the bulk
// stored function (no row cap, long timeout) and serialize the result to
// CSV. Only the SELECT-only and forbidden-keyword rules apply here; adding
// the display cap would defeat the point of the export.
func (p *Pipeline) Execute(ctx context.Context, ticket Ticket) ([]byte, error) {
	if err := safety.Validate(ticket.SQLQuery); err != nil {
		metrics.BulkDownloads.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("export query rejected: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	rows, err := p.db.RunBulk(ctx, safety.StripTrailingSemicolon(ticket.SQLQuery), nil)
	metrics.QueryDuration.WithLabelValues("bulk").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.BulkDownloads.WithLabelValues("failed").Inc()
		logger.Error("Bulk query failed",
			zap.String("ticket_id", ticket.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("export query failed: %w", err)
	}

	if len(rows) == 0 {
		metrics.BulkDownloads.WithLabelValues("empty").Inc()
		return nil, ErrNoRows
	}

	columns := ticket.CSVColumns
	if len(columns) == 0 {
		columns = Columns(rows)
	}

	csv := WriteCSV(columns, rows)

	metrics.BulkDownloads.WithLabelValues("success").Inc()
	metrics.QueryRowsReturned.WithLabelValues("bulk").Observe(float64(len(rows)))
	metrics.CSVBytesWritten.Add(float64(len(csv)))

	logger.Info("Bulk download complete",
		zap.String("ticket_id", ticket.ID),
		zap.Int("rows", len(rows)),
		zap.Int("bytes", len(csv)),
	)

	return []byte(csv), nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// SanitizeFilename keeps a suggested name header-safe. The ticket
// round-trips through the client, so the download handler re-applies this
// before interpolating the name into Content-Disposition. The .csv
// extension is added by the handler.
func SanitizeFilename(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".csv")
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if name == "" {
		name = "txspend_export"
	}
	return name
}
