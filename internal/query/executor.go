package query

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/txspend/backend/internal/metrics"
	"github.com/txspend/backend/internal/safety"
	"github.com/txspend/backend/pkg/logger"
)

// ResultSet is the executor's output. A remote failure is carried in Error
// rather than returned as a Go error: the orchestrator reports failures
// conversationally and must never die on one.
type ResultSet struct {
	Rows           []map[string]interface{} `json:"rows"`
	RowCount       int                      `json:"rowCount"`
	HasMoreResults bool                     `json:"hasMoreResults"`
	Error          string                   `json:"error,omitempty"`
}

type selectRunner interface {
	RunSelect(ctx context.Context, query string) ([]map[string]interface{}, error)
}

type resultCache interface {
	GetQueryResult(ctx context.Context, sql string, result interface{}) (bool, error)
	SetQueryResult(ctx context.Context, sql string, result interface{}, ttl time.Duration) error
}

type Executor struct {
	db       selectRunner
	cache    resultCache
	rowCap   int
	timeout  time.Duration
	cacheTTL time.Duration
}

// NewExecutor builds the display-path executor. cache may be nil.
func NewExecutor(db selectRunner, cache resultCache, rowCap, timeoutSec, cacheTTLMin int) *Executor {
	return &Executor{
		db:       db,
		cache:    cache,
		rowCap:   rowCap,
		timeout:  time.Duration(timeoutSec) * time.Second,
		cacheTTL: time.Duration(cacheTTLMin) * time.Minute,
	}
}

// Run validates the query, applies the row-cap rewrite, executes it via the
// display stored function and normalizes the rows. The rewrite happens
// unconditionally: even a query that already carries LIMIT goes through
// CapRows, so a model that ignored the prompt guidance still cannot exceed
// the cap.
func (e *Executor) Run(ctx context.Context, sql string) ResultSet {
	if err := safety.Validate(sql); err != nil {
		logger.Warn("Query rejected", zap.Error(err), zap.String("sql", sql))
		return ResultSet{
			Rows:  []map[string]interface{}{},
			Error: "Only read-only SELECT queries can be executed: " + err.Error(),
		}
	}

	capped := safety.CapRows(sql, e.rowCap)

	if e.cache != nil {
		var cached ResultSet
		hit, err := e.cache.GetQueryResult(ctx, capped, &cached)
		if err != nil {
			logger.Warn("Result cache read failed", zap.Error(err))
		}
		if hit {
			metrics.CacheHits.WithLabelValues("result").Inc()
			return cached
		}
		metrics.CacheMisses.WithLabelValues("result").Inc()
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	rows, err := e.db.RunSelect(ctx, capped)
	metrics.QueryDuration.WithLabelValues("display").Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error("Display query failed", zap.Error(err), zap.String("sql", capped))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ResultSet{
				Rows:  []map[string]interface{}{},
				Error: "The query took too long to run. Try narrowing it with fewer agencies, a shorter date range, or a smaller result.",
			}
		}
		return ResultSet{
			Rows:  []map[string]interface{}{},
			Error: "Query execution failed. The query may reference columns that do not exist.",
		}
	}

	normalized := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		normalized[i] = NormalizeRow(row)
	}

	metrics.QueryRowsReturned.WithLabelValues("display").Observe(float64(len(normalized)))

	result := ResultSet{
		Rows:     normalized,
		RowCount: len(normalized),
		// Equality with the cap is read as "possibly truncated". This
		// false-positives when the true result size equals the cap exactly;
		// the approximation is kept as observed behavior.
		HasMoreResults: len(normalized) == e.rowCap,
	}

	if e.cache != nil {
		if err := e.cache.SetQueryResult(ctx, capped, result, e.cacheTTL); err != nil {
			logger.Warn("Result cache write failed", zap.Error(err))
		}
	}

	return result
}
