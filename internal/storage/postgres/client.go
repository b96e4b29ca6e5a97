package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/txspend/backend/pkg/config"
	"github.com/txspend/backend/pkg/logger"
)

// Client reaches the hosted dataset exclusively through stored functions.
// The connecting role has EXECUTE on those functions and nothing else, so
// this process never issues raw DDL/DML against the warehouse.
type Client struct {
	db *sql.DB
}

// Stored fuzzy-search functions, one per entity type. Each takes a search
// term and returns (name, code, similarity) rows ordered by similarity.
const (
	FnSearchAgencies           = "search_agencies"
	FnSearchCategories         = "search_categories"
	FnSearchFunds              = "search_funds"
	FnSearchApplicationFunds   = "search_application_funds"
	FnSearchAppropriations     = "search_appropriations"
	FnSearchPayees             = "search_payees"
	FnSearchComptrollerObjects = "search_comptroller_objects"
)

// Candidate is one fuzzy-match row from a search_* function.
type Candidate struct {
	Name       string  `json:"name"`
	Code       string  `json:"code"`
	Similarity float64 `json:"similarity"`
}

func NewClient(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	logger.Info("Postgres client initialized",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &Client{db: db}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// RunSelect executes a display-path query through run_select_query, which
// enforces its own SELECT-only check, forbidden-keyword rejection and row
// clamp server-side, independent of anything this process did to the query.
// The function returns json_agg(row_to_json(...)), NULL when no rows match.
func (c *Client) RunSelect(ctx context.Context, query string) ([]map[string]interface{}, error) {
	return c.runJSON(ctx, "SELECT run_select_query($1)", query)
}

// RunBulk executes through run_bulk_query, the long-timeout function used
// only by the bulk-download path. maxRows nil means unlimited. This must
// never be called for the display path: it has no row clamp.
func (c *Client) RunBulk(ctx context.Context, query string, maxRows *int) ([]map[string]interface{}, error) {
	var limit sql.NullInt64
	if maxRows != nil {
		limit = sql.NullInt64{Int64: int64(*maxRows), Valid: true}
	}
	return c.runJSON(ctx, "SELECT run_bulk_query($1, $2)", query, limit)
}

func (c *Client) runJSON(ctx context.Context, call string, args ...interface{}) ([]map[string]interface{}, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx, call, args...).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("stored function call failed: %w", err)
	}

	// NULL json_agg means an empty result set, not a failure.
	if len(raw) == 0 {
		return []map[string]interface{}{}, nil
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode result rows: %w", err)
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}

	return rows, nil
}

// FuzzySearch invokes one of the search_* trigram functions. fn must be one
// of the Fn* constants; it is interpolated as an identifier, never as data.
func (c *Client) FuzzySearch(ctx context.Context, fn, term string) ([]Candidate, error) {
	if !validSearchFn(fn) {
		return nil, fmt.Errorf("unknown search function: %s", fn)
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT name, code, similarity FROM %s($1)", fn), term)
	if err != nil {
		return nil, fmt.Errorf("fuzzy search failed: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var cand Candidate
		if err := rows.Scan(&cand.Name, &cand.Code, &cand.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fuzzy search iteration failed: %w", err)
	}

	return candidates, nil
}

func validSearchFn(fn string) bool {
	switch fn {
	case FnSearchAgencies, FnSearchCategories, FnSearchFunds,
		FnSearchApplicationFunds, FnSearchAppropriations,
		FnSearchPayees, FnSearchComptrollerObjects:
		return true
	}
	return false
}

// NewClientFromDB wraps an existing connection. Tests use this with sqlmock.
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}
