package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txspend/backend/internal/safety"
	"github.com/txspend/backend/pkg/logger"
)

func init() {
	logger.InitNop()
}

type fakeRunner struct {
	rows    []map[string]interface{}
	err     error
	lastSQL string
	calls   int
}

func (f *fakeRunner) RunSelect(_ context.Context, query string) ([]map[string]interface{}, error) {
	f.calls++
	f.lastSQL = query
	return f.rows, f.err
}

func newExecutor(db *fakeRunner) *Executor {
	return NewExecutor(db, nil, 25, 90, 10)
}

func makeRows(n int) []map[string]interface{} {
	rows := make([]map[string]interface{}, n)
	for i := range rows {
		rows[i] = map[string]interface{}{"n": float64(i)}
	}
	return rows
}

func TestRunAppliesCapRewrite(t *testing.T) {
	db := &fakeRunner{rows: makeRows(3)}

	result := newExecutor(db).Run(context.Background(), `SELECT * FROM payments LIMIT 1000`)

	assert.Empty(t, result.Error)
	assert.Equal(t, `SELECT * FROM (SELECT * FROM payments LIMIT 1000) AS q LIMIT 25`, db.lastSQL)
	n, ok := safety.TrailingLimit(db.lastSQL)
	require.True(t, ok)
	assert.Equal(t, 25, n)
}

func TestRunRejectsNonSelectWithoutExecuting(t *testing.T) {
	db := &fakeRunner{}

	result := newExecutor(db).Run(context.Background(), `DROP TABLE payments`)

	assert.NotEmpty(t, result.Error)
	assert.NotNil(t, result.Rows)
	assert.Empty(t, result.Rows)
	assert.Zero(t, db.calls, "rejected SQL must never reach the database")
}

func TestRunRemoteErrorIsData(t *testing.T) {
	db := &fakeRunner{err: errors.New(`column "bogus" does not exist`)}

	result := newExecutor(db).Run(context.Background(), `SELECT bogus FROM payments`)

	assert.NotEmpty(t, result.Error)
	assert.Empty(t, result.Rows)
	assert.False(t, result.HasMoreResults)
}

func TestRunTimeoutGetsNarrowingMessage(t *testing.T) {
	db := &fakeRunner{err: context.DeadlineExceeded}

	result := newExecutor(db).Run(context.Background(), `SELECT * FROM payments`)

	assert.Contains(t, result.Error, "too long")
	assert.Contains(t, result.Error, "narrow")
}

func TestRunHasMoreResultsHeuristic(t *testing.T) {
	tests := []struct {
		name string
		rows int
		want bool
	}{
		{"below cap", 5, false},
		{"exactly at cap reads as possibly truncated", 25, true},
		{"empty", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeRunner{rows: makeRows(tt.rows)}
			result := newExecutor(db).Run(context.Background(), `SELECT * FROM payments`)
			assert.Equal(t, tt.want, result.HasMoreResults)
			assert.Equal(t, tt.rows, result.RowCount)
		})
	}
}

func TestRunNormalizesRows(t *testing.T) {
	db := &fakeRunner{rows: []map[string]interface{}{{
		"Agency_Name":  "Texas Education Agency",
		"total_amount": float64(210910),
		"Payment_Date": "2022-08-12T00:00:00.000Z",
	}}}

	result := newExecutor(db).Run(context.Background(), `SELECT * FROM payments`)

	require.Len(t, result.Rows, 1)
	assert.InDelta(t, 2109.10, result.Rows[0]["total_amount"], 0.001)
	assert.Equal(t, "2022-08-12", result.Rows[0]["Payment_Date"])
	assert.Equal(t, "Texas Education Agency", result.Rows[0]["Agency_Name"])
}

func TestRunRowCountNeverExceedsCap(t *testing.T) {
	// The fake ignores LIMIT, simulating a backend that somehow returned
	// more rows than requested; RowCount still reflects what came back,
	// but a real stored function honors the wrapped LIMIT. This asserts
	// the executor asks for no more than cap.
	db := &fakeRunner{rows: makeRows(2)}
	e := NewExecutor(db, nil, 25, 90, 10)

	e.Run(context.Background(), `SELECT * FROM payments LIMIT 40`)

	n, ok := safety.TrailingLimit(db.lastSQL)
	require.True(t, ok)
	assert.LessOrEqual(t, n, 25)
}
