package sqlgen

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txspend/backend/internal/llm"
	"github.com/txspend/backend/pkg/logger"
)

func init() {
	logger.InitNop()
}

// fakeLLM replays a canned structured payload and records the prompts.
type fakeLLM struct {
	payload      string
	err          error
	lastSystem   string
	lastUser     string
	lastSchema   string
	calls        int
}

func (f *fakeLLM) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	f.lastSystem = req.SystemPrompt
	f.lastUser = req.UserPrompt
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.payload}, nil
}

func (f *fakeLLM) CompleteStructured(_ context.Context, req llm.CompletionRequest, schemaName string, _ *jsonschema.Definition, out interface{}) error {
	f.calls++
	f.lastSystem = req.SystemPrompt
	f.lastUser = req.UserPrompt
	f.lastSchema = schemaName
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.payload), out)
}

func (f *fakeLLM) ChatWithTools(_ context.Context, _ []openai.ChatCompletionMessage, _ []openai.Tool) (*openai.ChatCompletionMessage, error) {
	return nil, errors.New("not used")
}

func TestGenerateReturnsTypedQuery(t *testing.T) {
	fake := &fakeLLM{payload: `{
		"sqlQuery": "SELECT \"Agency_Name\", SUM(\"Amount\") AS total_amount FROM payments GROUP BY 1 ORDER BY total_amount DESC NULLS LAST LIMIT 5",
		"explanation": "Top five agencies by total spending.",
		"isValid": true,
		"estimatedRows": 5,
		"entityContext": "all agencies"
	}`}

	g := NewGenerator(fake, 25)
	result := g.Generate(context.Background(), "top 5 agencies by total spending", nil)

	assert.True(t, result.IsValid)
	assert.Contains(t, result.SQLQuery, "ORDER BY total_amount DESC NULLS LAST LIMIT 5")
	assert.Equal(t, 5, result.EstimatedRows)
	assert.Equal(t, "generated_query", fake.lastSchema)
	assert.Contains(t, fake.lastSystem, "LIMIT 25")
}

func TestGenerateFailureIsInvalidNotError(t *testing.T) {
	fake := &fakeLLM{err: errors.New("upstream unavailable")}

	result := NewGenerator(fake, 25).Generate(context.Background(), "anything", nil)

	assert.False(t, result.IsValid)
	assert.Empty(t, result.SQLQuery)
	assert.NotEmpty(t, result.Explanation)
}

func TestGenerateRejectsUnsafeModelOutput(t *testing.T) {
	fake := &fakeLLM{payload: `{
		"sqlQuery": "DELETE FROM payments",
		"explanation": "x",
		"isValid": true,
		"estimatedRows": 0,
		"entityContext": ""
	}`}

	result := NewGenerator(fake, 25).Generate(context.Background(), "delete everything", nil)

	assert.False(t, result.IsValid)
	assert.Empty(t, result.SQLQuery)
}

func TestGenerateIncludesResolvedEntityCodes(t *testing.T) {
	fake := &fakeLLM{payload: `{"sqlQuery":"SELECT 1","explanation":"","isValid":true,"estimatedRows":1,"entityContext":""}`}

	entities := &EntitySet{
		AgencyIDs: []string{"529", "537"},
		DateRange: &DateRange{Start: "2022-01-01", End: "2022-06-30"},
	}
	NewGenerator(fake, 25).Generate(context.Background(), "health spending", entities)

	assert.Contains(t, fake.lastUser, `"Agency_CD" IN ('529', '537')`)
	assert.Contains(t, fake.lastUser, "BETWEEN '2022-01-01' AND '2022-06-30'")
}

func TestGenerateBulkUsesOppositeLimitGuidance(t *testing.T) {
	fake := &fakeLLM{payload: `{
		"sqlQuery": "SELECT \"Agency_Name\" AS \"Agency Name\", \"Amount\" FROM payments",
		"filename": "agency_payments_2022",
		"estimatedRows": 150000,
		"csvColumns": ["Agency Name", "Amount"],
		"isValid": true
	}`}

	result := NewGenerator(fake, 25).GenerateBulk(context.Background(), "export all agency payments", nil)

	assert.True(t, result.IsValid)
	assert.Equal(t, "agency_payments_2022", result.Filename)
	assert.Equal(t, []string{"Agency Name", "Amount"}, result.CSVColumns)
	assert.Equal(t, "bulk_query", fake.lastSchema)
	assert.Contains(t, fake.lastSystem, "Do NOT add a LIMIT")
	assert.NotContains(t, fake.lastSystem, "ORDER BY <primary_metric>")
}

func TestGenerateBulkFailureCarriesSuggestion(t *testing.T) {
	fake := &fakeLLM{err: errors.New("boom")}

	result := NewGenerator(fake, 25).GenerateBulk(context.Background(), "export", nil)

	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.Error)
}

func TestGenerateBulkDefaultFilename(t *testing.T) {
	fake := &fakeLLM{payload: `{"sqlQuery":"SELECT 1","filename":"","estimatedRows":1,"csvColumns":["n"],"isValid":true}`}

	result := NewGenerator(fake, 25).GenerateBulk(context.Background(), "export", nil)

	assert.Equal(t, "txspend_export", result.Filename)
}

func TestExplain(t *testing.T) {
	fake := &fakeLLM{payload: `{"explanation":"Sums 2022 payments per agency."}`}

	got, err := NewGenerator(fake, 25).Explain(context.Background(), `SELECT "Agency_Name", SUM("Amount") FROM payments GROUP BY 1`)

	require.NoError(t, err)
	assert.Equal(t, "Sums 2022 payments per agency.", got)
	assert.Equal(t, "query_explanation", fake.lastSchema)
}

func TestQuoteListEscapesQuotes(t *testing.T) {
	assert.Equal(t, `'O''Brien'`, quoteList([]string{"O'Brien"}))
}
