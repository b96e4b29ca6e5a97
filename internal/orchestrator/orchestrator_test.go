package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txspend/backend/internal/charts"
	"github.com/txspend/backend/internal/entities"
	"github.com/txspend/backend/internal/export"
	"github.com/txspend/backend/internal/llm"
	"github.com/txspend/backend/internal/query"
	"github.com/txspend/backend/internal/sqlgen"
	"github.com/txspend/backend/pkg/logger"
)

func init() {
	logger.InitNop()
}

// scriptedLLM replays a fixed sequence of assistant messages.
type scriptedLLM struct {
	script []openai.ChatCompletionMessage
	calls  int
	seen   [][]openai.ChatCompletionMessage
}

func (s *scriptedLLM) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not used")
}

func (s *scriptedLLM) CompleteStructured(_ context.Context, _ llm.CompletionRequest, _ string, _ *jsonschema.Definition, _ interface{}) error {
	return errors.New("not used")
}

func (s *scriptedLLM) ChatWithTools(_ context.Context, messages []openai.ChatCompletionMessage, _ []openai.Tool) (*openai.ChatCompletionMessage, error) {
	s.seen = append(s.seen, append([]openai.ChatCompletionMessage(nil), messages...))
	if s.calls >= len(s.script) {
		return nil, errors.New("script exhausted")
	}
	msg := s.script[s.calls]
	s.calls++
	return &msg, nil
}

func toolCallMsg(calls ...openai.ToolCall) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, ToolCalls: calls}
}

func finalMsg(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}
}

func call(id, name, args string) openai.ToolCall {
	return openai.ToolCall{
		ID:       id,
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: name, Arguments: args},
	}
}

type fakeResolver struct {
	results map[entities.EntityType]entities.LookupResult
	calls   int
}

func (f *fakeResolver) Lookup(_ context.Context, et entities.EntityType, _ string) entities.LookupResult {
	f.calls++
	if r, ok := f.results[et]; ok {
		return r
	}
	return entities.LookupResult{Status: entities.StatusNotFound, EntityType: et, Message: "none"}
}

type fakeGenerator struct {
	query       sqlgen.GeneratedQuery
	explanation string
}

func (f *fakeGenerator) Generate(_ context.Context, _ string, _ *sqlgen.EntitySet) sqlgen.GeneratedQuery {
	return f.query
}

func (f *fakeGenerator) Explain(_ context.Context, _ string) (string, error) {
	return f.explanation, nil
}

type fakeExecutor struct {
	result  query.ResultSet
	calls   int
	lastSQL string
}

func (f *fakeExecutor) Run(_ context.Context, sql string) query.ResultSet {
	f.calls++
	f.lastSQL = sql
	return f.result
}

type fakeCharts struct {
	config   charts.ChartConfig
	calls    int
	lastRows []map[string]interface{}
}

func (f *fakeCharts) Generate(_ context.Context, rows []map[string]interface{}, _, _ string) charts.ChartConfig {
	f.calls++
	f.lastRows = rows
	return f.config
}

type fakeExporter struct {
	result export.PrepareResult
	calls  int
}

func (f *fakeExporter) Prepare(_ context.Context, _ string, _ *sqlgen.EntitySet) export.PrepareResult {
	f.calls++
	return f.result
}

type fixture struct {
	llm      *scriptedLLM
	resolver *fakeResolver
	gen      *fakeGenerator
	exec     *fakeExecutor
	charts   *fakeCharts
	exporter *fakeExporter
}

func newFixture(script ...openai.ChatCompletionMessage) (*Orchestrator, *fixture) {
	f := &fixture{
		llm:      &scriptedLLM{script: script},
		resolver: &fakeResolver{results: map[entities.EntityType]entities.LookupResult{}},
		gen:      &fakeGenerator{},
		exec:     &fakeExecutor{},
		charts:   &fakeCharts{},
		exporter: &fakeExporter{},
	}
	o := New(f.llm, f.resolver, f.gen, f.exec, f.charts, f.exporter, 8)
	return o, f
}

func TestRunTurnFullChain(t *testing.T) {
	o, f := newFixture(
		toolCallMsg(call("c1", ToolLookupAgency, `{"searchTerm":"education"}`)),
		toolCallMsg(call("c2", ToolGenerateSQL, `{"request":"top 5 agencies","entities":{"agencyIds":["701"]}}`)),
		toolCallMsg(call("c3", ToolExecuteSQL, `{"sqlQuery":"SELECT 1"}`)),
		finalMsg("Here are the results."),
	)
	f.resolver.results[entities.TypeAgency] = entities.LookupResult{
		Status:     entities.StatusFound,
		Candidates: []entities.Candidate{{Name: "Texas Education Agency", Code: "701"}},
	}
	f.gen.query = sqlgen.GeneratedQuery{SQLQuery: "SELECT 1", IsValid: true}
	f.exec.result = query.ResultSet{Rows: []map[string]interface{}{{"n": 1.0}}, RowCount: 1}

	resp, err := o.RunTurn(context.Background(), nil, "top 5 agencies by spending", nil)
	require.NoError(t, err)

	assert.Equal(t, "Here are the results.", resp.Reply)
	require.Len(t, resp.Invocations, 3)
	assert.Equal(t, ToolLookupAgency, resp.Invocations[0].Tool)
	assert.Equal(t, ToolGenerateSQL, resp.Invocations[1].Tool)
	assert.Equal(t, ToolExecuteSQL, resp.Invocations[2].Tool)
	assert.Equal(t, 1, f.exec.calls)
}

func TestRunTurnToolErrorIsDataNotFailure(t *testing.T) {
	o, f := newFixture(
		toolCallMsg(call("c1", ToolLookupPayee, `{"searchTerm":"acme"}`)),
		finalMsg("I could not find that payee."),
	)
	f.resolver.results[entities.TypePayee] = entities.LookupResult{
		Status:  entities.StatusError,
		Message: "Error: payee lookup for \"acme\" failed",
	}

	resp, err := o.RunTurn(context.Background(), nil, "payments to acme", nil)
	require.NoError(t, err, "a failed tool must not fail the turn")

	require.Len(t, resp.Invocations, 1)
	var result entities.LookupResult
	require.NoError(t, json.Unmarshal(resp.Invocations[0].Result, &result))
	assert.Equal(t, entities.StatusError, result.Status)
}

func TestRunTurnChartBeforeExecuteRejected(t *testing.T) {
	o, f := newFixture(
		toolCallMsg(call("c1", ToolGenerateChartConfig, `{"question":"q"}`)),
		finalMsg("done"),
	)

	resp, err := o.RunTurn(context.Background(), nil, "chart it", nil)
	require.NoError(t, err)

	assert.Contains(t, string(resp.Invocations[0].Result), "Error:")
	assert.Zero(t, f.charts.calls)
}

func TestRunTurnChartUsesLastExecutedRows(t *testing.T) {
	o, f := newFixture(
		toolCallMsg(call("c1", ToolExecuteSQL, `{"sqlQuery":"SELECT 1"}`)),
		toolCallMsg(call("c2", ToolGenerateChartConfig, `{"question":"q"}`)),
		finalMsg("done"),
	)
	rows := []map[string]interface{}{{"Agency_Name": "TEA", "total_amount": 5.0}}
	f.exec.result = query.ResultSet{Rows: rows, RowCount: 1}
	f.charts.config = charts.ChartConfig{Type: "bar"}

	_, err := o.RunTurn(context.Background(), nil, "chart it", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.charts.calls)
	assert.Equal(t, rows, f.charts.lastRows)
}

func TestRunTurnBulkPrepareNeverExecutes(t *testing.T) {
	o, f := newFixture(
		toolCallMsg(call("c1", ToolPrepareBulkDownload, `{"request":"export everything"}`)),
		finalMsg("A download button will appear."),
	)
	f.exporter.result = export.PrepareResult{
		Ready:  true,
		Ticket: &export.Ticket{ID: "t1", SQLQuery: "SELECT 1", Filename: "export"},
	}

	resp, err := o.RunTurn(context.Background(), nil, "download all payments", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.exporter.calls)
	assert.Zero(t, f.exec.calls, "phase 1 must not execute any query")
	assert.Contains(t, string(resp.Invocations[0].Result), `"t1"`)
}

func TestRunTurnDistinctLookupsRunAndKeepOrder(t *testing.T) {
	o, f := newFixture(
		toolCallMsg(
			call("c1", ToolLookupAgency, `{"searchTerm":"education"}`),
			call("c2", ToolLookupFund, `{"searchTerm":"general revenue"}`),
		),
		finalMsg("done"),
	)
	f.resolver.results[entities.TypeAgency] = entities.LookupResult{Status: entities.StatusFound, EntityType: entities.TypeAgency}
	f.resolver.results[entities.TypeFund] = entities.LookupResult{Status: entities.StatusFound, EntityType: entities.TypeFund}

	resp, err := o.RunTurn(context.Background(), nil, "education spending from general revenue", nil)
	require.NoError(t, err)

	require.Len(t, resp.Invocations, 2)
	assert.Equal(t, ToolLookupAgency, resp.Invocations[0].Tool)
	assert.Equal(t, ToolLookupFund, resp.Invocations[1].Tool)
	assert.Equal(t, 2, f.resolver.calls)
}

func TestRunTurnStepBudget(t *testing.T) {
	// every step asks for another lookup and never concludes
	looping := toolCallMsg(call("c", ToolLookupAgency, `{"searchTerm":"x"}`))
	o, _ := newFixture(looping, looping, looping)
	o.maxSteps = 3

	resp, err := o.RunTurn(context.Background(), nil, "loop forever", nil)
	require.NoError(t, err)

	assert.Contains(t, resp.Reply, "could not finish")
	assert.Len(t, resp.Invocations, 3)
}

func TestRunTurnEmitsEventsInOrder(t *testing.T) {
	o, f := newFixture(
		toolCallMsg(call("c1", ToolExecuteSQL, `{"sqlQuery":"SELECT 1"}`)),
		finalMsg("done"),
	)
	f.exec.result = query.ResultSet{Rows: []map[string]interface{}{}, RowCount: 0}

	var types []string
	sink := func(e Event) { types = append(types, e.Type) }

	_, err := o.RunTurn(context.Background(), nil, "q", sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"tool_started", "tool_result", "final"}, types)
}

func TestRunTurnHistoryIsForwarded(t *testing.T) {
	o, f := newFixture(finalMsg("hello again"))

	history := []HistoryMessage{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	_, err := o.RunTurn(context.Background(), history, "follow-up", nil)
	require.NoError(t, err)

	require.Len(t, f.llm.seen, 1)
	sent := f.llm.seen[0]
	require.Len(t, sent, 4) // system + 2 history + user
	assert.Equal(t, openai.ChatMessageRoleAssistant, sent[2].Role)
	assert.Equal(t, "follow-up", sent[3].Content)
}

func TestCatalogueShape(t *testing.T) {
	tools := Catalogue()

	assert.Len(t, tools, 12)
	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Function.Name] = true
	}
	for name := range lookupTools {
		assert.True(t, names[name], "missing lookup tool %s", name)
	}
	for _, name := range []string{ToolGenerateSQL, ToolExecuteSQL, ToolExplainQuery, ToolGenerateChartConfig, ToolPrepareBulkDownload} {
		assert.True(t, names[name], "missing tool %s", name)
	}
}
