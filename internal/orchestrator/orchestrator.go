package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/txspend/backend/internal/charts"
	"github.com/txspend/backend/internal/entities"
	"github.com/txspend/backend/internal/export"
	"github.com/txspend/backend/internal/llm"
	"github.com/txspend/backend/internal/metrics"
	"github.com/txspend/backend/internal/query"
	"github.com/txspend/backend/internal/sqlgen"
	"github.com/txspend/backend/pkg/logger"
)

const systemPrompt = `You are a data analyst for Texas state government spending in 2022.
Answer questions by calling the provided tools.

Workflow:
1. When the user names an agency, payee, fund, category, appropriation or
   comptroller object, resolve it to a code with the matching lookup tool
   before generating SQL. If a lookup is ambiguous, ask the user to choose;
   if it resolves to exactly one code, proceed without asking.
2. Call generate_sql with the request and all resolved codes, then
   execute_sql with the generated query.
3. After showing tabular results, call generate_chart_config when a chart
   would help.
4. When the user asks to download or export data, call
   prepare_bulk_download instead of execute_sql and tell the user a
   download button will appear. Never promise the file contents.

All dollar figures in results are already in dollars. Be concise and
quantitative.`

// Dependencies are narrow interfaces so tests can drive the loop with
// fakes. The concrete wiring lives in cmd/api.
type entityResolver interface {
	Lookup(ctx context.Context, entityType entities.EntityType, term string) entities.LookupResult
}

type sqlGenerator interface {
	Generate(ctx context.Context, request string, entitySet *sqlgen.EntitySet) sqlgen.GeneratedQuery
	Explain(ctx context.Context, sql string) (string, error)
}

type queryExecutor interface {
	Run(ctx context.Context, sql string) query.ResultSet
}

type chartGenerator interface {
	Generate(ctx context.Context, rows []map[string]interface{}, question, sql string) charts.ChartConfig
}

type downloadPreparer interface {
	Prepare(ctx context.Context, request string, entitySet *sqlgen.EntitySet) export.PrepareResult
}

type Orchestrator struct {
	llm       llm.ChatCompleter
	resolver  entityResolver
	generator sqlGenerator
	executor  queryExecutor
	charts    chartGenerator
	exporter  downloadPreparer
	maxSteps  int
}

func New(client llm.ChatCompleter, resolver entityResolver, generator sqlGenerator, executor queryExecutor, chartGen chartGenerator, exporter downloadPreparer, maxSteps int) *Orchestrator {
	if maxSteps <= 0 {
		maxSteps = 8
	}
	return &Orchestrator{
		llm:       client,
		resolver:  resolver,
		generator: generator,
		executor:  executor,
		charts:    chartGen,
		exporter:  exporter,
		maxSteps:  maxSteps,
	}
}

// HistoryMessage is one prior turn supplied by the client. The server
// keeps no conversation state between requests.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Invocation records one tool call and its result, in execution order, for
// the transcript.
type Invocation struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result"`
}

type TurnResponse struct {
	ID          string       `json:"id"`
	Reply       string       `json:"reply"`
	Invocations []Invocation `json:"invocations"`
}

// Event is emitted to an optional sink as the turn progresses, for
// streaming transports.
type Event struct {
	Type         string          `json:"type"` // tool_started | tool_result | final
	Tool         string          `json:"tool,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type EventSink func(Event)

// turnState carries the data hand-off between tools within one turn. The
// chart tool reads the last executed result instead of round-tripping rows
// through the model.
type turnState struct {
	lastSQL    string
	lastResult *query.ResultSet
}

// RunTurn drives one conversational turn: model call, tool dispatch, model
// call again with the results, until a final message or the step budget.
// Tool invocations happen in the order the model emits them; only entity
// lookups for distinct types within one model message run concurrently,
// since they have no data dependency on each other.
func (o *Orchestrator) RunTurn(ctx context.Context, history []HistoryMessage, userMessage string, sink EventSink) (*TurnResponse, error) {
	start := time.Now()
	turnID := uuid.New().String()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, h := range history {
		role := openai.ChatMessageRoleUser
		if h.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: h.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMessage,
	})

	tools := Catalogue()
	state := &turnState{}
	var invocations []Invocation

	for step := 0; step < o.maxSteps; step++ {
		msg, err := o.llm.ChatWithTools(ctx, messages, tools)
		if err != nil {
			metrics.ChatTurns.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("chat completion failed: %w", err)
		}

		if len(msg.ToolCalls) == 0 {
			metrics.ChatTurns.WithLabelValues("ok").Inc()
			metrics.ChatTurnDuration.Observe(time.Since(start).Seconds())
			emit(sink, Event{Type: "final", Payload: mustJSON(msg.Content)})
			return &TurnResponse{ID: turnID, Reply: msg.Content, Invocations: invocations}, nil
		}

		messages = append(messages, *msg)

		results := o.dispatchAll(ctx, msg.ToolCalls, state, sink)
		for i, call := range msg.ToolCalls {
			invocations = append(invocations, Invocation{
				ID:        call.ID,
				Tool:      call.Function.Name,
				Arguments: json.RawMessage(call.Function.Arguments),
				Result:    results[i],
			})
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    string(results[i]),
				ToolCallID: call.ID,
			})
		}
	}

	metrics.ChatTurns.WithLabelValues("step_budget").Inc()
	logger.Warn("Chat turn hit step budget", zap.String("turn_id", turnID), zap.Int("max_steps", o.maxSteps))
	return &TurnResponse{
		ID:          turnID,
		Reply:       "I could not finish answering within the allowed number of steps. Try a more specific question.",
		Invocations: invocations,
	}, nil
}

// dispatchAll executes one model message's tool calls. Results come back
// indexed to match the calls so the transcript order is exactly the
// model's emission order even when lookups ran concurrently.
func (o *Orchestrator) dispatchAll(ctx context.Context, calls []openai.ToolCall, state *turnState, sink EventSink) []json.RawMessage {
	results := make([]json.RawMessage, len(calls))

	if len(calls) > 1 && allDistinctLookups(calls) {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call openai.ToolCall) {
				defer wg.Done()
				results[i] = o.dispatch(ctx, call, state, sink)
			}(i, call)
		}
		wg.Wait()
		return results
	}

	for i, call := range calls {
		results[i] = o.dispatch(ctx, call, state, sink)
	}
	return results
}

func allDistinctLookups(calls []openai.ToolCall) bool {
	seen := make(map[string]bool, len(calls))
	for _, call := range calls {
		name := call.Function.Name
		if _, ok := lookupTools[name]; !ok {
			return false
		}
		if seen[name] {
			return false
		}
		seen[name] = true
	}
	return true
}

func (o *Orchestrator) dispatch(ctx context.Context, call openai.ToolCall, state *turnState, sink EventSink) json.RawMessage {
	name := call.Function.Name
	emit(sink, Event{Type: "tool_started", Tool: name, InvocationID: call.ID})

	result := o.invoke(ctx, name, call.Function.Arguments, state)

	status := "ok"
	if isErrorPayload(result) {
		status = "error"
	}
	metrics.ToolInvocations.WithLabelValues(name, status).Inc()

	emit(sink, Event{Type: "tool_result", Tool: name, InvocationID: call.ID, Payload: result})
	return result
}

// invoke runs one tool. Every branch returns a JSON payload; failures are
// encoded as {"result": "Error: ..."} so the model can explain them instead
// of the turn dying.
func (o *Orchestrator) invoke(ctx context.Context, name, rawArgs string, state *turnState) json.RawMessage {
	if entityType, ok := lookupTools[name]; ok {
		var args struct {
			SearchTerm string `json:"searchTerm"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return errorPayload("invalid arguments for " + name)
		}
		return mustJSON(o.resolver.Lookup(ctx, entityType, args.SearchTerm))
	}

	switch name {
	case ToolGenerateSQL:
		var args struct {
			Request  string            `json:"request"`
			Entities *sqlgen.EntitySet `json:"entities"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return errorPayload("invalid arguments for generate_sql")
		}
		generated := o.generator.Generate(ctx, args.Request, args.Entities)
		if generated.IsValid {
			state.lastSQL = generated.SQLQuery
		}
		return mustJSON(generated)

	case ToolExecuteSQL:
		var args struct {
			SQLQuery string `json:"sqlQuery"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return errorPayload("invalid arguments for execute_sql")
		}
		result := o.executor.Run(ctx, args.SQLQuery)
		state.lastSQL = args.SQLQuery
		state.lastResult = &result
		return mustJSON(result)

	case ToolExplainQuery:
		var args struct {
			SQLQuery string `json:"sqlQuery"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return errorPayload("invalid arguments for explain_query")
		}
		explanation, err := o.generator.Explain(ctx, args.SQLQuery)
		if err != nil {
			logger.Error("Query explanation failed", zap.Error(err))
			return errorPayload("could not explain the query")
		}
		return mustJSON(map[string]string{"explanation": explanation})

	case ToolGenerateChartConfig:
		var args struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return errorPayload("invalid arguments for generate_chart_config")
		}
		if state.lastResult == nil {
			return errorPayload("no query has been executed yet; run execute_sql first")
		}
		return mustJSON(o.charts.Generate(ctx, state.lastResult.Rows, args.Question, state.lastSQL))

	case ToolPrepareBulkDownload:
		var args struct {
			Request  string            `json:"request"`
			Entities *sqlgen.EntitySet `json:"entities"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return errorPayload("invalid arguments for prepare_bulk_download")
		}
		return mustJSON(o.exporter.Prepare(ctx, args.Request, args.Entities))
	}

	return errorPayload("unknown tool: " + name)
}

func errorPayload(msg string) json.RawMessage {
	return mustJSON(map[string]string{"result": "Error: " + msg})
}

func isErrorPayload(raw json.RawMessage) bool {
	var probe struct {
		Result string `json:"result"`
		Error  string `json:"error"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Result) >= 6 && probe.Result[:6] == "Error:" ||
		probe.Error != "" || probe.Status == "error"
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// tool payloads are built from plain structs; marshaling them
		// cannot fail outside of programmer error
		return json.RawMessage(`{"result":"Error: internal serialization failure"}`)
	}
	return data
}

func emit(sink EventSink, event Event) {
	if sink != nil {
		sink(event)
	}
}
