package sqlgen

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/txspend/backend/internal/llm"
	"github.com/txspend/backend/internal/safety"
	"github.com/txspend/backend/pkg/logger"
)

// EntitySet carries the codes resolved before generation. Pre-resolving
// means the model only has to build exact-match IN predicates, which it
// does reliably, instead of guessing at fuzzy name matching, which it
// does not. Lifetime is one tool-call chain; nothing here is persisted.
type EntitySet struct {
	AgencyIDs          []string   `json:"agencyIds,omitempty"`
	CategoryIDs        []string   `json:"categoryIds,omitempty"`
	FundIDs            []string   `json:"fundIds,omitempty"`
	ApplicationFundIDs []string   `json:"applicationFundIds,omitempty"`
	AppropriationIDs   []string   `json:"appropriationIds,omitempty"`
	PayeeIDs           []string   `json:"payeeIds,omitempty"`
	ComptrollerIDs     []string   `json:"comptrollerIds,omitempty"`
	DateRange          *DateRange `json:"dateRange,omitempty"`
}

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// GeneratedQuery is the structured output of a display-path generation.
type GeneratedQuery struct {
	SQLQuery      string `json:"sqlQuery"`
	Explanation   string `json:"explanation"`
	IsValid       bool   `json:"isValid"`
	EstimatedRows int    `json:"estimatedRows"`
	EntityContext string `json:"entityContext"`
}

// BulkQuery is the structured output of a bulk-path generation: an
// unrestricted query plus CSV presentation hints. It is never executed by
// the generator.
type BulkQuery struct {
	SQLQuery      string   `json:"sqlQuery"`
	Filename      string   `json:"filename"`
	EstimatedRows int      `json:"estimatedRows"`
	CSVColumns    []string `json:"csvColumns"`
	IsValid       bool     `json:"isValid"`
	Error         string   `json:"error,omitempty"`
}

// schemaContext is the fixed document every generation call is bound to.
// The dataset is the calendar-2022 Texas state payment ledger; amounts are
// stored in cents and identifiers are mixed-case, so quoting and the /100
// convention are spelled out rather than left for the model to infer.
const schemaContext = `You write PostgreSQL for the Texas state spending dataset.

Single table: payments
Columns (always double-quote identifiers):
  "Agency_Name" text        - spending agency name
  "Agency_CD" text          - agency code (join key for agency filters)
  "Payee_Name" text         - payee name
  "Payee_ID" text           - payee code
  "Category" text           - spending category name
  "Category_CD" text        - category code
  "Fund_Num" text           - fund code
  "Fund_Description" text   - fund name
  "Appd_Fund_Num" text      - application fund code
  "Appropriation_Number" text - appropriation code
  "Comptroller_Object_Num" text - comptroller object code
  "Comptroller_Object_Name" text - comptroller object name
  "Amount" bigint           - payment amount in CENTS (divide by 100 for dollars only in explanations, never in SQL)
  "Payment_Date" date       - payment date, bounded to 2022-01-01 .. 2022-12-31
  "Month" date              - first day of the payment month

Rules:
- Data covers calendar year 2022 only; never generate dates outside it.
- Filter entities by code columns using IN (...) with the codes provided.
- Keep "Amount" in cents in SQL; the application converts to dollars.
- Name aggregate columns with an _amount suffix (e.g. total_amount) so the
  application recognizes them as currency.`

const displayGuidance = `
- This query feeds an on-screen table capped at %d rows.
- For ranking questions prefer: ORDER BY <primary_metric> DESC NULLS LAST LIMIT %d.
- Never exceed LIMIT %d.`

const bulkGuidance = `
- This query feeds a CSV export of the COMPLETE result set.
- Do NOT add a LIMIT clause; the export must include every matching row.
- Alias columns with human-readable CSV header names (e.g. "Agency Name").
- Suggest a short snake_case filename (no extension) describing the data.`

type Generator struct {
	llm    llm.ChatCompleter
	rowCap int
}

func NewGenerator(client llm.ChatCompleter, rowCap int) *Generator {
	return &Generator{llm: client, rowCap: rowCap}
}

var displaySchema = &jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"sqlQuery":      {Type: jsonschema.String, Description: "A single PostgreSQL SELECT statement"},
		"explanation":   {Type: jsonschema.String, Description: "Plain-language description of what the query returns"},
		"isValid":       {Type: jsonschema.Boolean, Description: "False if the request cannot be answered from the schema"},
		"estimatedRows": {Type: jsonschema.Integer, Description: "Rough estimate of rows the query returns"},
		"entityContext": {Type: jsonschema.String, Description: "Which resolved entities the query filters on"},
	},
	Required:             []string{"sqlQuery", "explanation", "isValid", "estimatedRows", "entityContext"},
	AdditionalProperties: false,
}

var bulkSchema = &jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"sqlQuery":      {Type: jsonschema.String, Description: "A single PostgreSQL SELECT statement with no LIMIT clause"},
		"filename":      {Type: jsonschema.String, Description: "Suggested snake_case filename without extension"},
		"estimatedRows": {Type: jsonschema.Integer, Description: "Rough estimate of rows the query returns"},
		"csvColumns": {
			Type:        jsonschema.Array,
			Description: "CSV header names in output order",
			Items:       &jsonschema.Definition{Type: jsonschema.String},
		},
		"isValid": {Type: jsonschema.Boolean, Description: "False if the request cannot be answered from the schema"},
	},
	Required:             []string{"sqlQuery", "filename", "estimatedRows", "csvColumns", "isValid"},
	AdditionalProperties: false,
}

var explainSchema = &jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"explanation": {Type: jsonschema.String, Description: "Plain-language explanation for a non-technical reader"},
	},
	Required:             []string{"explanation"},
	AdditionalProperties: false,
}

// Generate produces a display-path query. Failures never surface as errors:
// the result carries isValid=false and the caller must not execute it.
func (g *Generator) Generate(ctx context.Context, request string, entities *EntitySet) GeneratedQuery {
	system := schemaContext + fmt.Sprintf(displayGuidance, g.rowCap, g.rowCap, g.rowCap)

	var result GeneratedQuery
	err := g.llm.CompleteStructured(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		UserPrompt:   buildUserPrompt(request, entities),
		Temperature:  0.1,
	}, "generated_query", displaySchema, &result)

	if err != nil {
		logger.Error("SQL generation failed", zap.Error(err))
		return GeneratedQuery{IsValid: false, Explanation: "Query generation failed. Try rephrasing the question."}
	}

	// The model's own isValid is advisory; the gate's verdict is not.
	if result.IsValid {
		if err := safety.Validate(result.SQLQuery); err != nil {
			logger.Warn("Generated SQL rejected by safety gate",
				zap.String("sql", result.SQLQuery),
				zap.Error(err),
			)
			result.IsValid = false
			result.SQLQuery = ""
			result.Explanation = "The generated query was rejected by the safety check. Try rephrasing the question."
		}
	}

	return result
}

// GenerateBulk produces an unrestricted export query. The opposite LIMIT
// guidance from the display path is deliberate; the two prompts must not
// be merged.
func (g *Generator) GenerateBulk(ctx context.Context, request string, entities *EntitySet) BulkQuery {
	system := schemaContext + bulkGuidance

	var result BulkQuery
	err := g.llm.CompleteStructured(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		UserPrompt:   buildUserPrompt(request, entities),
		Temperature:  0.1,
	}, "bulk_query", bulkSchema, &result)

	if err != nil {
		logger.Error("Bulk SQL generation failed", zap.Error(err))
		return BulkQuery{IsValid: false, Error: "Export query generation failed. Try describing the data you want differently."}
	}

	if result.IsValid {
		if err := safety.Validate(result.SQLQuery); err != nil {
			result.IsValid = false
			result.SQLQuery = ""
			result.Error = "The generated export query was rejected by the safety check."
		}
	}

	if result.Filename == "" {
		result.Filename = "txspend_export"
	}

	return result
}

// Explain produces a plain-language explanation of an existing query.
func (g *Generator) Explain(ctx context.Context, sql string) (string, error) {
	var result struct {
		Explanation string `json:"explanation"`
	}

	err := g.llm.CompleteStructured(ctx, llm.CompletionRequest{
		SystemPrompt: schemaContext + "\nExplain the user's SQL query in plain language: what it returns, how it filters, and how it aggregates. Do not restate the SQL.",
		UserPrompt:   sql,
		Temperature:  0.2,
	}, "query_explanation", explainSchema, &result)
	if err != nil {
		return "", fmt.Errorf("failed to explain query: %w", err)
	}

	return result.Explanation, nil
}

func buildUserPrompt(request string, entities *EntitySet) string {
	var b strings.Builder
	b.WriteString("Request: ")
	b.WriteString(request)

	if entities != nil {
		if ctx := formatEntitySet(entities); ctx != "" {
			b.WriteString("\n\nResolved entity codes (filter with IN predicates on the matching code column):\n")
			b.WriteString(ctx)
		}
	}

	return b.String()
}

func formatEntitySet(e *EntitySet) string {
	var lines []string
	add := func(label, column string, ids []string) {
		if len(ids) > 0 {
			lines = append(lines, fmt.Sprintf("- %s: %s IN (%s)", label, column, quoteList(ids)))
		}
	}

	add("agencies", `"Agency_CD"`, e.AgencyIDs)
	add("categories", `"Category_CD"`, e.CategoryIDs)
	add("funds", `"Fund_Num"`, e.FundIDs)
	add("application funds", `"Appd_Fund_Num"`, e.ApplicationFundIDs)
	add("appropriations", `"Appropriation_Number"`, e.AppropriationIDs)
	add("payees", `"Payee_ID"`, e.PayeeIDs)
	add("comptroller objects", `"Comptroller_Object_Num"`, e.ComptrollerIDs)

	if e.DateRange != nil {
		lines = append(lines, fmt.Sprintf("- date range: \"Payment_Date\" BETWEEN '%s' AND '%s'", e.DateRange.Start, e.DateRange.End))
	}

	return strings.Join(lines, "\n")
}

func quoteList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "'" + strings.ReplaceAll(id, "'", "''") + "'"
	}
	return strings.Join(quoted, ", ")
}
