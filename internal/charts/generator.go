package charts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/txspend/backend/internal/llm"
	"github.com/txspend/backend/pkg/logger"
)

// ChartConfig is a declarative chart spec consumed by the rendering layer.
// It is never mutated after creation; UI chart-type switching derives a
// view instead of editing the original.
type ChartConfig struct {
	Type              string            `json:"type"`
	XKey              string            `json:"xKey"`
	YKeys             []string          `json:"yKeys"`
	Colors            map[string]string `json:"colors"`
	Legend            bool              `json:"legend"`
	BusinessInsights  string            `json:"businessInsights"`
	Takeaway          string            `json:"takeaway"`
	IsTimeSeries      bool              `json:"isTimeSeries"`
	DataQuality       string            `json:"dataQuality"`
	AlternativeCharts []string          `json:"alternativeCharts,omitempty"`
	NoData            bool              `json:"noData,omitempty"`
}

var chartTypes = []string{"bar", "line", "area", "pie"}

// palette is a fixed high-contrast rotation. Series keys get colors by
// index, so the same config renders identically every time.
var palette = []string{
	"#2563eb", "#dc2626", "#16a34a", "#d97706",
	"#9333ea", "#0891b2", "#db2777", "#65a30d",
}

var chartSchema = &jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"type":             {Type: jsonschema.String, Enum: chartTypes},
		"xKey":             {Type: jsonschema.String, Description: "Column to plot on the x axis"},
		"yKeys":            {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}, Description: "Numeric columns to plot"},
		"legend":           {Type: jsonschema.Boolean},
		"businessInsights": {Type: jsonschema.String, Description: "Two or three sentences on what the data shows"},
		"takeaway":         {Type: jsonschema.String, Description: "One-sentence headline"},
		"isTimeSeries":     {Type: jsonschema.Boolean},
		"dataQuality":      {Type: jsonschema.String, Description: "Caveats about completeness or skew, or 'good'"},
		"alternativeCharts": {
			Type:  jsonschema.Array,
			Items: &jsonschema.Definition{Type: jsonschema.String, Enum: chartTypes},
		},
	},
	Required: []string{
		"type", "xKey", "yKeys", "legend", "businessInsights",
		"takeaway", "isTimeSeries", "dataQuality", "alternativeCharts",
	},
	AdditionalProperties: false,
}

type Generator struct {
	llm    llm.ChatCompleter
	rowCap int
}

func NewGenerator(client llm.ChatCompleter, rowCap int) *Generator {
	return &Generator{llm: client, rowCap: rowCap}
}

// Generate derives a chart spec for a result set. The rows are re-capped
// before being serialized into the prompt: this bounds token cost and
// independently guarantees the chart can never show more points than the
// display path was allowed to return. Empty input short-circuits without a
// generation call.
func (g *Generator) Generate(ctx context.Context, rows []map[string]interface{}, question, sql string) ChartConfig {
	if len(rows) == 0 {
		return ChartConfig{
			NoData:      true,
			Takeaway:    "No data matched the query.",
			DataQuality: "empty result set",
		}
	}

	if len(rows) > g.rowCap {
		rows = rows[:g.rowCap]
	}

	data, err := json.Marshal(rows)
	if err != nil {
		logger.Error("Failed to serialize rows for chart generation", zap.Error(err))
		return ChartConfig{NoData: true, Takeaway: "Chart generation failed.", DataQuality: "unserializable rows"}
	}

	var result ChartConfig
	err = g.llm.CompleteStructured(ctx, llm.CompletionRequest{
		SystemPrompt: `You design charts for Texas government-spending query results.
Pick the chart type that best fits the data shape: bar for rankings and
comparisons, line or area for time series, pie only for small part-of-whole
breakdowns. Dollar values are already in dollars. Keep insights concrete
and quantitative.`,
		UserPrompt: fmt.Sprintf("Question: %s\n\nSQL used:\n%s\n\nResult rows (JSON):\n%s", question, sql, string(data)),
		Temperature: 0.2,
	}, "chart_config", chartSchema, &result)

	if err != nil {
		logger.Error("Chart config generation failed", zap.Error(err))
		return ChartConfig{NoData: true, Takeaway: "Chart generation failed.", DataQuality: "generation error"}
	}

	if !validChartType(result.Type) {
		result.Type = "bar"
	}
	result.Colors = assignColors(result.YKeys)

	return result
}

func validChartType(t string) bool {
	for _, ct := range chartTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// assignColors maps each series to a palette color by index. The schema
// deliberately declares no color field: arbitrary series keys cannot be
// expressed under the strict response format, so palette assignment here
// is the single authority and repeated renders of the same config always
// color the same.
func assignColors(yKeys []string) map[string]string {
	colors := make(map[string]string, len(yKeys))
	for i, key := range yKeys {
		colors[key] = palette[i%len(palette)]
	}
	return colors
}
