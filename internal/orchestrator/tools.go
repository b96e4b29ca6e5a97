package orchestrator

import (
	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/txspend/backend/internal/entities"
)

// Tool names form a closed set. The model picks which one runs next; this
// package only dispatches.
const (
	ToolLookupAgency            = "lookup_agency"
	ToolLookupCategory          = "lookup_category"
	ToolLookupFund              = "lookup_fund"
	ToolLookupApplicationFund   = "lookup_application_fund"
	ToolLookupAppropriation     = "lookup_appropriation"
	ToolLookupPayee             = "lookup_payee"
	ToolLookupComptrollerObject = "lookup_comptroller_object"
	ToolGenerateSQL             = "generate_sql"
	ToolExecuteSQL              = "execute_sql"
	ToolExplainQuery            = "explain_query"
	ToolGenerateChartConfig     = "generate_chart_config"
	ToolPrepareBulkDownload     = "prepare_bulk_download"
)

// lookupTools maps each entity-lookup tool to the entity type it resolves.
var lookupTools = map[string]entities.EntityType{
	ToolLookupAgency:            entities.TypeAgency,
	ToolLookupCategory:          entities.TypeCategory,
	ToolLookupFund:              entities.TypeFund,
	ToolLookupApplicationFund:   entities.TypeApplicationFund,
	ToolLookupAppropriation:     entities.TypeAppropriation,
	ToolLookupPayee:             entities.TypePayee,
	ToolLookupComptrollerObject: entities.TypeComptrollerObject,
}

func searchTermParams() jsonschema.Definition {
	return jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"searchTerm": {Type: jsonschema.String, Description: "Free-text name to resolve to a code"},
		},
		Required: []string{"searchTerm"},
	}
}

var entitySetParam = jsonschema.Definition{
	Type:        jsonschema.Object,
	Description: "Entity codes already resolved via the lookup tools",
	Properties: map[string]jsonschema.Definition{
		"agencyIds":          {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}},
		"categoryIds":        {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}},
		"fundIds":            {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}},
		"applicationFundIds": {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}},
		"appropriationIds":   {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}},
		"payeeIds":           {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}},
		"comptrollerIds":     {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}},
		"dateRange": {
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"start": {Type: jsonschema.String, Description: "YYYY-MM-DD, within 2022"},
				"end":   {Type: jsonschema.String, Description: "YYYY-MM-DD, within 2022"},
			},
			Required: []string{"start", "end"},
		},
	},
}

// Catalogue returns the fixed tool set declared to the generation service.
func Catalogue() []openai.Tool {
	tools := make([]openai.Tool, 0, 12)

	lookupDescriptions := map[string]string{
		ToolLookupAgency:            "Resolve a state agency name to its agency code",
		ToolLookupCategory:          "Resolve a spending category name to its category code",
		ToolLookupFund:              "Resolve a fund name to its fund number",
		ToolLookupApplicationFund:   "Resolve an application fund name to its fund number",
		ToolLookupAppropriation:     "Resolve an appropriation name to its appropriation number",
		ToolLookupPayee:             "Resolve a payee name to its payee code",
		ToolLookupComptrollerObject: "Resolve a comptroller object name to its object number",
	}

	// catalogue order is fixed so transcripts stay comparable across runs
	for _, name := range []string{
		ToolLookupAgency, ToolLookupCategory, ToolLookupFund,
		ToolLookupApplicationFund, ToolLookupAppropriation,
		ToolLookupPayee, ToolLookupComptrollerObject,
	} {
		params := searchTermParams()
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: lookupDescriptions[name],
				Parameters:  params,
			},
		})
	}

	tools = append(tools,
		openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolGenerateSQL,
				Description: "Generate a SQL query for a data question. Resolve entity names to codes with the lookup tools first.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"request":  {Type: jsonschema.String, Description: "The data question, restated precisely"},
						"entities": entitySetParam,
					},
					Required: []string{"request"},
				},
			},
		},
		openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolExecuteSQL,
				Description: "Execute a generated SELECT query and return up to the display row cap of normalized rows.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"sqlQuery": {Type: jsonschema.String},
					},
					Required: []string{"sqlQuery"},
				},
			},
		},
		openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolExplainQuery,
				Description: "Explain an existing SQL query in plain language.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"sqlQuery": {Type: jsonschema.String},
					},
					Required: []string{"sqlQuery"},
				},
			},
		},
		openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolGenerateChartConfig,
				Description: "Generate a chart configuration for the most recently executed query result.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"question": {Type: jsonschema.String, Description: "The user's original question"},
					},
					Required: []string{"question"},
				},
			},
		},
		openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolPrepareBulkDownload,
				Description: "Prepare a CSV export ticket for a download/export request. Generates the query but never executes it; the user triggers the download separately.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"request":  {Type: jsonschema.String, Description: "What data to export"},
						"entities": entitySetParam,
					},
					Required: []string{"request"},
				},
			},
		},
	)

	return tools
}
