package query

import (
	"math"
	"strings"
	"time"
)

// Field conventions from the dataset: currency columns are stored in cents
// and carry an "amount"/"spending" suffix; date columns carry "date" in
// their name or are the month bucket. Normalization applies per field, so
// model-chosen aliases like total_amount get converted too.

func isCurrencyField(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, "amount") || strings.HasSuffix(lower, "spending")
}

func isDateField(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "date") || lower == "month"
}

var dateLayouts = []string{
	"2006-01-02T15:04:05.000Z07:00",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NormalizeDateString reformats any recognized date or timestamp layout to
// YYYY-MM-DD. The CSV writer shares this so exports and tables agree.
func NormalizeDateString(value string) (string, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// NormalizeRow converts cents to dollars (two decimal places) on currency
// fields and reformats date fields to YYYY-MM-DD. Unrecognized values pass
// through untouched.
func NormalizeRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for key, value := range row {
		out[key] = normalizeField(key, value)
	}
	return out
}

func normalizeField(key string, value interface{}) interface{} {
	if value == nil {
		return nil
	}

	if isCurrencyField(key) {
		switch v := value.(type) {
		case float64:
			return math.Round(v) / 100
		case int64:
			return float64(v) / 100
		case int:
			return float64(v) / 100
		}
		return value
	}

	if isDateField(key) {
		if s, ok := value.(string); ok {
			if formatted, ok := NormalizeDateString(s); ok {
				return formatted
			}
		}
	}

	return value
}
