package export

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSVQuotingRules(t *testing.T) {
	rows := []map[string]interface{}{
		{"name": `O"Brien`, "amount": 12.5, "note": nil},
	}

	csv := WriteCSV([]string{"name", "amount", "note"}, rows)

	lines := strings.Split(strings.TrimRight(csv, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `"name","amount","note"`, lines[0])
	assert.Equal(t, `"O""Brien",12.5,""`, lines[1])
}

func TestWriteCSVDateFormatting(t *testing.T) {
	rows := []map[string]interface{}{
		{"Payment Date": "2022-08-12T00:00:00.000Z", "Month": "2022-08-01T00:00:00Z"},
	}

	csv := WriteCSV([]string{"Payment Date", "Month"}, rows)

	assert.Contains(t, csv, `"2022-08-12"`)
	assert.Contains(t, csv, `"2022-08-01"`)
}

func TestWriteCSVNumericPassthrough(t *testing.T) {
	rows := []map[string]interface{}{
		{"count": float64(42), "amount": 2109.1},
	}

	csv := WriteCSV([]string{"count", "amount"}, rows)

	lines := strings.Split(strings.TrimRight(csv, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `42,2109.1`, lines[1])
	assert.NotContains(t, csv, "42.0")
}

func TestWriteCSVMissingColumnIsEmptyQuoted(t *testing.T) {
	rows := []map[string]interface{}{
		{"a": "x"},
	}

	csv := WriteCSV([]string{"a", "b"}, rows)

	lines := strings.Split(strings.TrimRight(csv, "\n"), "\n")
	assert.Equal(t, `"x",""`, lines[1])
}

func TestWriteCSVTextFieldsAlwaysQuoted(t *testing.T) {
	rows := []map[string]interface{}{
		{"a": "plain", "b": "with,comma", "c": true},
	}

	csv := WriteCSV([]string{"a", "c"}, rows)

	lines := strings.Split(strings.TrimRight(csv, "\n"), "\n")
	assert.Equal(t, `"plain","true"`, lines[1])
	for _, field := range strings.Split(lines[0], ",") {
		assert.True(t, strings.HasPrefix(field, `"`) && strings.HasSuffix(field, `"`),
			"header %q is not quoted", field)
	}
}

func TestColumnsStableOrder(t *testing.T) {
	rows := []map[string]interface{}{
		{"zeta": 1, "alpha": 2, "mid": 3},
	}

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, Columns(rows))
	assert.Nil(t, Columns(nil))
}
