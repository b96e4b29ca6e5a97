package export

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/txspend/backend/internal/query"
)

// WriteCSV serializes rows in the export's fixed dialect: text fields are
// always quoted with embedded quotes doubled, numeric fields pass through
// unquoted, nil becomes an empty quoted field, and date/month fields are
// reformatted to YYYY-MM-DD before writing. encoding/csv quotes only when
// it must, so the dialect is hand-rolled.
func WriteCSV(columns []string, rows []map[string]interface{}) string {
	var b strings.Builder

	writeRecord(&b, columns, func(col string) interface{} { return col })

	for _, row := range rows {
		writeRecord(&b, columns, func(col string) interface{} { return row[col] })
	}

	return b.String()
}

func writeRecord(b *strings.Builder, columns []string, get func(string) interface{}) {
	for i, col := range columns {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(formatField(col, get(col)))
	}
	b.WriteByte('\n')
}

func formatField(column string, value interface{}) string {
	if value == nil {
		return `""`
	}

	switch v := value.(type) {
	case float64:
		// json numbers arrive as float64 and stay unquoted; integral values
		// print without a trailing .0 so counts and codes stay clean in
		// spreadsheets
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		if isDateColumn(column) {
			if formatted, ok := query.NormalizeDateString(v); ok {
				return quote(formatted)
			}
		}
		return quote(v)
	case bool:
		return quote(strconv.FormatBool(v))
	default:
		return quote(fmt.Sprintf("%v", v))
	}
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func isDateColumn(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "date") || lower == "month"
}

// Columns derives a stable column order when the ticket did not carry CSV
// headers: first-row key order is not deterministic in Go maps, so column
// names are sorted.
func Columns(rows []map[string]interface{}) []string {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
