package safety

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The gate is one of three independent row-cap layers: prompt guidance at
// generation time, the CapRows rewrite here, and the stored function's own
// clamp. Collapsing them would make a single LLM-authored string the only
// thing standing between the client and an unbounded scan.

var (
	ErrNotSelect        = errors.New("only SELECT statements are allowed")
	ErrForbiddenKeyword = errors.New("statement contains a forbidden keyword")
)

var (
	forbiddenPattern = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|ALTER|TRUNCATE)\b`)

	// Trailing LIMIT only. A LIMIT buried in a subquery is not the
	// statement's own cap and must not be mistaken for one.
	trailingLimitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)\s*(?:OFFSET\s+\d+\s*)?;?\s*$`)
)

// Validate enforces rules shared by the display and bulk paths: the trimmed
// statement must start with SELECT and must not contain any mutating keyword.
func Validate(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return ErrNotSelect
	}

	if m := forbiddenPattern.FindString(trimmed); m != "" {
		return fmt.Errorf("%w: %s", ErrForbiddenKeyword, strings.ToUpper(m))
	}

	return nil
}

// TrailingLimit reports the statement's own LIMIT clause, if any. This is
// the single source of truth for "does this query already have a LIMIT";
// every layer that needs the answer must ask here rather than re-derive it.
func TrailingLimit(sql string) (int, bool) {
	m := trailingLimitPattern.FindStringSubmatch(strings.TrimSpace(sql))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// StripTrailingSemicolon removes a statement-terminating semicolon so the
// query can be embedded as a subselect. Wrapping "SELECT ...;" without
// stripping produces a syntax error.
func StripTrailingSemicolon(sql string) string {
	return strings.TrimRight(strings.TrimSpace(sql), "; \t\n")
}

// CapRows rewraps the query so that no more than cap rows can come back,
// regardless of whether the query already carries its own LIMIT. An
// existing limit below the cap is preserved; anything else is clamped.
// Reapplying CapRows to an already-capped query never lowers the effective
// limit below cap and never produces invalid SQL.
func CapRows(sql string, cap int) string {
	limit := cap
	if n, ok := TrailingLimit(sql); ok && n < cap {
		limit = n
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", StripTrailingSemicolon(sql), limit)
}
