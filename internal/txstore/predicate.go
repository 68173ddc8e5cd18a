package txstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/tablelog"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEq  Op = "="
	OpNeq Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Predicate is the "SQL-like row predicate" spec.md §4.3 describes for
// delete: a single column comparison against a literal. Deletes only ever
// need simple single-column predicates to drive file pruning and row
// filtering; anything richer belongs in Query/SQL, which route straight to
// the external SQL engine.
type Predicate struct {
	Column string
	Op     Op
	Value  any
}

// ParsePredicate parses a minimal "<column> <op> <literal>" expression,
// e.g. "id = 'u1'" or "expires_at < '2025-01-01T00:00:00Z'". This is the
// predicate language delete() accepts; it intentionally does not attempt to
// be a SQL parser.
func ParsePredicate(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	for _, op := range []Op{OpLte, OpGte, OpNeq, OpEq, OpLt, OpGt} {
		idx := strings.Index(expr, string(op))
		if idx <= 0 {
			continue
		}
		col := strings.TrimSpace(expr[:idx])
		rawVal := strings.TrimSpace(expr[idx+len(op):])
		val := parseLiteral(rawVal)
		return Predicate{Column: col, Op: op, Value: val}, nil
	}
	return Predicate{}, errs.New(errs.InvalidPredicate, "txstore.ParsePredicate", fmt.Errorf("cannot parse predicate %q", expr))
}

func parseLiteral(raw string) any {
	if len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'' {
		return strings.ReplaceAll(raw[1:len(raw)-1], "''", "'")
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if raw == "true" || raw == "false" {
		return raw == "true"
	}
	return raw
}

// Matches evaluates the predicate against a single row.
func (p Predicate) Matches(row schema.Row) bool {
	v, ok := row[p.Column]
	if !ok {
		return false
	}
	return compare(v, p.Op, p.Value)
}

// CannotMatch reports whether the predicate is provably false for every row
// in a file, using only the file's min/max summary (§4.3 "Predicate
// delete" step 1). A false return does not guarantee a match — it only
// means the file cannot be skipped.
func (p Predicate) CannotMatch(stats map[string]tablelog.ColumnStats) bool {
	st, ok := stats[p.Column]
	if !ok || st.Min == nil || st.Max == nil {
		return false
	}
	switch p.Op {
	case OpEq:
		return compare(p.Value, OpLt, st.Min) || compare(p.Value, OpGt, st.Max)
	case OpLt:
		return !compare(st.Min, OpLt, p.Value)
	case OpLte:
		return compare(st.Min, OpGt, p.Value)
	case OpGt:
		return !compare(st.Max, OpGt, p.Value)
	case OpGte:
		return compare(st.Max, OpLt, p.Value)
	default:
		return false
	}
}

func compare(a any, op Op, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return compareOrdered(af, bf, op)
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return compareOrdered(strings.Compare(as, bs), 0, op)
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		if op == OpEq {
			return ab == bb
		}
		if op == OpNeq {
			return ab != bb
		}
	}
	return false
}

func compareOrdered[T int | float64](a, b T, op Op) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNeq:
		return a != b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
