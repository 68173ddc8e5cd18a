package txstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/tablelog"
)

func TestParsePredicate(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		want    Predicate
		wantErr bool
	}{
		{
			name: "quoted string equality",
			expr: "id = 'u1'",
			want: Predicate{Column: "id", Op: OpEq, Value: "u1"},
		},
		{
			name: "integer literal",
			expr: "row_count > 10",
			want: Predicate{Column: "row_count", Op: OpGt, Value: int64(10)},
		},
		{
			name: "float literal",
			expr: "compute_time_ms <= 1.5",
			want: Predicate{Column: "compute_time_ms", Op: OpLte, Value: 1.5},
		},
		{
			name: "bool literal",
			expr: "is_active != true",
			want: Predicate{Column: "is_active", Op: OpNeq, Value: true},
		},
		{
			name: "escaped quote in string literal",
			expr: "username = 'o''brien'",
			want: Predicate{Column: "username", Op: OpEq, Value: "o'brien"},
		},
		{
			name:    "unparseable expression",
			expr:    "garbage",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePredicate(tt.expr)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errs.Is(err, errs.InvalidPredicate))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPredicateMatches(t *testing.T) {
	p := Predicate{Column: "role", Op: OpEq, Value: "admin"}
	assert.True(t, p.Matches(schema.Row{"role": "admin"}))
	assert.False(t, p.Matches(schema.Row{"role": "trader"}))
	assert.False(t, p.Matches(schema.Row{"other": "admin"}), "missing column never matches")
}

func TestPredicateCannotMatchPrunesOutOfRangeFiles(t *testing.T) {
	stats := map[string]tablelog.ColumnStats{
		"row_count": {Min: int64(10), Max: int64(20)},
	}

	tests := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"eq below range", Predicate{Column: "row_count", Op: OpEq, Value: int64(5)}, true},
		{"eq above range", Predicate{Column: "row_count", Op: OpEq, Value: int64(25)}, true},
		{"eq within range", Predicate{Column: "row_count", Op: OpEq, Value: int64(15)}, false},
		{"lt below min cannot match (nothing is < 10 below 10)", Predicate{Column: "row_count", Op: OpLt, Value: int64(5)}, true},
		{"lt comfortably inside range", Predicate{Column: "row_count", Op: OpLt, Value: int64(15)}, false},
		{"gt above max cannot match", Predicate{Column: "row_count", Op: OpGt, Value: int64(25)}, true},
		{"gt comfortably inside range", Predicate{Column: "row_count", Op: OpGt, Value: int64(15)}, false},
		{"missing stats never pruned", Predicate{Column: "unknown_col", Op: OpEq, Value: int64(1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred.CannotMatch(stats))
		})
	}
}
