package dataio

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/schema"
)

// Query runs sqlText against a table's live file-set, materialized on local
// disk as files. The store never parses a data file itself (§6) — it hands
// DuckDB a view over the file URLs plus the table name, then streams back
// whatever the engine returns.
//
// sqlText is expected to reference the table by tableName, exactly as the
// caller wrote it (e.g. "SELECT * FROM users WHERE id = 'u1'"); Query
// creates an in-memory view with that name over the given parquet files so
// the caller's SQL runs unmodified.
func Query(ctx context.Context, tableName string, files []string, sqlText string) (schema.Batch, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errs.New(errs.Internal, "dataio.Query", err)
	}
	defer db.Close()

	if len(files) == 0 {
		// No live files: still create an empty-result view so the query
		// executes rather than failing on a missing relation.
		if _, err := db.ExecContext(ctx, fmt.Sprintf(
			"CREATE VIEW %s AS SELECT * FROM (SELECT NULL) WHERE FALSE", quoteIdent(tableName))); err != nil {
			return nil, errs.New(errs.Internal, "dataio.Query", err).WithTable(tableName)
		}
	} else {
		fileList := make([]string, len(files))
		for i, f := range files {
			fileList[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
		}
		stmt := fmt.Sprintf("CREATE VIEW %s AS SELECT * FROM read_parquet([%s])",
			quoteIdent(tableName), strings.Join(fileList, ", "))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errs.New(errs.Internal, "dataio.Query", err).WithTable(tableName)
		}
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, errs.New(errs.Internal, "dataio.Query", err).WithTable(tableName)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errs.New(errs.Internal, "dataio.Query", err).WithTable(tableName)
	}

	var batch schema.Batch
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errs.New(errs.Internal, "dataio.Query", err).WithTable(tableName)
		}
		row := make(schema.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.Internal, "dataio.Query", err).WithTable(tableName)
	}
	return batch, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
