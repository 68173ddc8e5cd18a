// Package dataio implements the two boundaries the transactional store hands
// off to external libraries instead of hand-rolling (§2: "The columnar
// compute engine and the SQL executor are assumed external libraries"):
// encoding/decoding immutable `.dat` data files, and executing SQL against a
// set of those files.
//
// Grounded on original_source's storage/parquet_backend.rs (Arrow writer,
// ZSTD compression) and storage/duckdb_backend.rs (DuckDB queries Parquet
// files by path); this package swaps delta-rs/Arrow/DataFusion for the
// Go-ecosystem equivalents the example pack actually carries:
// xitongsys/parquet-go for the file codec and duckdb-go/v2 for SQL.
package dataio

import (
	"encoding/json"
	"fmt"
	"strings"

	parquetsrc "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/tablelog"
)

// jsonSchemaField/jsonSchema mirror parquet-go's JSON-schema wire format,
// used here instead of a generated Go struct so one codec path serves every
// table's (dynamic) schema.
type jsonSchemaField struct {
	Tag string `json:"Tag"`
}

type jsonSchema struct {
	Tag    string            `json:"Tag"`
	Fields []jsonSchemaField `json:"Fields"`
}

func buildJSONSchema(s schema.Schema) (string, error) {
	fields := make([]jsonSchemaField, 0, len(s.Columns))
	for _, c := range s.Columns {
		ptype, ctype, ok := parquetType(c.Type)
		if !ok {
			return "", fmt.Errorf("dataio: unsupported column type %s", c.Type)
		}
		rep := "REQUIRED"
		if c.Nullable {
			rep = "OPTIONAL"
		}
		tag := fmt.Sprintf("name=%s, type=%s, repetitiontype=%s", c.Name, ptype, rep)
		if ctype != "" {
			tag += ", convertedtype=" + ctype
		}
		fields = append(fields, jsonSchemaField{Tag: tag})
	}
	sc := jsonSchema{Tag: "name=root, repetitiontype=REQUIRED", Fields: fields}
	data, err := json.Marshal(sc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parquetType(t schema.ColumnType) (ptype, ctype string, ok bool) {
	switch t {
	case schema.TypeString:
		return "BYTE_ARRAY", "UTF8", true
	case schema.TypeInt64:
		return "INT64", "", true
	case schema.TypeFloat64:
		return "DOUBLE", "", true
	case schema.TypeBool:
		return "BOOLEAN", "", true
	case schema.TypeTimestamp:
		return "INT64", "TIMESTAMP_MILLIS", true
	default:
		return "", "", false
	}
}

// EncodeFile serializes batch to an immutable columnar file, ZSTD-compressed,
// and returns its bytes plus the per-column min/max stats used for
// predicate pruning.
func EncodeFile(s schema.Schema, batch schema.Batch) ([]byte, map[string]tablelog.ColumnStats, error) {
	jsonSchemaStr, err := buildJSONSchema(s)
	if err != nil {
		return nil, nil, errs.New(errs.Internal, "dataio.EncodeFile", err)
	}

	buf := parquetsrc.NewBufferFile()
	pw, err := writer.NewJSONWriter(jsonSchemaStr, buf, 4)
	if err != nil {
		return nil, nil, errs.New(errs.Internal, "dataio.EncodeFile", err)
	}
	pw.CompressionType = parquet.CompressionCodec_ZSTD

	for _, row := range batch {
		rec, err := json.Marshal(canonicalizeRow(s, row))
		if err != nil {
			return nil, nil, errs.New(errs.Internal, "dataio.EncodeFile", err)
		}
		if err := pw.Write(string(rec)); err != nil {
			return nil, nil, errs.New(errs.Internal, "dataio.EncodeFile", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, nil, errs.New(errs.Internal, "dataio.EncodeFile", err)
	}

	return buf.Bytes(), computeStats(s, batch), nil
}

// DecodeFile reads every row out of an encoded data file.
func DecodeFile(s schema.Schema, data []byte) (schema.Batch, error) {
	buf := parquetsrc.NewBufferFileFromBytes(data)
	pr, err := reader.NewParquetReader(buf, nil, 4)
	if err != nil {
		return nil, errs.New(errs.Internal, "dataio.DecodeFile", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	raw, err := pr.ReadByNumber(n)
	if err != nil {
		return nil, errs.New(errs.Internal, "dataio.DecodeFile", err)
	}

	batch := make(schema.Batch, 0, n)
	for _, r := range raw {
		// parquet-go's schemaless reader returns a dynamically built
		// struct; round-trip through JSON to land on a plain map.
		b, err := json.Marshal(r)
		if err != nil {
			return nil, errs.New(errs.Internal, "dataio.DecodeFile", err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, errs.New(errs.Internal, "dataio.DecodeFile", err)
		}
		batch = append(batch, schema.Row(m))
	}
	return batch, nil
}

// canonicalizeRow fills every column (nil for missing/nullable fields) so
// every emitted JSON record has an identical key set, which the JSON writer
// requires.
func canonicalizeRow(s schema.Schema, row schema.Row) map[string]any {
	out := make(map[string]any, len(s.Columns))
	for _, c := range s.Columns {
		out[c.Name] = row[c.Name]
	}
	return out
}

func computeStats(s schema.Schema, batch schema.Batch) map[string]tablelog.ColumnStats {
	stats := make(map[string]tablelog.ColumnStats, len(s.Columns))
	for _, c := range s.Columns {
		var min, max any
		for _, row := range batch {
			v, ok := row[c.Name]
			if !ok || v == nil {
				continue
			}
			if min == nil || lessThan(v, min) {
				min = v
			}
			if max == nil || lessThan(max, v) {
				max = v
			}
		}
		stats[c.Name] = tablelog.ColumnStats{Min: min, Max: max}
	}
	return stats
}

func lessThan(a, b any) bool {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv) < 0
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return !av && bv
		}
	}
	return false
}
