// Package schema defines the table data model (§3): typed nullable columns,
// partition columns, and the concrete domain schemas (§ supplemented
// features) the auth and audit actors write to.
package schema

// ColumnType is a primitive column type. The store keeps the type system
// deliberately flat — "nothing recursive crosses the store" (§3).
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt64
	TypeFloat64
	TypeBool
	TypeTimestamp
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Column is one typed, nullable field in a table's schema.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Schema is an ordered sequence of columns plus the subset that are
// partition columns (physically encoded in each data file's directory
// path).
type Schema struct {
	Columns          []Column
	PartitionColumns []string
}

// ColumnNames returns the schema's column names in order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// IsPartitionColumn reports whether name is a configured partition column.
func (s Schema) IsPartitionColumn(name string) bool {
	for _, p := range s.PartitionColumns {
		if p == name {
			return true
		}
	}
	return false
}

// Equal reports whether two schemas are column-for-column compatible,
// including nullability — the check append() runs against the table
// schema (§3 invariant: "Schema compatibility").
func (s Schema) Equal(other Schema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range s.Columns {
		o := other.Columns[i]
		if c.Name != o.Name || c.Type != o.Type || c.Nullable != o.Nullable {
			return false
		}
	}
	return true
}

// TableDefinition bundles a table's name with its schema, as returned by
// AllTables() for maintenance fan-out.
type TableDefinition struct {
	Name   string
	Schema Schema
}

// Row is one row of a batch, keyed by column name. Values must match the
// column's ColumnType (or be nil for a nullable column).
type Row map[string]any

// Batch is an ordered sequence of rows written or read in one call.
type Batch []Row

