// Package ddl turns an inferred schema into idempotent, additive table DDL
// for a target warehouse dialect. Nothing here talks to a database.
package ddl

import (
	"fmt"
	"strings"

	"github.com/logflow/tableflow/pkg/schema"
)

// Dialect captures the per-warehouse differences the synthesizer and the
// loaders need.
type Dialect interface {
	Name() string
	// NativeType maps a column type to the warehouse type used in DDL.
	NativeType(t schema.ColumnType) string
	// ColumnType maps an introspected native type back onto the lattice.
	ColumnType(native string) (schema.ColumnType, error)
	// Quote quotes an identifier.
	Quote(ident string) string
}

// Lookup returns the dialect registered under name.
func Lookup(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "duckdb", "":
		return DuckDB{}, nil
	case "postgres", "postgresql":
		return Postgres{}, nil
	case "snowflake":
		return Snowflake{}, nil
	}
	return nil, fmt.Errorf("unknown sql dialect %q", name)
}

func quoteDouble(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QuoteLiteral renders s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Annotate prefixes stmt with a comment carrying the run tag, so every
// statement of a run can be found in the warehouse query history.
func Annotate(tag, stmt string) string {
	if tag == "" {
		return stmt
	}
	return "/* " + strings.ReplaceAll(tag, "*/", "* /") + " */ " + stmt
}

// baseType strips length, precision and array modifiers from a native type.
func baseType(native string) string {
	s := strings.ToUpper(strings.TrimSpace(native))
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

// DuckDB is the embedded warehouse dialect.
type DuckDB struct{}

func (DuckDB) Name() string              { return "duckdb" }
func (DuckDB) Quote(ident string) string { return quoteDouble(ident) }

func (DuckDB) NativeType(t schema.ColumnType) string {
	switch t {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeJSON:
		return "JSON"
	default:
		return "VARCHAR"
	}
}

func (DuckDB) ColumnType(native string) (schema.ColumnType, error) {
	switch b := baseType(native); b {
	case "BIGINT", "INTEGER", "INT", "INT8", "INT4", "SMALLINT", "TINYINT", "HUGEINT", "UBIGINT", "UINTEGER":
		return schema.TypeInteger, nil
	case "DOUBLE", "FLOAT", "REAL", "DECIMAL", "NUMERIC":
		return schema.TypeFloat, nil
	case "DATE":
		return schema.TypeDate, nil
	case "TIMESTAMP", "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ", "DATETIME":
		return schema.TypeTimestamp, nil
	case "BOOLEAN", "BOOL":
		return schema.TypeBoolean, nil
	case "JSON":
		return schema.TypeJSON, nil
	case "VARCHAR", "TEXT", "STRING":
		return schema.TypeString, nil
	default:
		return schema.TypeString, fmt.Errorf("duckdb type %q has no column type mapping", native)
	}
}

// Postgres is the server warehouse dialect.
type Postgres struct{}

func (Postgres) Name() string              { return "postgres" }
func (Postgres) Quote(ident string) string { return quoteDouble(ident) }

func (Postgres) NativeType(t schema.ColumnType) string {
	switch t {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (Postgres) ColumnType(native string) (schema.ColumnType, error) {
	switch b := baseType(native); b {
	case "BIGINT", "INTEGER", "SMALLINT", "INT8", "INT4", "INT2":
		return schema.TypeInteger, nil
	case "DOUBLE PRECISION", "REAL", "NUMERIC", "FLOAT8", "FLOAT4":
		return schema.TypeFloat, nil
	case "DATE":
		return schema.TypeDate, nil
	case "TIMESTAMP", "TIMESTAMP WITHOUT TIME ZONE", "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ":
		return schema.TypeTimestamp, nil
	case "BOOLEAN", "BOOL":
		return schema.TypeBoolean, nil
	case "JSON", "JSONB":
		return schema.TypeJSON, nil
	case "TEXT", "CHARACTER VARYING", "VARCHAR", "CHARACTER", "CHAR":
		return schema.TypeString, nil
	default:
		return schema.TypeString, fmt.Errorf("postgres type %q has no column type mapping", native)
	}
}

// Snowflake renders DDL for Snowflake. It is used to print DDL; there is no
// Snowflake warehouse driver in this module.
type Snowflake struct{}

func (Snowflake) Name() string { return "snowflake" }

// Quote upper-cases identifiers, matching Snowflake's unquoted resolution.
func (Snowflake) Quote(ident string) string { return quoteDouble(strings.ToUpper(ident)) }

func (Snowflake) NativeType(t schema.ColumnType) string {
	switch t {
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeFloat:
		return "FLOAT"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTimestamp:
		return "TIMESTAMP_NTZ"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeJSON:
		return "VARIANT"
	default:
		return "VARCHAR"
	}
}

func (Snowflake) ColumnType(native string) (schema.ColumnType, error) {
	switch b := baseType(native); b {
	case "INTEGER", "NUMBER", "BIGINT", "INT":
		return schema.TypeInteger, nil
	case "FLOAT", "DOUBLE", "REAL":
		return schema.TypeFloat, nil
	case "DATE":
		return schema.TypeDate, nil
	case "TIMESTAMP_NTZ", "TIMESTAMP", "TIMESTAMP_LTZ", "TIMESTAMP_TZ":
		return schema.TypeTimestamp, nil
	case "BOOLEAN":
		return schema.TypeBoolean, nil
	case "VARIANT", "OBJECT", "ARRAY":
		return schema.TypeJSON, nil
	case "VARCHAR", "TEXT", "STRING":
		return schema.TypeString, nil
	default:
		return schema.TypeString, fmt.Errorf("snowflake type %q has no column type mapping", native)
	}
}

// QueryTag renders the session statement that tags every following query.
func (Snowflake) QueryTag(tag string) string {
	return "ALTER SESSION SET QUERY_TAG = " + QuoteLiteral(tag)
}
