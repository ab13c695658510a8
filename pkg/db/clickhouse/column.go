package clickhouse

import (
	"fmt"
	"strings"
)

// ColumnDef defines a single column for a table.
type ColumnDef struct {
	// Name is the column name.
	Name string
	// Type is the ClickHouse data type (e.g., "UInt64", "String", "DateTime64(3)").
	Type string
	// Codec is the optional compression codec (e.g., "Delta, ZSTD(3)").
	Codec string
}

// SQL returns the column definition for CREATE TABLE, e.g. "epoch UInt64 CODEC(Delta, ZSTD(3))".
func (c ColumnDef) SQL() string {
	if c.Codec != "" {
		return fmt.Sprintf("%s %s CODEC(%s)", c.Name, c.Type, c.Codec)
	}
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

// ColumnsToSchemaSQL joins column definitions for a CREATE TABLE body.
func ColumnsToSchemaSQL(columns []ColumnDef) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, col.SQL())
	}
	return strings.Join(parts, ",\n\t\t\t")
}

// ColumnsToNameList returns the column names, in order, for INSERT statements.
func ColumnsToNameList(columns []ColumnDef) []string {
	names := make([]string, 0, len(columns))
	for _, col := range columns {
		names = append(names, col.Name)
	}
	return names
}
