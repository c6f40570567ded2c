// Package warehouse defines the SQL warehouse surface used by the loader and
// the SQL shared by its implementations.
package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/logflow/tableflow/pkg/ddl"
	"github.com/logflow/tableflow/pkg/schema"
)

// Warehouse is a SQL engine that can hold the target tables.
type Warehouse interface {
	Dialect() ddl.Dialect

	// DescribeTable returns the table's columns, or nil when it does not
	// exist.
	DescribeTable(ctx context.Context, table string) (*schema.Descriptor, error)

	// Exec runs DDL statements in order, each annotated with tag.
	Exec(ctx context.Context, tag string, stmts ...string) error

	// LoadStaging recreates the staging table empty with desc's columns and
	// loads rows into it in one transaction. Rows are aligned with desc and
	// hold values produced by schema.Coerce (nil for NULL). It returns the
	// number of rows in the staging table after the load.
	LoadStaging(ctx context.Context, tag, staging string, desc *schema.Descriptor, rows [][]any) (int64, error)

	// Merge upserts staging into target inside one transaction.
	Merge(ctx context.Context, tag string, req MergeRequest) (MergeCounts, error)

	// DropTable drops a table if it exists.
	DropTable(ctx context.Context, tag, table string) error

	// Stats counts rows and the non-null values of the given columns.
	Stats(ctx context.Context, table string, columns []string) (*TableStats, error)

	Close() error
}

// MergeRequest names the tables and columns of a keyed merge.
type MergeRequest struct {
	Target  string
	Staging string
	Columns []string // all loaded columns, key columns included
	Key     []string
}

// MergeCounts is the engine's accounting of one merge. Unchanged counts
// matched rows whose values already equal the staged values.
type MergeCounts struct {
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Unchanged int64 `json:"unchanged"`
}

// Total is the number of staged rows the merge accounted for.
func (c MergeCounts) Total() int64 {
	return c.Inserted + c.Updated + c.Unchanged
}

// TableStats is returned by Stats.
type TableStats struct {
	Rows    int64            `json:"rows"`
	NonNull map[string]int64 `json:"non_null,omitempty"`
}

// StagingName derives the staging table for loading objectPath into target.
// Different source objects never share a staging table.
func StagingName(target, objectPath string) string {
	return fmt.Sprintf("%s__stg_%08x", target, uint32(xxh3.HashString(objectPath)))
}

// NonKeyColumns returns req.Columns minus the key columns.
func (r MergeRequest) NonKeyColumns() []string {
	key := make(map[string]bool, len(r.Key))
	for _, k := range r.Key {
		key[k] = true
	}
	var out []string
	for _, c := range r.Columns {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

// KeyMatch renders "t.k1 = s.k1 AND ...".
func KeyMatch(d ddl.Dialect, key []string, t, s string) string {
	parts := make([]string, len(key))
	for i, k := range key {
		q := d.Quote(k)
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", t, q, s, q)
	}
	return strings.Join(parts, " AND ")
}

// Distinct renders a predicate true when any listed column differs between
// aliases t and s, treating NULLs as comparable values. It is FALSE when
// there are no columns.
func Distinct(d ddl.Dialect, columns []string, t, s string) string {
	if len(columns) == 0 {
		return "FALSE"
	}
	parts := make([]string, len(columns))
	for i, c := range columns {
		q := d.Quote(c)
		parts[i] = fmt.Sprintf("%s.%s IS DISTINCT FROM %s.%s", t, q, s, q)
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// QuoteList quotes and joins column names, optionally qualified by alias.
func QuoteList(d ddl.Dialect, columns []string, alias string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = d.Quote(c)
		if alias != "" {
			parts[i] = alias + "." + parts[i]
		}
	}
	return strings.Join(parts, ", ")
}

// SetList renders "c = s.c, ..." for an UPDATE.
func SetList(d ddl.Dialect, columns []string, s string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		q := d.Quote(c)
		parts[i] = fmt.Sprintf("%s = %s.%s", q, s, q)
	}
	return strings.Join(parts, ", ")
}

// UpdateFromSQL renders the UPDATE half of an upsert: matched rows whose
// values differ take the staged values.
func UpdateFromSQL(d ddl.Dialect, req MergeRequest) string {
	nonKey := req.NonKeyColumns()
	return fmt.Sprintf("UPDATE %s AS t SET %s FROM %s AS s WHERE %s AND %s",
		d.Quote(req.Target), SetList(d, nonKey, "s"), d.Quote(req.Staging),
		KeyMatch(d, req.Key, "t", "s"), Distinct(d, nonKey, "t", "s"))
}

// InsertMissingSQL renders the INSERT half of an upsert: staged rows with no
// matching target row.
func InsertMissingSQL(d ddl.Dialect, req MergeRequest) string {
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s AS s WHERE NOT EXISTS (SELECT 1 FROM %s AS t WHERE %s)",
		d.Quote(req.Target), QuoteList(d, req.Columns, ""), QuoteList(d, req.Columns, "s"),
		d.Quote(req.Staging), d.Quote(req.Target), KeyMatch(d, req.Key, "t", "s"))
}

// UnchangedSQL counts staged rows identical to their matched target row.
func UnchangedSQL(d ddl.Dialect, req MergeRequest) string {
	return fmt.Sprintf("SELECT count(*) FROM %s AS s JOIN %s AS t ON %s WHERE NOT %s",
		d.Quote(req.Staging), d.Quote(req.Target),
		KeyMatch(d, req.Key, "t", "s"), Distinct(d, req.NonKeyColumns(), "t", "s"))
}

// MergeSQL renders a standard MERGE statement. Matched rows are only
// touched when a value differs, so an exact replay affects no rows.
func MergeSQL(d ddl.Dialect, req MergeRequest) string {
	nonKey := req.NonKeyColumns()
	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE INTO %s AS t USING %s AS s ON %s",
		d.Quote(req.Target), d.Quote(req.Staging), KeyMatch(d, req.Key, "t", "s"))
	if len(nonKey) > 0 {
		fmt.Fprintf(&sb, " WHEN MATCHED AND %s THEN UPDATE SET %s",
			Distinct(d, nonKey, "t", "s"), SetList(d, nonKey, "s"))
	}
	fmt.Fprintf(&sb, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		QuoteList(d, req.Columns, ""), QuoteList(d, req.Columns, "s"))
	return sb.String()
}

// StatsSQL renders the row and non-null count query used by Stats.
func StatsSQL(d ddl.Dialect, table string, columns []string) string {
	sel := []string{"count(*)"}
	for _, c := range columns {
		sel = append(sel, fmt.Sprintf("count(%s)", d.Quote(c)))
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(sel, ", "), d.Quote(table))
}
