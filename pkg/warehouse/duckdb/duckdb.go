// Package duckdb implements the warehouse on an embedded DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/logflow/tableflow/pkg/ddl"
	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/warehouse"
)

// Warehouse is a DuckDB database file, or an in-memory database when the
// path is empty.
type Warehouse struct {
	db      *sql.DB
	dialect ddl.DuckDB
	// DuckDB serialises writers per database; merges into one target also
	// must not interleave between the count and the update.
	mergeMu sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string) (*Warehouse, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, lferrors.Wrap(err, lferrors.CodeConfig, "failed to open duckdb")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, lferrors.Wrapf(err, lferrors.CodeConfig, "failed to open duckdb at %q", path)
	}
	return &Warehouse{db: db}, nil
}

// DB exposes the underlying handle for ad-hoc queries.
func (w *Warehouse) DB() *sql.DB { return w.db }

func (w *Warehouse) Dialect() ddl.Dialect { return w.dialect }

func (w *Warehouse) Close() error { return w.db.Close() }

func (w *Warehouse) DescribeTable(ctx context.Context, table string) (*schema.Descriptor, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var desc schema.Descriptor
	for rows.Next() {
		var name, native, nullable string
		if err := rows.Scan(&name, &native, &nullable); err != nil {
			return nil, fmt.Errorf("describe %s: %w", table, err)
		}
		t, err := w.dialect.ColumnType(native)
		if err != nil {
			return nil, lferrors.SchemaConflict(table, "column %q: %v", name, err)
		}
		desc.Columns = append(desc.Columns, schema.Column{Name: name, Type: t, Nullable: nullable == "YES"})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	if len(desc.Columns) == 0 {
		return nil, nil
	}
	return &desc, nil
}

func (w *Warehouse) Exec(ctx context.Context, tag string, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := w.db.ExecContext(ctx, ddl.Annotate(tag, stmt)); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (w *Warehouse) LoadStaging(ctx context.Context, tag, staging string, desc *schema.Descriptor, rows [][]any) (int64, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	create := fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", w.dialect.Quote(staging), ddl.StagingColumns(w.dialect, desc))
	if _, err := tx.ExecContext(ctx, ddl.Annotate(tag, create)); err != nil {
		return 0, fmt.Errorf("create staging %s: %w", staging, err)
	}

	placeholders := make([]string, len(desc.Columns))
	for i, c := range desc.Columns {
		if c.Type == schema.TypeJSON {
			// bind json as text; the driver has no JSON parameter type
			placeholders[i] = "CAST(CAST(? AS VARCHAR) AS JSON)"
			continue
		}
		placeholders[i] = fmt.Sprintf("CAST(? AS %s)", w.dialect.NativeType(c.Type))
	}
	stmt, err := tx.PrepareContext(ctx, ddl.Annotate(tag, fmt.Sprintf("INSERT INTO %s VALUES (%s)",
		w.dialect.Quote(staging), strings.Join(placeholders, ", "))))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, fmt.Errorf("insert staging row %d: %w", i+1, err)
		}
	}

	var n int64
	if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM "+w.dialect.Quote(staging)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count staging: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}

// Merge runs the upsert as an UPDATE and an INSERT in one transaction. The
// embedded engine has no MERGE statement; both halves filter on the key and
// value predicates MergeSQL uses, so the outcome is the same.
func (w *Warehouse) Merge(ctx context.Context, tag string, req warehouse.MergeRequest) (warehouse.MergeCounts, error) {
	w.mergeMu.Lock()
	defer w.mergeMu.Unlock()

	var counts warehouse.MergeCounts
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, ddl.Annotate(tag, warehouse.UnchangedSQL(w.dialect, req))).Scan(&counts.Unchanged); err != nil {
		return counts, fmt.Errorf("count unchanged rows: %w", err)
	}

	if len(req.NonKeyColumns()) > 0 {
		res, err := tx.ExecContext(ctx, ddl.Annotate(tag, warehouse.UpdateFromSQL(w.dialect, req)))
		if err != nil {
			return counts, fmt.Errorf("merge update into %s: %w", req.Target, err)
		}
		if counts.Updated, err = res.RowsAffected(); err != nil {
			return counts, err
		}
	}

	res, err := tx.ExecContext(ctx, ddl.Annotate(tag, warehouse.InsertMissingSQL(w.dialect, req)))
	if err != nil {
		return counts, fmt.Errorf("merge insert into %s: %w", req.Target, err)
	}
	if counts.Inserted, err = res.RowsAffected(); err != nil {
		return counts, err
	}

	if err := tx.Commit(); err != nil {
		return warehouse.MergeCounts{}, fmt.Errorf("failed to commit merge: %w", err)
	}
	return counts, nil
}

func (w *Warehouse) DropTable(ctx context.Context, tag, table string) error {
	_, err := w.db.ExecContext(ctx, ddl.Annotate(tag, "DROP TABLE IF EXISTS "+w.dialect.Quote(table)))
	return err
}

func (w *Warehouse) Stats(ctx context.Context, table string, columns []string) (*warehouse.TableStats, error) {
	counts := make([]int64, len(columns)+1)
	dest := make([]any, len(counts))
	for i := range counts {
		dest[i] = &counts[i]
	}
	if err := w.db.QueryRowContext(ctx, warehouse.StatsSQL(w.dialect, table, columns)).Scan(dest...); err != nil {
		return nil, fmt.Errorf("stats %s: %w", table, err)
	}
	stats := &warehouse.TableStats{Rows: counts[0], NonNull: make(map[string]int64, len(columns))}
	for i, c := range columns {
		stats.NonNull[c] = counts[i+1]
	}
	return stats, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
