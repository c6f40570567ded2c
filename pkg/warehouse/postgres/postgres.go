// Package postgres implements the warehouse on PostgreSQL 15+ using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/logflow/tableflow/pkg/ddl"
	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/warehouse"
)

// Warehouse is a pgx connection pool.
type Warehouse struct {
	pool    *pgxpool.Pool
	dialect ddl.Postgres
}

// Open connects a pool to dsn and pings it.
func Open(ctx context.Context, dsn string) (*Warehouse, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, lferrors.Wrap(err, lferrors.CodeConfig, "invalid postgres dsn")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, lferrors.Transient(err, "ping postgres")
	}
	return &Warehouse{pool: pool}, nil
}

func (w *Warehouse) Dialect() ddl.Dialect { return w.dialect }

func (w *Warehouse) Close() error {
	w.pool.Close()
	return nil
}

func (w *Warehouse) DescribeTable(ctx context.Context, table string) (*schema.Descriptor, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, classify(err, "describe "+table)
	}
	defer rows.Close()

	var desc schema.Descriptor
	for rows.Next() {
		var name, native, nullable string
		if err := rows.Scan(&name, &native, &nullable); err != nil {
			return nil, classify(err, "describe "+table)
		}
		t, err := w.dialect.ColumnType(native)
		if err != nil {
			return nil, lferrors.SchemaConflict(table, "column %q: %v", name, err)
		}
		desc.Columns = append(desc.Columns, schema.Column{Name: name, Type: t, Nullable: nullable == "YES"})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "describe "+table)
	}
	if len(desc.Columns) == 0 {
		return nil, nil
	}
	return &desc, nil
}

// tagged runs fn on one pooled connection whose application_name carries
// the run tag, so the tag shows up in pg_stat_activity and server logs.
func (w *Warehouse) tagged(ctx context.Context, tag string, fn func(*pgxpool.Conn) error) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return classify(err, "acquire connection")
	}
	defer conn.Release()

	if tag != "" {
		if _, err := conn.Exec(ctx, "SELECT set_config('application_name', $1, false)", truncate(tag, 63)); err != nil {
			return classify(err, "set application_name")
		}
		defer conn.Exec(context.WithoutCancel(ctx), "RESET application_name")
	}
	return fn(conn)
}

func (w *Warehouse) Exec(ctx context.Context, tag string, stmts ...string) error {
	return w.tagged(ctx, tag, func(conn *pgxpool.Conn) error {
		for _, stmt := range stmts {
			if _, err := conn.Exec(ctx, ddl.Annotate(tag, stmt)); err != nil {
				return classify(err, "exec ddl")
			}
		}
		return nil
	})
}

func (w *Warehouse) LoadStaging(ctx context.Context, tag, staging string, desc *schema.Descriptor, rows [][]any) (int64, error) {
	var n int64
	err := w.tagged(ctx, tag, func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return classify(err, "begin")
		}
		defer tx.Rollback(ctx)

		q := w.dialect.Quote(staging)
		for _, stmt := range []string{
			"DROP TABLE IF EXISTS " + q,
			fmt.Sprintf("CREATE UNLOGGED TABLE %s (%s)", q, ddl.StagingColumns(w.dialect, desc)),
		} {
			if _, err := tx.Exec(ctx, ddl.Annotate(tag, stmt)); err != nil {
				return classify(err, "prepare staging "+staging)
			}
		}

		if n, err = tx.CopyFrom(ctx, pgx.Identifier{staging}, desc.Names(), pgx.CopyFromRows(encodeRows(desc, rows))); err != nil {
			return classify(err, "copy into "+staging)
		}
		if err := tx.Commit(ctx); err != nil {
			return classify(err, "commit staging")
		}
		return nil
	})
	return n, err
}

// encodeRows passes JSON text as json.RawMessage so pgx sends it verbatim
// instead of as a JSON string.
func encodeRows(desc *schema.Descriptor, rows [][]any) [][]any {
	var jsonCols []int
	for i, c := range desc.Columns {
		if c.Type == schema.TypeJSON {
			jsonCols = append(jsonCols, i)
		}
	}
	if len(jsonCols) == 0 {
		return rows
	}
	out := make([][]any, len(rows))
	for r, row := range rows {
		cp := append([]any(nil), row...)
		for _, i := range jsonCols {
			if s, ok := cp[i].(string); ok {
				cp[i] = json.RawMessage(s)
			}
		}
		out[r] = cp
	}
	return out
}

// Merge locks the target against concurrent merges, counts rows to insert
// and rows already identical, then runs one MERGE statement.
func (w *Warehouse) Merge(ctx context.Context, tag string, req warehouse.MergeRequest) (warehouse.MergeCounts, error) {
	var counts warehouse.MergeCounts
	err := w.tagged(ctx, tag, func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return classify(err, "begin")
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, ddl.Annotate(tag, fmt.Sprintf("LOCK TABLE %s IN SHARE ROW EXCLUSIVE MODE", w.dialect.Quote(req.Target)))); err != nil {
			return classify(err, "lock "+req.Target)
		}

		var toInsert int64
		if err := tx.QueryRow(ctx, ddl.Annotate(tag, previewSQL(w.dialect, req))).Scan(&toInsert, &counts.Unchanged); err != nil {
			return classify(err, "preview merge")
		}

		tagOut, err := tx.Exec(ctx, ddl.Annotate(tag, warehouse.MergeSQL(w.dialect, req)))
		if err != nil {
			return classify(err, "merge into "+req.Target)
		}
		counts.Inserted = toInsert
		counts.Updated = tagOut.RowsAffected() - toInsert

		return classify(tx.Commit(ctx), "commit merge")
	})
	if err != nil {
		return warehouse.MergeCounts{}, err
	}
	return counts, nil
}

// previewSQL counts staged rows without a match and matched rows whose
// values are already equal.
func previewSQL(d ddl.Dialect, req warehouse.MergeRequest) string {
	firstKey := d.Quote(req.Key[0])
	return fmt.Sprintf(
		"SELECT count(*) FILTER (WHERE t.%s IS NULL), count(*) FILTER (WHERE t.%s IS NOT NULL AND NOT %s) FROM %s AS s LEFT JOIN %s AS t ON %s",
		firstKey, firstKey, warehouse.Distinct(d, req.NonKeyColumns(), "t", "s"),
		d.Quote(req.Staging), d.Quote(req.Target), warehouse.KeyMatch(d, req.Key, "t", "s"))
}

func (w *Warehouse) DropTable(ctx context.Context, tag, table string) error {
	return w.Exec(ctx, tag, "DROP TABLE IF EXISTS "+w.dialect.Quote(table))
}

func (w *Warehouse) Stats(ctx context.Context, table string, columns []string) (*warehouse.TableStats, error) {
	counts := make([]int64, len(columns)+1)
	dest := make([]any, len(counts))
	for i := range counts {
		dest[i] = &counts[i]
	}
	if err := w.pool.QueryRow(ctx, warehouse.StatsSQL(w.dialect, table, columns)).Scan(dest...); err != nil {
		return nil, classify(err, "stats "+table)
	}
	stats := &warehouse.TableStats{Rows: counts[0], NonNull: make(map[string]int64, len(columns))}
	for i, c := range columns {
		stats.NonNull[c] = counts[i+1]
	}
	return stats, nil
}

// classify separates statement errors reported by the server from
// connection-level failures, which are retryable.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if lferrors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57": // connection, tx rollback, resources, operator intervention
			return lferrors.Transient(err, op)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return lferrors.Transient(err, op)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
