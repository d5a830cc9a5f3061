package db

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresAdapter struct {
	base
}

var postgresDialect = dialect{
	name:        "postgres",
	quote:       quoteDouble,
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeArg:     func(t time.Time) any { return t.UTC() },
	benign:      postgresBenign,
	historyDDL: `CREATE TABLE IF NOT EXISTS migration_history (
	id bigserial PRIMARY KEY,
	filename varchar(255) NOT NULL UNIQUE,
	executed_at timestamptz NOT NULL DEFAULT now(),
	status varchar(32) NOT NULL DEFAULT 'completed',
	error_message text
)`,
}

// duplicate_column, duplicate_table, duplicate_object, duplicate_schema
var postgresDuplicateCodes = map[string]bool{
	"42701": true,
	"42P07": true,
	"42710": true,
	"42P06": true,
}

func postgresBenign(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return postgresDuplicateCodes[pgErr.Code]
	}
	return false
}

func (p *PostgresAdapter) ListTables(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) TableColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT c.ordinal_position, c.column_name, c.data_type, c.is_nullable, c.column_default,
       COALESCE(k.ordinal_position, 0)
FROM information_schema.columns c
LEFT JOIN information_schema.table_constraints tc
  ON tc.table_schema = c.table_schema
 AND tc.table_name = c.table_name
 AND tc.constraint_type = 'PRIMARY KEY'
LEFT JOIN information_schema.key_column_usage k
  ON k.constraint_name = tc.constraint_name
 AND k.table_schema = c.table_schema
 AND k.table_name = c.table_name
 AND k.column_name = c.column_name
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var (
			c        Column
			nullable string
		)
		if err := rows.Scan(&c.Position, &c.Name, &c.Type, &nullable, &c.Default, &c.PrimaryKey); err != nil {
			return nil, err
		}
		c.Position--
		c.NotNull = !strings.EqualFold(nullable, "YES")
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) HasIndex(ctx context.Context, name string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = $1`, name).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresAdapter) FetchSchema(ctx context.Context) (Schema, error) {
	return fetchSchema(ctx, p)
}
