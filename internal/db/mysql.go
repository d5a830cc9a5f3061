package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

type MySQLAdapter struct {
	base
}

var mysqlDialect = dialect{
	name:        "mysql",
	quote:       quoteBacktick,
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UTC() },
	benign:      mysqlBenign,
	historyDDL: "CREATE TABLE IF NOT EXISTS `migration_history` (" + `
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	filename VARCHAR(255) NOT NULL UNIQUE,
	executed_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	status VARCHAR(32) NOT NULL DEFAULT 'completed',
	error_message TEXT
)`,
}

const (
	erDupFieldName   = 1060
	erTableExists    = 1050
	erDupKeyName     = 1061
	erDBCreateExists = 1007
)

func mysqlBenign(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case erDupFieldName, erTableExists, erDupKeyName, erDBCreateExists:
		return true
	}
	return false
}

func (m *MySQLAdapter) ListTables(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
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

func (m *MySQLAdapter) TableColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT c.ordinal_position, c.column_name, c.column_type, c.is_nullable, c.column_default,
       COALESCE(k.ordinal_position, 0)
FROM information_schema.columns c
LEFT JOIN information_schema.key_column_usage k
  ON k.table_schema = c.table_schema
 AND k.table_name = c.table_name
 AND k.column_name = c.column_name
 AND k.constraint_name = 'PRIMARY'
WHERE c.table_schema = DATABASE() AND c.table_name = ?
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

func (m *MySQLAdapter) HasIndex(ctx context.Context, name string) (bool, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM information_schema.statistics
WHERE table_schema = DATABASE() AND index_name = ?`, name).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return n > 0, nil
}

func (m *MySQLAdapter) FetchSchema(ctx context.Context) (Schema, error) {
	return fetchSchema(ctx, m)
}
