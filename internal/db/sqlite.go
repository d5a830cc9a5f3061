package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
)

// SQLiteAdapter is the primary engine: the CMS keeps its content in a single
// SQLite file.
type SQLiteAdapter struct {
	base
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

var sqliteDialect = dialect{
	name:        "sqlite",
	quote:       quoteDouble,
	placeholder: func(int) string { return "?" },
	timeArg: func(t time.Time) any {
		return t.UTC().Format(sqliteTimeLayout)
	},
	benign: sqliteBenign,
	historyDDL: `CREATE TABLE IF NOT EXISTS migration_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	filename TEXT UNIQUE NOT NULL,
	executed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	status TEXT DEFAULT 'completed',
	error_message TEXT
)`,
}

// sqliteGenericError is SQLITE_ERROR, the primary result code SQLite uses for
// schema conflicts such as duplicate columns.
const sqliteGenericError = 1

func sqliteBenign(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code()&0xff != sqliteGenericError {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "already exists")
}

func (s *SQLiteAdapter) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
ORDER BY name`)
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

// TableColumns returns the columns of table in declaration order. A table that
// does not exist yields no columns and no error, as PRAGMA table_info does.
func (s *SQLiteAdapter) TableColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cid, name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var (
			c       Column
			notNull int
		)
		if err := rows.Scan(&c.Position, &c.Name, &c.Type, &notNull, &c.Default, &c.PrimaryKey); err != nil {
			return nil, err
		}
		c.NotNull = notNull != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteAdapter) HasIndex(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteAdapter) FetchSchema(ctx context.Context) (Schema, error) {
	return fetchSchema(ctx, s)
}
