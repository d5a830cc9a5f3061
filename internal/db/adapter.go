package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"cms_migrator_syncer/internal/config"
)

// Adapter abstracts provider-specific behavior.
type Adapter interface {
	Provider() string
	Close() error
	Ping(ctx context.Context) error

	EnsureHistoryTable(ctx context.Context) error
	RecordHistory(ctx context.Context, rec HistoryRecord) error
	DeleteHistory(ctx context.Context, filename string) error
	FetchHistory(ctx context.Context, limit int) ([]HistoryRecord, error)
	AppliedUnits(ctx context.Context) (map[string]bool, error)

	ExecStatement(ctx context.Context, stmt string) error
	// IsBenign reports whether err only says the object being created is
	// already there (duplicate column, table or index exists).
	IsBenign(err error) bool

	ListTables(ctx context.Context) ([]string, error)
	TableColumns(ctx context.Context, table string) ([]Column, error)
	HasIndex(ctx context.Context, name string) (bool, error)
	FetchSchema(ctx context.Context) (Schema, error)
	CountRows(ctx context.Context, table string) (int64, error)
	FetchRows(ctx context.Context, table string, columns []string, orderBy string) ([]Row, error)
}

// Open builds an adapter for the given configuration.
func Open(cfg config.DBConfig) (Adapter, error) {
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "", "sqlite":
		if cfg.ReadOnly {
			if _, err := os.Stat(stripFilePrefix(cfg.DSN)); err != nil {
				return nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
			}
		}
		db, err := sql.Open("sqlite", sqliteDSN(cfg.DSN, cfg.ReadOnly))
		if err != nil {
			return nil, err
		}
		// One connection keeps statements strictly ordered and avoids
		// SQLITE_BUSY between pooled connections on the same file.
		db.SetMaxOpenConns(1)
		return &SQLiteAdapter{base{db: db, dialect: sqliteDialect}}, nil
	case "postgres":
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetMaxOpenConns(5)
		return &PostgresAdapter{base{db: db, dialect: postgresDialect}}, nil
	case "mysql":
		// Validate DSN early to provide actionable errors.
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		parsed.ParseTime = true
		db, err := sql.Open("mysql", parsed.FormatDSN())
		if err != nil {
			return nil, err
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetMaxOpenConns(5)
		return &MySQLAdapter{base{db: db, dialect: mysqlDialect}}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %s", cfg.Provider)
	}
}

func sqliteDSN(path string, readOnly bool) string {
	if !readOnly {
		if strings.Contains(path, "?") {
			return path
		}
		return path + "?_pragma=busy_timeout(5000)"
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "mode=ro"
}

func stripFilePrefix(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	return dsn
}
