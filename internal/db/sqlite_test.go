package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cms_migrator_syncer/internal/config"
)

// testAdapter opens a fresh SQLite file under t.TempDir.
func testAdapter(t *testing.T) Adapter {
	t.Helper()
	a, err := Open(config.DBConfig{Provider: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func exec(t *testing.T, a Adapter, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		require.NoError(t, a.ExecStatement(context.Background(), s), s)
	}
}

func TestEnsureHistoryTableIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)

	require.NoError(t, a.EnsureHistoryTable(ctx))
	require.NoError(t, a.EnsureHistoryTable(ctx))

	cols, err := a.TableColumns(ctx, HistoryTable)
	require.NoError(t, err)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"id", "filename", "executed_at", "status", "error_message"}, names)
}

func TestHistoryOrderingAndReplace(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	require.NoError(t, a.EnsureHistoryTable(ctx))

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, name := range []string{"001_a", "002_b", "003_c"} {
		require.NoError(t, a.RecordHistory(ctx, HistoryRecord{Filename: name, ExecutedAt: at}))
	}

	hist, err := a.FetchHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "003_c", hist[0].Filename)
	assert.Equal(t, "001_a", hist[2].Filename)
	assert.Equal(t, StatusCompleted, hist[0].Status)
	assert.True(t, hist[0].ExecutedAt.Equal(at))

	// re-recording moves the unit to the newest position
	require.NoError(t, a.RecordHistory(ctx, HistoryRecord{Filename: "001_a", ExecutedAt: at}))
	hist, err = a.FetchHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "001_a", hist[0].Filename)
}

func TestAppliedUnitsIgnoresFailedRows(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	require.NoError(t, a.EnsureHistoryTable(ctx))

	require.NoError(t, a.RecordHistory(ctx, HistoryRecord{Filename: "001_ok"}))
	require.NoError(t, a.RecordHistory(ctx, HistoryRecord{
		Filename:     "002_broken",
		Status:       StatusFailed,
		ErrorMessage: sql.NullString{String: "boom", Valid: true},
	}))

	applied, err := a.AppliedUnits(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"001_ok": true}, applied)

	// a later success replaces the failed row
	require.NoError(t, a.RecordHistory(ctx, HistoryRecord{Filename: "002_broken"}))
	hist, err := a.FetchHistory(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	assert.False(t, hist[0].ErrorMessage.Valid)
}

func TestDeleteHistory(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	require.NoError(t, a.EnsureHistoryTable(ctx))
	require.NoError(t, a.RecordHistory(ctx, HistoryRecord{Filename: "001_a"}))

	require.NoError(t, a.DeleteHistory(ctx, "001_a"))
	assert.Error(t, a.DeleteHistory(ctx, "001_a"))

	applied, err := a.AppliedUnits(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestIntrospection(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	exec(t, a,
		`CREATE TABLE widgets (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, is_visible BOOLEAN DEFAULT 1)`,
		`CREATE INDEX idx_widgets_name ON widgets(name)`,
		`INSERT INTO widgets (name) VALUES ('a')`,
	)

	tables, err := a.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"widgets"}, tables, "sqlite_sequence must not be listed")

	cols, err := a.TableColumns(ctx, "widgets")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, Column{Position: 0, Name: "id", Type: "INTEGER", PrimaryKey: 1}, cols[0])
	assert.True(t, cols[1].NotNull)
	require.NotNil(t, cols[2].DefaultValue())
	assert.Equal(t, "1", *cols[2].DefaultValue())

	missing, err := a.TableColumns(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, missing)

	ok, err := a.HasIndex(ctx, "idx_widgets_name")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.HasIndex(ctx, "idx_missing")
	require.NoError(t, err)
	assert.False(t, ok)

	schema, err := a.FetchSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, schema.Tables["widgets"].PrimaryKey)
}

func TestIsBenign(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	exec(t, a, `CREATE TABLE t (id INTEGER PRIMARY KEY, a TEXT)`)

	err := a.ExecStatement(ctx, `ALTER TABLE t ADD COLUMN a TEXT`)
	require.Error(t, err)
	assert.True(t, a.IsBenign(err))

	err = a.ExecStatement(ctx, `CREATE TABLE t (id INTEGER)`)
	require.Error(t, err)
	assert.True(t, a.IsBenign(err))

	err = a.ExecStatement(ctx, `INSERT INTO missing VALUES (1)`)
	require.Error(t, err)
	assert.False(t, a.IsBenign(err))
	assert.False(t, a.IsBenign(nil))
}

func TestFetchRows(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	exec(t, a,
		`CREATE TABLE t (id INTEGER PRIMARY KEY, label TEXT, data BLOB)`,
		`INSERT INTO t VALUES (2, 'two', x'0102')`,
		`INSERT INTO t VALUES (1, NULL, NULL)`,
	)

	n, err := a.CountRows(ctx, "t")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rows, err := a.FetchRows(ctx, "t", []string{"id", "label", "data"}, "id")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{int64(1), nil, nil}, rows[0])
	assert.Equal(t, int64(2), rows[1][0])
	assert.Equal(t, "two", rows[1][1])
	assert.Equal(t, []byte{1, 2}, rows[1][2])

	_, err = a.FetchRows(ctx, "t", nil, "")
	assert.Error(t, err)
}

func TestParseTimeValue(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, v := range []any{
		"2024-01-02 03:04:05",
		[]byte("2024-01-02T03:04:05Z"),
		want,
		want.Unix(),
	} {
		got, err := parseTimeValue(v)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "%v", v)
	}

	_, err := parseTimeValue("yesterday")
	assert.Error(t, err)
}

func TestPrimaryKeyOrder(t *testing.T) {
	cols := []Column{
		{Name: "b", PrimaryKey: 2},
		{Name: "x"},
		{Name: "a", PrimaryKey: 1},
	}
	assert.Equal(t, []string{"a", "b"}, primaryKeyOf(cols))
}

func TestOpenRejectsUnknownProvider(t *testing.T) {
	_, err := Open(config.DBConfig{Provider: "oracle", DSN: "x"})
	assert.Error(t, err)

	_, err = Open(config.DBConfig{Provider: "mysql", DSN: "not a dsn"})
	assert.Error(t, err)
}

func TestDialectQuoting(t *testing.T) {
	assert.Equal(t, `"a""b"`, quoteDouble(`a"b`))
	assert.Equal(t, "`a``b`", quoteBacktick("a`b"))
	assert.Equal(t, "$3", postgresDialect.placeholder(3))
	assert.Equal(t, "?", mysqlDialect.placeholder(3))
}
