package migrate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cms_migrator_syncer/internal/config"
	"cms_migrator_syncer/internal/db"
	"cms_migrator_syncer/internal/registry"
)

func unit(key, up, down string) registry.Unit {
	return registry.Unit{Key: key, Up: up, Down: down, Source: "test"}
}

func testAdapter(t *testing.T) db.Adapter {
	t.Helper()
	a, err := db.Open(config.DBConfig{Provider: "sqlite", DSN: filepath.Join(t.TempDir(), "cms.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func newRunner(t *testing.T, a db.Adapter, units ...registry.Unit) *Runner {
	t.Helper()
	reg, err := registry.New(units...)
	require.NoError(t, err)
	return New(a, reg, zerolog.Nop())
}

func mustExec(t *testing.T, a db.Adapter, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		require.NoError(t, a.ExecStatement(context.Background(), s), s)
	}
}

func columnNames(t *testing.T, a db.Adapter, table string) []string {
	t.Helper()
	cols, err := a.TableColumns(context.Background(), table)
	require.NoError(t, err)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func historyKeys(t *testing.T, a db.Adapter) []string {
	t.Helper()
	hist, err := a.FetchHistory(context.Background(), 0)
	require.NoError(t, err)
	keys := make([]string, len(hist))
	for i, h := range hist {
		keys[i] = h.Filename
	}
	return keys
}

const addVisibility = "ALTER TABLE widgets ADD COLUMN is_visible INTEGER DEFAULT 1;"

func seedWidgets(t *testing.T, a db.Adapter) {
	mustExec(t, a,
		`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`INSERT INTO widgets (id, name) VALUES (1, 'hero'), (2, 'footer')`,
	)
}

func TestWidgetsVisibilityScenario(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	seedWidgets(t, a)
	r := newRunner(t, a, unit("001_add_widget_visibility", addVisibility, "ALTER TABLE widgets DROP COLUMN is_visible;"))

	res, err := r.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_add_widget_visibility"}, res.Applied)
	assert.Equal(t, 1, res.Pending)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"001_add_widget_visibility"}, historyKeys(t, a))

	rows, err := a.FetchRows(ctx, "widgets", []string{"is_visible"}, "id")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, int64(1), row[0])
	}

	before := columnNames(t, a, "widgets")
	res, err = r.Up(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, 0, res.Pending)
	assert.Equal(t, 1, res.AlreadyApplied)
	assert.Equal(t, before, columnNames(t, a, "widgets"))
	assert.Equal(t, []string{"001_add_widget_visibility"}, historyKeys(t, a))
}

func TestUpAppliesInKeyOrder(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	r := newRunner(t, a,
		unit("003_third", "INSERT INTO run_log (unit) VALUES ('003');", ""),
		unit("001_first", "CREATE TABLE run_log (seq INTEGER PRIMARY KEY AUTOINCREMENT, unit TEXT);", ""),
		unit("002_second", "INSERT INTO run_log (unit) VALUES ('002');", ""),
	)

	res, err := r.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_first", "002_second", "003_third"}, res.Applied)

	rows, err := a.FetchRows(ctx, "run_log", []string{"unit"}, "seq")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "002", rows[0][0])
	assert.Equal(t, "003", rows[1][0])

	// history is newest first
	assert.Equal(t, []string{"003_third", "002_second", "001_first"}, historyKeys(t, a))
}

func TestUpFailsFast(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	r := newRunner(t, a,
		unit("001_ok", "CREATE TABLE one (id INTEGER);", ""),
		unit("002_broken", `
CREATE TABLE two (id INTEGER);
INSERT INTO two VALUES (1);
INSERT INTO missing_table VALUES (1);
CREATE TABLE never (id INTEGER);`, ""),
		unit("003_later", "CREATE TABLE three (id INTEGER);", ""),
	)

	res, err := r.Up(ctx)
	require.Error(t, err)
	assert.Equal(t, "002_broken", res.Failed)
	assert.Equal(t, []string{"001_ok"}, res.Applied)

	var stmtErr *StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Equal(t, "002_broken", stmtErr.Unit)
	assert.Equal(t, 3, stmtErr.Index)
	assert.Contains(t, stmtErr.Statement, "missing_table")

	assert.Equal(t, []string{"001_ok"}, historyKeys(t, a))

	tables, err := a.ListTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "two", "statements before the failure are not undone")
	assert.NotContains(t, tables, "never")
	assert.NotContains(t, tables, "three")

	n, err := a.CountRows(ctx, "two")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestUpSkipsSatisfiedPrecondition(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	seedWidgets(t, a)
	mustExec(t, a, addVisibility)

	r := newRunner(t, a, unit("001_add_widget_visibility", addVisibility+"\nUPDATE widgets SET is_visible = 0 WHERE id = 2;", ""))
	res, err := r.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"001_add_widget_visibility"}, res.Applied)

	rows, err := a.FetchRows(ctx, "widgets", []string{"is_visible"}, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows[1][0])
}

func TestUpContinuesPastExistingObjects(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	seedWidgets(t, a)
	const (
		view    = "CREATE VIEW named_widgets AS SELECT id, name FROM widgets;"
		trigger = "CREATE TRIGGER widgets_audit AFTER INSERT ON widgets BEGIN SELECT 1; END;"
	)
	mustExec(t, a, view, trigger)

	r := newRunner(t, a, unit("001_widget_views",
		view+"\n"+trigger+"\nINSERT INTO widgets (id, name) VALUES (3, 'pricing');", ""))
	res, err := r.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []string{"001_widget_views"}, res.Applied)
	assert.Equal(t, []string{"001_widget_views"}, historyKeys(t, a))

	n, err := a.CountRows(ctx, "widgets")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestUpReplacesFailedHistoryRow(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	require.NoError(t, a.EnsureHistoryTable(ctx))
	require.NoError(t, a.RecordHistory(ctx, db.HistoryRecord{Filename: "001_a", Status: db.StatusFailed}))

	r := newRunner(t, a, unit("001_a", "CREATE TABLE a (id INTEGER);", ""))
	res, err := r.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a"}, res.Applied)

	hist, err := a.FetchHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, db.StatusCompleted, hist[0].Status)
}

func TestRollbackRestoresColumns(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	seedWidgets(t, a)
	before, err := a.TableColumns(ctx, "widgets")
	require.NoError(t, err)

	r := newRunner(t, a, unit("001_add_widget_visibility", addVisibility, "ALTER TABLE widgets DROP COLUMN is_visible;"))
	_, err = r.Up(ctx)
	require.NoError(t, err)

	res, err := r.Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, "001_add_widget_visibility", res.Unit)

	after, err := a.TableColumns(ctx, "widgets")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, historyKeys(t, a))

	_, err = r.Rollback(ctx)
	assert.ErrorIs(t, err, ErrNothingToRollback)
}

func TestRollbackOneLevelPerCall(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	r := newRunner(t, a,
		unit("001_a", "CREATE TABLE a (id INTEGER);", "DROP TABLE a;"),
		unit("002_b", "CREATE TABLE b (id INTEGER);", "DROP TABLE b;"),
	)
	_, err := r.Up(ctx)
	require.NoError(t, err)

	res, err := r.Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, "002_b", res.Unit)
	assert.Equal(t, []string{"001_a"}, historyKeys(t, a))

	tables, err := a.ListTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "a")
	assert.NotContains(t, tables, "b")
}

func TestRollbackErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no reverse batch", func(t *testing.T) {
		a := testAdapter(t)
		r := newRunner(t, a, unit("001_a", "CREATE TABLE a (id INTEGER);", "-- requires manual intervention\n"))
		_, err := r.Up(ctx)
		require.NoError(t, err)

		_, err = r.Rollback(ctx)
		assert.ErrorIs(t, err, ErrNoReverse)
		assert.Equal(t, []string{"001_a"}, historyKeys(t, a))
	})

	t.Run("unit not in registry", func(t *testing.T) {
		a := testAdapter(t)
		require.NoError(t, a.EnsureHistoryTable(ctx))
		require.NoError(t, a.RecordHistory(ctx, db.HistoryRecord{Filename: "999_removed"}))

		r := newRunner(t, a, unit("001_a", "SELECT 1;", ""))
		_, err := r.Rollback(ctx)
		assert.ErrorIs(t, err, ErrUnknownUnit)
	})

	t.Run("empty history", func(t *testing.T) {
		r := newRunner(t, testAdapter(t), unit("001_a", "SELECT 1;", ""))
		_, err := r.Rollback(ctx)
		assert.ErrorIs(t, err, ErrNothingToRollback)
	})
}

func TestStatusAndPending(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	require.NoError(t, a.EnsureHistoryTable(ctx))
	require.NoError(t, a.RecordHistory(ctx, db.HistoryRecord{Filename: "000_retired"}))

	r := newRunner(t, a,
		unit("001_a", "CREATE TABLE a (id INTEGER);", ""),
		unit("002_b", "CREATE TABLE b (id INTEGER);", ""),
	)

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = r.Up(ctx)
	require.NoError(t, err)

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Applied, 3)
	assert.Empty(t, st.Pending)
	assert.Equal(t, []string{"000_retired"}, st.Missing)
}

func TestStatusDoesNotCreateHistoryTable(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	r := newRunner(t, a,
		unit("001_a", "CREATE TABLE a (id INTEGER);", ""),
		unit("002_b", "CREATE TABLE b (id INTEGER);", ""),
	)

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Applied)
	assert.Len(t, st.Pending, 2)

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	tables, err := a.ListTables(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tables, db.HistoryTable)
}

func TestUpHonorsCancelledContext(t *testing.T) {
	a := testAdapter(t)
	r := newRunner(t, a, unit("001_a", "CREATE TABLE a (id INTEGER);", ""))
	require.NoError(t, a.EnsureHistoryTable(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Up(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbeddedUnitsRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	reg, err := registry.Embedded()
	require.NoError(t, err)
	r := New(a, reg, zerolog.Nop())

	res, err := r.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, reg.Keys(), res.Applied)
	assert.Contains(t, columnNames(t, a, "homepage_sections_config"), "is_visible")
	assert.Contains(t, columnNames(t, a, "cached_services"), "display_order")

	n, err := a.CountRows(ctx, "homepage_sections_config")
	require.NoError(t, err)
	assert.EqualValues(t, 8, n)

	again, err := r.Up(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Applied)

	for range reg.Keys() {
		_, err := r.Rollback(ctx)
		require.NoError(t, err)
	}
	tables, err := a.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{db.HistoryTable}, tables)
}
