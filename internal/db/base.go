package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type dialect struct {
	name        string
	quote       func(string) string
	placeholder func(n int) string
	timeArg     func(time.Time) any
	benign      func(error) bool
	historyDDL  string
}

// base carries the queries every engine shares; only identifier quoting,
// placeholders and catalog lookups differ between providers.
type base struct {
	db      *sql.DB
	dialect dialect
}

func (b *base) Provider() string { return b.dialect.name }

func (b *base) Close() error { return b.db.Close() }

func (b *base) Ping(ctx context.Context) error { return b.db.PingContext(ctx) }

func (b *base) IsBenign(err error) bool {
	if err == nil {
		return false
	}
	return b.dialect.benign(err)
}

func (b *base) EnsureHistoryTable(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, b.dialect.historyDDL); err != nil && !b.IsBenign(err) {
		return fmt.Errorf("create %s: %w", HistoryTable, err)
	}
	return nil
}

// RecordHistory replaces any earlier row for the same filename so a unit that
// previously failed under older tooling is stored once, with a fresh id.
func (b *base) RecordHistory(ctx context.Context, rec HistoryRecord) error {
	p := b.dialect.placeholder
	table := b.dialect.quote(HistoryTable)
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusCompleted
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE filename = %s`, table, p(1)), rec.Filename); err != nil {
		return fmt.Errorf("clear history for %s: %w", rec.Filename, err)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (filename, executed_at, status, error_message) VALUES (%s, %s, %s, %s)`,
		table, p(1), p(2), p(3), p(4))
	if _, err := tx.ExecContext(ctx, stmt,
		rec.Filename,
		b.dialect.timeArg(rec.ExecutedAt),
		rec.Status,
		nullString(rec.ErrorMessage),
	); err != nil {
		return fmt.Errorf("insert history for %s: %w", rec.Filename, err)
	}
	return tx.Commit()
}

func (b *base) DeleteHistory(ctx context.Context, filename string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE filename = %s`, b.dialect.quote(HistoryTable), b.dialect.placeholder(1))
	res, err := b.db.ExecContext(ctx, stmt, filename)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no history record for %s", filename)
	}
	return nil
}

// FetchHistory returns history rows newest first. limit <= 0 returns all rows.
func (b *base) FetchHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	stmt := fmt.Sprintf(`SELECT id, filename, executed_at, status, error_message
FROM %s
ORDER BY executed_at DESC, id DESC`, b.dialect.quote(HistoryTable))
	var args []any
	if limit > 0 {
		stmt += " LIMIT " + b.dialect.placeholder(1)
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var (
			rec        HistoryRecord
			executedAt any
			status     sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Filename, &executedAt, &status, &rec.ErrorMessage); err != nil {
			return nil, err
		}
		rec.Status = StatusCompleted
		if status.Valid {
			rec.Status = status.String
		}
		rec.ExecutedAt, err = parseTimeValue(executedAt)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", rec.Filename, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *base) AppliedUnits(ctx context.Context) (map[string]bool, error) {
	stmt := fmt.Sprintf(`SELECT filename FROM %s WHERE status = %s`, b.dialect.quote(HistoryTable), b.dialect.placeholder(1))
	rows, err := b.db.QueryContext(ctx, stmt, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", HistoryTable, err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan applied unit: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (b *base) ExecStatement(ctx context.Context, stmt string) error {
	_, err := b.db.ExecContext(ctx, stmt)
	return err
}

func (b *base) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, b.dialect.quote(table))).Scan(&n)
	return n, err
}

func (b *base) FetchRows(ctx context.Context, table string, columns []string, orderBy string) ([]Row, error) {
	if len(columns) == 0 {
		return nil, errors.New("no columns requested")
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = b.dialect.quote(c)
	}
	stmt := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(quoted, ", "), b.dialect.quote(table))
	if orderBy != "" {
		stmt += " ORDER BY " + b.dialect.quote(orderBy)
	}
	rows, err := b.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row := make(Row, len(columns))
		ptrs := make([]any, len(columns))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range row {
			// drivers may reuse the scan buffer
			if bs, ok := v.([]byte); ok {
				row[i] = append([]byte(nil), bs...)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type introspector interface {
	ListTables(ctx context.Context) ([]string, error)
	TableColumns(ctx context.Context, table string) ([]Column, error)
}

func fetchSchema(ctx context.Context, in introspector) (Schema, error) {
	result := Schema{Tables: map[string]Table{}}
	tables, err := in.ListTables(ctx)
	if err != nil {
		return result, err
	}
	for _, name := range tables {
		cols, err := in.TableColumns(ctx, name)
		if err != nil {
			return result, fmt.Errorf("columns of %s: %w", name, err)
		}
		result.Tables[name] = Table{Name: name, Columns: cols, PrimaryKey: primaryKeyOf(cols)}
	}
	return result, nil
}

func primaryKeyOf(cols []Column) []string {
	var pk []Column
	for _, c := range cols {
		if c.PrimaryKey > 0 {
			pk = append(pk, c)
		}
	}
	out := make([]string, len(pk))
	for _, c := range pk {
		if c.PrimaryKey <= len(out) {
			out[c.PrimaryKey-1] = c.Name
		}
	}
	return out
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
}

func parseTimeValue(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTimeString(string(t))
	case string:
		return parseTimeString(t)
	case int64:
		return time.Unix(t, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func nullString(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}

func quoteDouble(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteBacktick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
