package diff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cms_migrator_syncer/internal/db"
)

// ErrNoRowKey is returned when Options.RequireKey is set and a common table
// lacks the key column on either side.
var ErrNoRowKey = errors.New("table has no row key column")

type Options struct {
	// KeyColumn matches rows across the two databases. Defaults to "id".
	KeyColumn     string
	ExcludeTables []string
	RequireKey    bool
	SourceLabel   string
	TargetLabel   string
}

// Comparator diffs two databases. It only reads from either side.
type Comparator struct {
	source  db.Adapter
	target  db.Adapter
	opts    Options
	exclude map[string]bool
	logger  zerolog.Logger
	now     func() time.Time
}

func NewComparator(source, target db.Adapter, opts Options, logger zerolog.Logger) *Comparator {
	if opts.KeyColumn == "" {
		opts.KeyColumn = "id"
	}
	if opts.SourceLabel == "" {
		opts.SourceLabel = "source"
	}
	if opts.TargetLabel == "" {
		opts.TargetLabel = "target"
	}
	exclude := excludeSet(opts.ExcludeTables)
	return &Comparator{
		source:  source,
		target:  target,
		opts:    opts,
		exclude: exclude,
		logger:  logger.With().Str("component", "compare").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs a full comparison pass. Any query error aborts the pass and no
// report is returned.
func (c *Comparator) Run(ctx context.Context) (*Report, error) {
	report := newReport(c.opts.SourceLabel, c.opts.TargetLabel, c.opts.KeyColumn, c.now())

	var srcTables, tgtTables []string
	err := both(ctx,
		func(ctx context.Context) (err error) {
			srcTables, err = c.source.ListTables(ctx)
			return err
		},
		func(ctx context.Context) (err error) {
			tgtTables, err = c.target.ListTables(ctx)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	srcTables, tgtTables = c.filter(srcTables), c.filter(tgtTables)

	if missing := difference(srcTables, tgtTables); missing != nil {
		report.Tables.MissingInTarget = missing
		c.logger.Warn().Strs("tables", missing).Msg("tables missing in target")
	}
	if extra := difference(tgtTables, srcTables); extra != nil {
		report.Tables.MissingInSource = extra
		c.logger.Warn().Strs("tables", extra).Msg("tables missing in source")
	}

	inTarget := make(map[string]bool, len(tgtTables))
	for _, t := range tgtTables {
		inTarget[t] = true
	}
	for _, table := range srcTables {
		if !inTarget[table] {
			continue
		}
		report.Tables.Compared = append(report.Tables.Compared, table)
		if err := c.compareTable(ctx, table, report); err != nil {
			return nil, fmt.Errorf("compare %s: %w", table, err)
		}
	}

	c.logger.Info().
		Int("tables", len(report.Tables.Compared)).
		Bool("differences", report.HasDifferences()).
		Msg("comparison finished")
	return report, nil
}

// excludeSet lowercases table names for case-insensitive matching.
func excludeSet(tables []string) map[string]bool {
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return set
}

func (c *Comparator) filter(tables []string) []string {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if strings.HasPrefix(strings.ToLower(t), "sqlite_") || c.exclude[strings.ToLower(t)] {
			continue
		}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Comparator) compareTable(ctx context.Context, table string, report *Report) error {
	log := c.logger.With().Str("table", table).Logger()

	var srcCols, tgtCols []db.Column
	err := both(ctx,
		func(ctx context.Context) (err error) {
			srcCols, err = c.source.TableColumns(ctx, table)
			return err
		},
		func(ctx context.Context) (err error) {
			tgtCols, err = c.target.TableColumns(ctx, table)
			return err
		})
	if err != nil {
		return fmt.Errorf("columns: %w", err)
	}
	if reasons := positionalDiff(srcCols, tgtCols); len(reasons) > 0 {
		report.Schemas[table] = SchemaMismatch{Source: srcCols, Target: tgtCols, Reasons: reasons}
		log.Warn().Strs("reasons", reasons).Msg("schema mismatch")
	}

	var srcCount, tgtCount int64
	err = both(ctx,
		func(ctx context.Context) (err error) {
			srcCount, err = c.source.CountRows(ctx, table)
			return err
		},
		func(ctx context.Context) (err error) {
			tgtCount, err = c.target.CountRows(ctx, table)
			return err
		})
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}
	if srcCount != tgtCount {
		report.RowCounts[table] = RowCount{Source: srcCount, Target: tgtCount}
		log.Warn().Int64("source", srcCount).Int64("target", tgtCount).Msg("row count mismatch")
	}

	columns := commonColumns(srcCols, tgtCols)
	keyIdx := indexOf(columns, c.opts.KeyColumn)
	if keyIdx < 0 {
		if c.opts.RequireKey {
			return fmt.Errorf("%w: %q missing from %s", ErrNoRowKey, c.opts.KeyColumn, table)
		}
		reason := fmt.Sprintf("no key column %q", c.opts.KeyColumn)
		report.Data[table] = &TableResult{Status: StatusSkipped, Reason: reason, ColumnsChecked: len(columns)}
		log.Warn().Str("reason", reason).Msg("data comparison skipped")
		return nil
	}

	var srcRows, tgtRows []db.Row
	err = both(ctx,
		func(ctx context.Context) (err error) {
			srcRows, err = c.source.FetchRows(ctx, table, columns, c.opts.KeyColumn)
			return err
		},
		func(ctx context.Context) (err error) {
			tgtRows, err = c.target.FetchRows(ctx, table, columns, c.opts.KeyColumn)
			return err
		})
	if err != nil {
		return fmt.Errorf("fetch rows: %w", err)
	}

	result := diffRows(columns, keyIdx, srcRows, tgtRows)
	report.Data[table] = result
	if result.DuplicateKeys > 0 {
		log.Warn().Int("duplicates", result.DuplicateKeys).Msg("duplicate key values; first row wins")
	}
	log.Info().
		Int("rows", result.RowsChecked).
		Int("columns", result.ColumnsChecked).
		Int("issues", len(result.Issues)).
		Msg("table compared")
	return nil
}

// both runs the source and target halves of a step concurrently and waits for
// the pair.
func both(ctx context.Context, src, tgt func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return src(gctx) })
	g.Go(func() error { return tgt(gctx) })
	return g.Wait()
}

// positionalDiff compares columns slot by slot, as PRAGMA table_info lists them.
func positionalDiff(src, tgt []db.Column) []string {
	var reasons []string
	if len(src) != len(tgt) {
		reasons = append(reasons, fmt.Sprintf("column count differs: source %d, target %d", len(src), len(tgt)))
	}
	n := min(len(src), len(tgt))
	for i := 0; i < n; i++ {
		a, b := src[i], tgt[i]
		switch {
		case a.Name != b.Name:
			reasons = append(reasons, fmt.Sprintf("position %d: name %s vs %s", i, a.Name, b.Name))
		case a.Type != b.Type:
			reasons = append(reasons, fmt.Sprintf("column %s: type %s vs %s", a.Name, a.Type, b.Type))
		case a.NotNull != b.NotNull:
			reasons = append(reasons, fmt.Sprintf("column %s: not null %v vs %v", a.Name, a.NotNull, b.NotNull))
		case (a.PrimaryKey > 0) != (b.PrimaryKey > 0):
			reasons = append(reasons, fmt.Sprintf("column %s: primary key %v vs %v", a.Name, a.PrimaryKey > 0, b.PrimaryKey > 0))
		case normalizeDefault(a) != normalizeDefault(b):
			reasons = append(reasons, fmt.Sprintf("column %s: default %q vs %q", a.Name, normalizeDefault(a), normalizeDefault(b)))
		}
	}
	return reasons
}

// commonColumns returns the source column names that the target also has, in
// source order.
func commonColumns(src, tgt []db.Column) []string {
	inTarget := make(map[string]bool, len(tgt))
	for _, c := range tgt {
		inTarget[c.Name] = true
	}
	var out []string
	for _, c := range src {
		if inTarget[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func diffRows(columns []string, keyIdx int, srcRows, tgtRows []db.Row) *TableResult {
	result := &TableResult{
		Status:         StatusOK,
		RowsChecked:    len(srcRows),
		ColumnsChecked: len(columns),
	}

	target := make(map[string]db.Row, len(tgtRows))
	for _, row := range tgtRows {
		k := rowKey(row[keyIdx])
		if _, dup := target[k]; dup {
			result.DuplicateKeys++
			continue
		}
		target[k] = row
	}

	seen := make(map[string]bool, len(srcRows))
	for _, row := range srcRows {
		k := rowKey(row[keyIdx])
		if seen[k] {
			result.DuplicateKeys++
			continue
		}
		seen[k] = true

		other, ok := target[k]
		if !ok {
			result.Issues = append(result.Issues, RowDifference{
				Kind: KindMissingRow,
				ID:   row[keyIdx],
				Row:  rowMap(columns, row),
			})
			continue
		}
		for i, col := range columns {
			if i == keyIdx || valuesEqual(row[i], other[i]) {
				continue
			}
			result.Issues = append(result.Issues, RowDifference{
				Kind:        KindFieldMismatch,
				ID:          row[keyIdx],
				Column:      col,
				SourceValue: row[i],
				TargetValue: other[i],
			})
		}
	}

	for _, row := range tgtRows {
		k := rowKey(row[keyIdx])
		if seen[k] {
			continue
		}
		seen[k] = true
		result.Issues = append(result.Issues, RowDifference{
			Kind: KindExtraRow,
			ID:   row[keyIdx],
			Row:  rowMap(columns, row),
		})
	}

	if len(result.Issues) > 0 {
		result.Status = StatusIssues
	}
	return result
}

// rowKey identifies a key value across both sides. The dynamic type is part
// of the key, so 1 and "1" do not match.
func rowKey(v any) string {
	switch t := v.(type) {
	case nil:
		return "<nil>"
	case []byte:
		return "[]uint8|" + string(t)
	case time.Time:
		return "time|" + t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%T|%v", v, v)
	}
}

// valuesEqual is exact equality. The only coercion is that two NULLs match.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if !ta.Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

func rowMap(columns []string, row db.Row) map[string]any {
	m := make(map[string]any, len(columns))
	for i, col := range columns {
		m[col] = row[i]
	}
	return m
}
