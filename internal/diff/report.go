package diff

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"cms_migrator_syncer/internal/db"
)

// Difference kinds.
const (
	KindMissingRow    = "missing_row"
	KindExtraRow      = "extra_row"
	KindFieldMismatch = "field_mismatch"
)

// Table data statuses.
const (
	StatusOK      = "ok"
	StatusIssues  = "issues"
	StatusSkipped = "skipped"
)

// DisplayWidth is the rune limit for values in Describe output. Reports
// written to disk keep full values.
const DisplayWidth = 50

// RowDifference is one discrepancy between corresponding rows. ID is the
// row's key value. Column and the two values are set for field mismatches;
// Row carries the whole unmatched row for missing and extra rows.
type RowDifference struct {
	Kind        string         `json:"kind"`
	ID          any            `json:"id"`
	Column      string         `json:"column,omitempty"`
	SourceValue any            `json:"source_value"`
	TargetValue any            `json:"target_value"`
	Row         map[string]any `json:"row,omitempty"`
}

type TableSets struct {
	MissingInTarget []string `json:"missing_in_target"`
	MissingInSource []string `json:"missing_in_source"`
	Compared        []string `json:"compared"`
}

type SchemaMismatch struct {
	Source  []db.Column `json:"source"`
	Target  []db.Column `json:"target"`
	Reasons []string    `json:"reasons"`
}

type RowCount struct {
	Source int64 `json:"source"`
	Target int64 `json:"target"`
}

type TableResult struct {
	Status         string          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	RowsChecked    int             `json:"rows_checked"`
	ColumnsChecked int             `json:"columns_checked"`
	DuplicateKeys  int             `json:"duplicate_keys,omitempty"`
	Issues         []RowDifference `json:"issues,omitempty"`
}

// Report is the result of one comparison pass.
type Report struct {
	Source      string                    `json:"source"`
	Target      string                    `json:"target"`
	KeyColumn   string                    `json:"key_column"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Tables      TableSets                 `json:"tables"`
	Schemas     map[string]SchemaMismatch `json:"schemas"`
	RowCounts   map[string]RowCount       `json:"row_counts"`
	Data        map[string]*TableResult   `json:"data"`
}

type Summary struct {
	TablesMissingInTarget int `json:"tables_missing_in_target"`
	TablesMissingInSource int `json:"tables_missing_in_source"`
	SchemaMismatches      int `json:"schema_mismatches"`
	RowCountMismatches    int `json:"row_count_mismatches"`
	TablesWithIssues      int `json:"tables_with_issues"`
	SkippedTables         int `json:"skipped_tables"`
	MissingRows           int `json:"missing_rows"`
	ExtraRows             int `json:"extra_rows"`
	FieldMismatches       int `json:"field_mismatches"`
}

func (s Summary) String() string {
	return fmt.Sprintf("missing_tables=%d extra_tables=%d schema_mismatches=%d row_count_mismatches=%d missing_rows=%d extra_rows=%d field_mismatches=%d skipped_tables=%d",
		s.TablesMissingInTarget, s.TablesMissingInSource, s.SchemaMismatches, s.RowCountMismatches,
		s.MissingRows, s.ExtraRows, s.FieldMismatches, s.SkippedTables)
}

func newReport(source, target, key string, now time.Time) *Report {
	return &Report{
		Source:      source,
		Target:      target,
		KeyColumn:   key,
		GeneratedAt: now,
		Tables: TableSets{
			MissingInTarget: []string{},
			MissingInSource: []string{},
			Compared:        []string{},
		},
		Schemas:   map[string]SchemaMismatch{},
		RowCounts: map[string]RowCount{},
		Data:      map[string]*TableResult{},
	}
}

// HasDifferences reports whether anything differs. Skipped tables are not
// differences.
func (r *Report) HasDifferences() bool {
	s := r.Summary()
	return s.TablesMissingInTarget > 0 ||
		s.TablesMissingInSource > 0 ||
		s.SchemaMismatches > 0 ||
		s.RowCountMismatches > 0 ||
		s.TablesWithIssues > 0
}

func (r *Report) Summary() Summary {
	s := Summary{
		TablesMissingInTarget: len(r.Tables.MissingInTarget),
		TablesMissingInSource: len(r.Tables.MissingInSource),
		SchemaMismatches:      len(r.Schemas),
		RowCountMismatches:    len(r.RowCounts),
	}
	for _, tr := range r.Data {
		switch tr.Status {
		case StatusSkipped:
			s.SkippedTables++
		case StatusIssues:
			s.TablesWithIssues++
		}
		for _, issue := range tr.Issues {
			switch issue.Kind {
			case KindMissingRow:
				s.MissingRows++
			case KindExtraRow:
				s.ExtraRows++
			case KindFieldMismatch:
				s.FieldMismatches++
			}
		}
	}
	return s
}

type reportFile struct {
	Summary Summary `json:"summary"`
	*Report
}

// WriteFile stores the report as indented JSON with untruncated values.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(reportFile{Summary: r.Summary(), Report: r}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

// Describe renders the report for a terminal. At most maxIssuesPerTable row
// differences are listed per table; zero or less lists them all.
func (r *Report) Describe(maxIssuesPerTable int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Comparing %s -> %s\n", r.Source, r.Target)

	if len(r.Tables.MissingInTarget) > 0 {
		fmt.Fprintf(&b, "Tables missing in target: %s\n", strings.Join(r.Tables.MissingInTarget, ", "))
	}
	if len(r.Tables.MissingInSource) > 0 {
		fmt.Fprintf(&b, "Tables missing in source: %s\n", strings.Join(r.Tables.MissingInSource, ", "))
	}
	for _, name := range sortedKeys(r.Schemas) {
		fmt.Fprintf(&b, "Schema mismatch in %s:\n", name)
		for _, reason := range r.Schemas[name].Reasons {
			fmt.Fprintf(&b, "  %s\n", reason)
		}
	}
	for _, name := range sortedKeys(r.RowCounts) {
		rc := r.RowCounts[name]
		fmt.Fprintf(&b, "Row count mismatch in %s: source=%d target=%d\n", name, rc.Source, rc.Target)
	}

	for _, name := range sortedKeys(r.Data) {
		tr := r.Data[name]
		switch tr.Status {
		case StatusSkipped:
			fmt.Fprintf(&b, "Table %s: skipped (%s)\n", name, tr.Reason)
			continue
		case StatusOK:
			continue
		}
		fmt.Fprintf(&b, "Table %s: %d issue(s)\n", name, len(tr.Issues))
		for i, issue := range tr.Issues {
			if maxIssuesPerTable > 0 && i >= maxIssuesPerTable {
				fmt.Fprintf(&b, "  ... and %d more\n", len(tr.Issues)-i)
				break
			}
			b.WriteString("  " + describeIssue(r.KeyColumn, issue) + "\n")
		}
	}

	if !r.HasDifferences() {
		b.WriteString("No differences found\n")
	}
	fmt.Fprintf(&b, "Summary: %s\n", r.Summary())
	return b.String()
}

func describeIssue(key string, d RowDifference) string {
	id := fmt.Sprintf("%s=%s", key, formatValue(d.ID))
	switch d.Kind {
	case KindFieldMismatch:
		return fmt.Sprintf("%s %s column %s: source %s, target %s",
			d.Kind, id, d.Column, formatValue(d.SourceValue), formatValue(d.TargetValue))
	default:
		return fmt.Sprintf("%s %s", d.Kind, id)
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return strconv.Quote(truncate(t, DisplayWidth))
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(t))
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return truncate(fmt.Sprintf("%v", t), DisplayWidth)
	}
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
