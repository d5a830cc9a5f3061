// Package diff compares two CMS databases: schemas by name, and tables by
// position, row count and keyed cell values.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"cms_migrator_syncer/internal/db"
)

// SchemaDiff describes name-keyed differences between two whole schemas.
type SchemaDiff struct {
	OnlyInSource []string
	OnlyInTarget []string
	Tables       map[string]TableDiff
}

// TableDiff captures per-table differences.
type TableDiff struct {
	OnlyInSource     []string
	OnlyInTarget     []string
	Changed          []ColumnChange
	PrimaryKeySource []string
	PrimaryKeyTarget []string
	PrimaryKeyDiff   bool
}

// ColumnChange marks a column present on both sides with different attributes.
type ColumnChange struct {
	Name   string
	Source db.Column
	Target db.Column
}

// Compare builds a diff between the source and target schemas. Columns are
// matched by name, so a reordered table is not reported here.
func Compare(source, target db.Schema) SchemaDiff {
	res := SchemaDiff{
		Tables: map[string]TableDiff{},
	}

	srcTables := sortedKeys(source.Tables)
	tgtTables := sortedKeys(target.Tables)

	res.OnlyInSource = difference(srcTables, tgtTables)
	res.OnlyInTarget = difference(tgtTables, srcTables)

	for _, name := range srcTables {
		tableTgt, ok := target.Tables[name]
		if !ok {
			continue
		}
		tableSrc := source.Tables[name]

		td := TableDiff{
			PrimaryKeySource: append([]string{}, tableSrc.PrimaryKey...),
			PrimaryKeyTarget: append([]string{}, tableTgt.PrimaryKey...),
		}
		td.PrimaryKeyDiff = !equalStringSlices(tableSrc.PrimaryKey, tableTgt.PrimaryKey)

		colsSrc := columnsByName(tableSrc.Columns)
		colsTgt := columnsByName(tableTgt.Columns)
		td.OnlyInSource = difference(sortedKeys(colsSrc), sortedKeys(colsTgt))
		td.OnlyInTarget = difference(sortedKeys(colsTgt), sortedKeys(colsSrc))

		for _, colSrc := range tableSrc.Columns {
			colTgt, ok := colsTgt[colSrc.Name]
			if !ok {
				continue
			}
			if !columnsEqual(colSrc, colTgt) {
				td.Changed = append(td.Changed, ColumnChange{Name: colSrc.Name, Source: colSrc, Target: colTgt})
			}
		}
		if td.PrimaryKeyDiff || len(td.OnlyInSource) > 0 || len(td.OnlyInTarget) > 0 || len(td.Changed) > 0 {
			res.Tables[name] = td
		}
	}
	return res
}

// columnsEqual ignores position. Types compare case-insensitively and
// defaults are null-normalized.
func columnsEqual(a, b db.Column) bool {
	return strings.EqualFold(a.Type, b.Type) &&
		a.NotNull == b.NotNull &&
		(a.PrimaryKey > 0) == (b.PrimaryKey > 0) &&
		normalizeDefault(a) == normalizeDefault(b)
}

func normalizeDefault(c db.Column) string {
	if !c.Default.Valid {
		return ""
	}
	v := strings.TrimSpace(c.Default.String)
	if strings.EqualFold(v, "NULL") {
		return ""
	}
	return v
}

// Describe returns a human-readable summary of differences.
func Describe(d SchemaDiff) string {
	if !d.HasChanges() {
		return "schemas match"
	}

	var lines []string
	if len(d.OnlyInSource) > 0 {
		lines = append(lines, fmt.Sprintf("Tables only in source: %s", strings.Join(d.OnlyInSource, ", ")))
	}
	if len(d.OnlyInTarget) > 0 {
		lines = append(lines, fmt.Sprintf("Tables only in target: %s", strings.Join(d.OnlyInTarget, ", ")))
	}

	for _, name := range sortedKeys(d.Tables) {
		td := d.Tables[name]
		if len(td.OnlyInSource) > 0 {
			lines = append(lines, fmt.Sprintf("Table %s: columns only in source: %s", name, strings.Join(td.OnlyInSource, ", ")))
		}
		if len(td.OnlyInTarget) > 0 {
			lines = append(lines, fmt.Sprintf("Table %s: columns only in target: %s", name, strings.Join(td.OnlyInTarget, ", ")))
		}
		for _, ch := range td.Changed {
			lines = append(lines, fmt.Sprintf("Table %s column %s differs (source: %s NOT NULL:%v DEFAULT:%s | target: %s NOT NULL:%v DEFAULT:%s)",
				name,
				ch.Name,
				ch.Source.Type, ch.Source.NotNull, normalizeDefault(ch.Source),
				ch.Target.Type, ch.Target.NotNull, normalizeDefault(ch.Target)))
		}
		if td.PrimaryKeyDiff {
			lines = append(lines, fmt.Sprintf("Table %s primary key differs (source: %v | target: %v)", name, td.PrimaryKeySource, td.PrimaryKeyTarget))
		}
	}
	return strings.Join(lines, "\n")
}

// HasChanges reports whether the diff contains meaningful differences.
func (d SchemaDiff) HasChanges() bool {
	return len(d.OnlyInSource) > 0 || len(d.OnlyInTarget) > 0 || len(d.Tables) > 0
}

func columnsByName(cols []db.Column) map[string]db.Column {
	out := make(map[string]db.Column, len(cols))
	for _, c := range cols {
		out[c.Name] = c
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func difference(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
