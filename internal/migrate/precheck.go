package migrate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"cms_migrator_syncer/internal/db"
)

const ident = "(?:\"(?:[^\"]|\"\")+\"|`[^`]+`|\\[[^\\]]+\\]|[A-Za-z_][A-Za-z0-9_$]*)"

const qualified = `(?:` + ident + `\s*\.\s*)?(` + ident + `)`

var (
	reAddColumn   = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+` + qualified + `\s+ADD\s+(?:COLUMN\s+)?(` + ident + `)`)
	reDropColumn  = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+` + qualified + `\s+DROP\s+(?:COLUMN\s+)?(IF\s+EXISTS\s+)?(` + ident + `)`)
	reCreateTable = regexp.MustCompile(`(?is)^CREATE\s+(?:TEMP\s+|TEMPORARY\s+)?TABLE\s+(IF\s+NOT\s+EXISTS\s+)?` + qualified)
	reCreateIndex = regexp.MustCompile(`(?is)^CREATE\s+(?:UNIQUE\s+)?INDEX\s+(IF\s+NOT\s+EXISTS\s+)?` + qualified)
	reDropTable   = regexp.MustCompile(`(?is)^DROP\s+TABLE\s+(IF\s+EXISTS\s+)?` + qualified)
	reDropIndex   = regexp.MustCompile(`(?is)^DROP\s+INDEX\s+(IF\s+EXISTS\s+)?` + qualified)
)

// words that follow ADD/DROP in ALTER TABLE but do not name a column
var constraintWords = map[string]bool{
	"CONSTRAINT": true,
	"PRIMARY":    true,
	"UNIQUE":     true,
	"FOREIGN":    true,
	"CHECK":      true,
	"INDEX":      true,
	"KEY":        true,
}

// CheckPrecondition inspects the live schema and reports whether stmt has
// nothing left to do: the column it adds already exists, the table it drops is
// already gone, and so on. Statements it does not recognize always run.
func CheckPrecondition(ctx context.Context, a db.Adapter, stmt string) (reason string, skip bool, err error) {
	if m := reAddColumn.FindStringSubmatch(stmt); m != nil {
		table, col := unquoteIdent(m[1]), unquoteIdent(m[2])
		if constraintWords[strings.ToUpper(col)] {
			return "", false, nil
		}
		exists, err := columnExists(ctx, a, table, col)
		if err != nil || !exists {
			return "", false, err
		}
		return fmt.Sprintf("column %s.%s already exists", table, col), true, nil
	}

	if m := reDropColumn.FindStringSubmatch(stmt); m != nil {
		table, col := unquoteIdent(m[1]), unquoteIdent(m[3])
		if m[2] != "" || constraintWords[strings.ToUpper(col)] {
			return "", false, nil
		}
		exists, err := columnExists(ctx, a, table, col)
		if err != nil || exists {
			return "", false, err
		}
		return fmt.Sprintf("column %s.%s does not exist", table, col), true, nil
	}

	if m := reCreateTable.FindStringSubmatch(stmt); m != nil {
		if m[1] != "" {
			return "", false, nil
		}
		table := unquoteIdent(m[2])
		exists, err := tableExists(ctx, a, table)
		if err != nil || !exists {
			return "", false, err
		}
		return fmt.Sprintf("table %s already exists", table), true, nil
	}

	if m := reCreateIndex.FindStringSubmatch(stmt); m != nil {
		if m[1] != "" {
			return "", false, nil
		}
		index := unquoteIdent(m[2])
		exists, err := a.HasIndex(ctx, index)
		if err != nil || !exists {
			return "", false, err
		}
		return fmt.Sprintf("index %s already exists", index), true, nil
	}

	if m := reDropTable.FindStringSubmatch(stmt); m != nil {
		if m[1] != "" {
			return "", false, nil
		}
		table := unquoteIdent(m[2])
		exists, err := tableExists(ctx, a, table)
		if err != nil || exists {
			return "", false, err
		}
		return fmt.Sprintf("table %s does not exist", table), true, nil
	}

	if m := reDropIndex.FindStringSubmatch(stmt); m != nil {
		if m[1] != "" {
			return "", false, nil
		}
		index := unquoteIdent(m[2])
		exists, err := a.HasIndex(ctx, index)
		if err != nil || exists {
			return "", false, err
		}
		return fmt.Sprintf("index %s does not exist", index), true, nil
	}

	return "", false, nil
}

func columnExists(ctx context.Context, a db.Adapter, table, column string) (bool, error) {
	cols, err := a.TableColumns(ctx, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, column) {
			return true, nil
		}
	}
	return false, nil
}

func tableExists(ctx context.Context, a db.Adapter, table string) (bool, error) {
	tables, err := a.ListTables(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if strings.EqualFold(t, table) {
			return true, nil
		}
	}
	return false, nil
}

func unquoteIdent(s string) string {
	if len(s) < 2 {
		return s
	}
	switch {
	case s[0] == '"' && s[len(s)-1] == '"':
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	case s[0] == '`' && s[len(s)-1] == '`':
		return s[1 : len(s)-1]
	case s[0] == '[' && s[len(s)-1] == ']':
		return s[1 : len(s)-1]
	}
	return s
}
