package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPrecondition(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t)
	mustExec(t, a,
		`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT, is_visible INTEGER DEFAULT 1)`,
		`CREATE INDEX idx_widgets_name ON widgets(name)`,
	)

	tests := []struct {
		stmt string
		skip bool
	}{
		{`ALTER TABLE widgets ADD COLUMN is_visible INTEGER DEFAULT 1`, true},
		{`alter table "widgets" add "IS_VISIBLE" integer`, true},
		{`ALTER TABLE widgets ADD is_new INTEGER`, false},
		{`ALTER TABLE main.widgets ADD COLUMN [name] TEXT`, true},
		{`ALTER TABLE widgets DROP COLUMN gone`, true},
		{`ALTER TABLE widgets DROP COLUMN name`, false},
		{`CREATE TABLE widgets (id INTEGER)`, true},
		{`CREATE TABLE IF NOT EXISTS widgets (id INTEGER)`, false},
		{`CREATE TEMP TABLE scratch (id INTEGER)`, false},
		{`CREATE UNIQUE INDEX idx_widgets_name ON widgets(name)`, true},
		{`CREATE INDEX idx_other ON widgets(id)`, false},
		{`DROP TABLE gone`, true},
		{`DROP TABLE widgets`, false},
		{`DROP TABLE IF EXISTS gone`, false},
		{`DROP INDEX idx_gone`, true},
		{`DROP INDEX idx_widgets_name`, false},
		{`UPDATE widgets SET is_visible = 1`, false},
		{`ALTER TABLE widgets ADD CONSTRAINT pk PRIMARY KEY (id)`, false},
	}

	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			reason, skip, err := CheckPrecondition(ctx, a, tt.stmt)
			require.NoError(t, err)
			assert.Equal(t, tt.skip, skip)
			if skip {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestUnquoteIdent(t *testing.T) {
	assert.Equal(t, `a"b`, unquoteIdent(`"a""b"`))
	assert.Equal(t, "col", unquoteIdent("`col`"))
	assert.Equal(t, "col", unquoteIdent("[col]"))
	assert.Equal(t, "col", unquoteIdent("col"))
}
