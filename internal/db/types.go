package db

import (
	"database/sql"
	"time"

	"github.com/goccy/go-json"
)

// HistoryTable is the bookkeeping table shared by every engine.
const HistoryTable = "migration_history"

// History record statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Schema holds the introspected structure of a database.
type Schema struct {
	Tables map[string]Table
}

// Table describes a table and its columns in declaration order.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
}

// Column describes a table column.
type Column struct {
	Position   int
	Name       string
	Type       string
	NotNull    bool
	Default    sql.NullString
	PrimaryKey int
}

type columnJSON struct {
	Position   int     `json:"cid"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	NotNull    bool    `json:"notnull"`
	Default    *string `json:"dflt_value"`
	PrimaryKey int     `json:"pk"`
}

// MarshalJSON renders the column the way PRAGMA table_info reports it.
func (c Column) MarshalJSON() ([]byte, error) {
	return json.Marshal(columnJSON{
		Position:   c.Position,
		Name:       c.Name,
		Type:       c.Type,
		NotNull:    c.NotNull,
		Default:    c.DefaultValue(),
		PrimaryKey: c.PrimaryKey,
	})
}

// DefaultValue returns the default expression, or nil when the column has none.
func (c Column) DefaultValue() *string {
	if !c.Default.Valid {
		return nil
	}
	v := c.Default.String
	return &v
}

// HistoryRecord represents one row of the migration history table.
type HistoryRecord struct {
	ID           int64
	Filename     string
	ExecutedAt   time.Time
	Status       string
	ErrorMessage sql.NullString
}

// Row is a single fetched row, aligned with the column list it was queried with.
type Row []any
