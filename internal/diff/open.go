package diff

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"cms_migrator_syncer/internal/config"
	"cms_migrator_syncer/internal/db"
)

// RunConfigured opens both sides described by cfg, runs one comparison pass
// and closes them again. SQLite files are opened read-only.
func RunConfigured(ctx context.Context, cfg config.CompareConfig, logger zerolog.Logger) (*Report, error) {
	source, target, err := openPair(cfg)
	if err != nil {
		return nil, err
	}
	defer source.Close()
	defer target.Close()

	c := NewComparator(source, target, Options{
		KeyColumn:     cfg.KeyColumn,
		ExcludeTables: cfg.ExcludeTables,
		RequireKey:    cfg.RequireKey,
		SourceLabel:   label(cfg.Source, "source"),
		TargetLabel:   label(cfg.Target, "target"),
	}, logger)
	return c.Run(ctx)
}

// SchemasConfigured compares only the table structure of both sides.
func SchemasConfigured(ctx context.Context, cfg config.CompareConfig) (SchemaDiff, error) {
	source, target, err := openPair(cfg)
	if err != nil {
		return SchemaDiff{}, err
	}
	defer source.Close()
	defer target.Close()

	var srcSchema, tgtSchema db.Schema
	err = both(ctx,
		func(ctx context.Context) (err error) {
			srcSchema, err = source.FetchSchema(ctx)
			return err
		},
		func(ctx context.Context) (err error) {
			tgtSchema, err = target.FetchSchema(ctx)
			return err
		})
	if err != nil {
		return SchemaDiff{}, err
	}
	excluded := excludeSet(cfg.ExcludeTables)
	for _, tables := range []map[string]db.Table{srcSchema.Tables, tgtSchema.Tables} {
		for name := range tables {
			if excluded[strings.ToLower(name)] {
				delete(tables, name)
			}
		}
	}
	return Compare(srcSchema, tgtSchema), nil
}

func openPair(cfg config.CompareConfig) (db.Adapter, db.Adapter, error) {
	if cfg.Source.DSN == "" || cfg.Target.DSN == "" {
		return nil, nil, fmt.Errorf("comparison needs both a source and a target database")
	}
	source, err := db.Open(readOnly(cfg.Source))
	if err != nil {
		return nil, nil, fmt.Errorf("open source: %w", err)
	}
	target, err := db.Open(readOnly(cfg.Target))
	if err != nil {
		_ = source.Close()
		return nil, nil, fmt.Errorf("open target: %w", err)
	}
	return source, target, nil
}

func readOnly(c config.DBConfig) config.DBConfig {
	if c.Provider == "" || strings.EqualFold(c.Provider, "sqlite") {
		c.ReadOnly = true
	}
	return c
}

// label names a side in the report without exposing server credentials.
func label(c config.DBConfig, fallback string) string {
	if c.Provider == "" || strings.EqualFold(c.Provider, "sqlite") {
		return c.DSN
	}
	return c.Provider + " " + fallback
}
