package migrate

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cms_migrator_syncer/internal/db"
	"cms_migrator_syncer/internal/registry"
)

// Runner applies registry units to one database and keeps its history table.
// It is not safe for concurrent use; callers serialize Up and Rollback.
type Runner struct {
	adapter  db.Adapter
	registry *registry.Registry
	logger   zerolog.Logger
	now      func() time.Time
}

type Result struct {
	RunID          uuid.UUID     `json:"run_id"`
	Applied        []string      `json:"applied"`
	AlreadyApplied int           `json:"already_applied"`
	Pending        int           `json:"pending"`
	Skipped        int           `json:"skipped_statements"`
	Failed         string        `json:"failed,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

type RollbackResult struct {
	RunID    uuid.UUID     `json:"run_id"`
	Unit     string        `json:"unit"`
	Skipped  int           `json:"skipped_statements"`
	Duration time.Duration `json:"duration_ns"`
}

// Status describes a database relative to the registry.
type Status struct {
	// Applied holds completed history records, newest first.
	Applied []db.HistoryRecord
	// Failed holds rows with status "failed" left by earlier tooling. Their
	// units count as pending.
	Failed  []db.HistoryRecord
	Pending []registry.Unit
	// Missing lists applied keys the registry no longer knows.
	Missing []string
}

func New(adapter db.Adapter, reg *registry.Registry, logger zerolog.Logger) *Runner {
	return &Runner{
		adapter:  adapter,
		registry: reg,
		logger:   logger.With().Str("component", "migrate").Str("provider", adapter.Provider()).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Up applies every pending unit in key order. The first statement error stops
// the run: the failing unit gets no history record and later units are not
// attempted. Statements that already ran in the failing unit stay applied.
func (r *Runner) Up(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.New(), Applied: []string{}}
	log := r.logger.With().Str("run_id", res.RunID.String()).Logger()
	defer func() { res.Duration = time.Since(start) }()

	if err := r.adapter.EnsureHistoryTable(ctx); err != nil {
		return res, err
	}
	applied, err := r.adapter.AppliedUnits(ctx)
	if err != nil {
		return res, err
	}

	pending := r.registry.Pending(applied)
	res.Pending = len(pending)
	res.AlreadyApplied = r.registry.Len() - len(pending)
	log.Info().Int("pending", res.Pending).Int("already_applied", res.AlreadyApplied).Msg("starting migration run")

	for _, unit := range pending {
		if err := ctx.Err(); err != nil {
			res.Failed = unit.Key
			return res, err
		}
		ulog := log.With().Str("unit", unit.Key).Logger()
		ulog.Info().Msg("applying unit")

		skipped, err := r.execBatch(ctx, ulog, unit.Key, unit.Up)
		res.Skipped += skipped
		if err != nil {
			res.Failed = unit.Key
			ulog.Error().Err(err).Msg("unit failed, stopping run")
			return res, fmt.Errorf("apply unit %s: %w", unit.Key, err)
		}

		rec := db.HistoryRecord{Filename: unit.Key, ExecutedAt: r.now(), Status: db.StatusCompleted}
		if err := r.adapter.RecordHistory(ctx, rec); err != nil {
			res.Failed = unit.Key
			return res, fmt.Errorf("record unit %s: %w", unit.Key, err)
		}
		res.Applied = append(res.Applied, unit.Key)
		ulog.Info().Int("skipped_statements", skipped).Msg("unit applied")
	}

	if len(pending) == 0 {
		log.Info().Msg("database is up to date")
	}
	return res, nil
}

// Rollback reverts the most recently applied unit and removes its history
// record. It reverts one unit per call.
func (r *Runner) Rollback(ctx context.Context) (*RollbackResult, error) {
	start := time.Now()
	res := &RollbackResult{RunID: uuid.New()}
	log := r.logger.With().Str("run_id", res.RunID.String()).Logger()
	defer func() { res.Duration = time.Since(start) }()

	if err := r.adapter.EnsureHistoryTable(ctx); err != nil {
		return res, err
	}
	history, err := r.adapter.FetchHistory(ctx, 0)
	if err != nil {
		return res, err
	}

	var last *db.HistoryRecord
	for i := range history {
		if history[i].Status == db.StatusCompleted {
			last = &history[i]
			break
		}
	}
	if last == nil {
		return res, ErrNothingToRollback
	}
	res.Unit = last.Filename

	unit, ok := r.registry.Get(last.Filename)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownUnit, last.Filename)
	}
	if !Reversible(unit) {
		return res, fmt.Errorf("%w: %s", ErrNoReverse, unit.Key)
	}

	ulog := log.With().Str("unit", unit.Key).Logger()
	ulog.Info().Msg("rolling back unit")
	skipped, err := r.execBatch(ctx, ulog, unit.Key, unit.Down)
	res.Skipped = skipped
	if err != nil {
		return res, fmt.Errorf("roll back unit %s: %w", unit.Key, err)
	}
	if err := r.adapter.DeleteHistory(ctx, unit.Key); err != nil {
		return res, fmt.Errorf("remove history for %s: %w", unit.Key, err)
	}
	ulog.Info().Int("skipped_statements", skipped).Msg("unit rolled back")
	return res, nil
}

// Status reads history without writing. A database that has no history
// table yet has nothing applied.
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	exists, err := r.historyExists(ctx)
	if err != nil {
		return nil, err
	}
	var history []db.HistoryRecord
	if exists {
		if history, err = r.adapter.FetchHistory(ctx, 0); err != nil {
			return nil, err
		}
	}

	st := &Status{}
	applied := make(map[string]bool, len(history))
	for _, rec := range history {
		if rec.Status != db.StatusCompleted {
			st.Failed = append(st.Failed, rec)
			continue
		}
		st.Applied = append(st.Applied, rec)
		applied[rec.Filename] = true
		if _, ok := r.registry.Get(rec.Filename); !ok {
			st.Missing = append(st.Missing, rec.Filename)
		}
	}
	st.Pending = r.registry.Pending(applied)
	return st, nil
}

func (r *Runner) Pending(ctx context.Context) ([]registry.Unit, error) {
	exists, err := r.historyExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return r.registry.Units(), nil
	}
	applied, err := r.adapter.AppliedUnits(ctx)
	if err != nil {
		return nil, err
	}
	return r.registry.Pending(applied), nil
}

func (r *Runner) historyExists(ctx context.Context) (bool, error) {
	tables, err := r.adapter.ListTables(ctx)
	if err != nil {
		return false, fmt.Errorf("list tables: %w", err)
	}
	for _, t := range tables {
		if strings.EqualFold(t, db.HistoryTable) {
			return true, nil
		}
	}
	return false, nil
}

// Reversible reports whether the unit's reverse batch contains any statement.
func Reversible(u registry.Unit) bool {
	return len(SplitStatements(u.Down)) > 0
}

// execBatch runs the statements of one batch in order and returns how many
// were skipped, either by the precondition check or as benign errors.
func (r *Runner) execBatch(ctx context.Context, log zerolog.Logger, key, batch string) (int, error) {
	statements := SplitStatements(batch)
	skipped := 0
	for i, stmt := range statements {
		n := i + 1
		reason, skip, err := CheckPrecondition(ctx, r.adapter, stmt)
		if err != nil {
			return skipped, &StatementError{Unit: key, Index: n, Statement: stmt, Err: fmt.Errorf("check precondition: %w", err)}
		}
		if skip {
			skipped++
			log.Info().Int("statement", n).Str("reason", reason).Msg("statement skipped")
			continue
		}

		if err := r.adapter.ExecStatement(ctx, stmt); err != nil {
			if r.adapter.IsBenign(err) {
				skipped++
				log.Warn().Err(err).Int("statement", n).Msg("ignoring error for existing object")
				continue
			}
			log.Error().Err(err).Int("statement", n).Str("sql", abbreviate(stmt, 120)).Msg("statement failed")
			return skipped, &StatementError{Unit: key, Index: n, Statement: stmt, Err: err}
		}
		log.Debug().Int("statement", n).Str("sql", abbreviate(stmt, 80)).Msg("statement executed")
	}
	return skipped, nil
}

func abbreviate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
