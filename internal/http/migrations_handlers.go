package httpserver

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cms_migrator_syncer/internal/migrate"
	"cms_migrator_syncer/internal/registry"
)

// MigrationHandler exposes the runner. Up and Rollback share one mutex so a
// single server never runs two of them at once.
type MigrationHandler struct {
	runner *migrate.Runner
	logger zerolog.Logger
	mu     sync.Mutex
}

func NewMigrationHandler(runner *migrate.Runner, logger zerolog.Logger) *MigrationHandler {
	return &MigrationHandler{runner: runner, logger: logger}
}

type historyView struct {
	Key          string    `json:"key"`
	ExecutedAt   time.Time `json:"executed_at"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type unitView struct {
	Key        string `json:"key"`
	Source     string `json:"source"`
	Reversible bool   `json:"reversible"`
}

type statusResponse struct {
	Applied []historyView `json:"applied"`
	Failed  []historyView `json:"failed"`
	Pending []unitView    `json:"pending"`
	Missing []string      `json:"missing"`
}

type runFailure struct {
	Error  errorDetail `json:"error"`
	Result any         `json:"result"`
}

func (h *MigrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.runner.Status(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("read migration status failed")
		writeError(w, http.StatusInternalServerError, "status_failed", "failed to read migration status")
		return
	}

	resp := statusResponse{
		Applied: []historyView{},
		Failed:  []historyView{},
		Pending: unitViews(st.Pending),
		Missing: []string{},
	}
	for _, rec := range st.Applied {
		resp.Applied = append(resp.Applied, historyView{Key: rec.Filename, ExecutedAt: rec.ExecutedAt, Status: rec.Status})
	}
	for _, rec := range st.Failed {
		resp.Failed = append(resp.Failed, historyView{
			Key:          rec.Filename,
			ExecutedAt:   rec.ExecutedAt,
			Status:       rec.Status,
			ErrorMessage: rec.ErrorMessage.String,
		})
	}
	resp.Missing = append(resp.Missing, st.Missing...)
	writeJSON(w, http.StatusOK, resp)
}

func (h *MigrationHandler) Pending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.runner.Pending(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("list pending units failed")
		writeError(w, http.StatusInternalServerError, "pending_failed", "failed to list pending migrations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": unitViews(pending)})
}

func (h *MigrationHandler) Up(w http.ResponseWriter, r *http.Request) {
	if !h.mu.TryLock() {
		writeError(w, http.StatusConflict, "busy", "another migration run is in progress")
		return
	}
	defer h.mu.Unlock()

	res, err := h.runner.Up(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Str("failed", res.Failed).Msg("migration run failed")
		writeJSON(w, http.StatusInternalServerError, runFailure{
			Error:  errorDetail{Code: "migration_failed", Message: err.Error()},
			Result: res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *MigrationHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	if !h.mu.TryLock() {
		writeError(w, http.StatusConflict, "busy", "another migration run is in progress")
		return
	}
	defer h.mu.Unlock()

	res, err := h.runner.Rollback(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, migrate.ErrNothingToRollback):
		writeError(w, http.StatusConflict, "nothing_to_rollback", err.Error())
	case errors.Is(err, migrate.ErrNoReverse):
		writeError(w, http.StatusConflict, "no_reverse", err.Error())
	case errors.Is(err, migrate.ErrUnknownUnit):
		writeError(w, http.StatusConflict, "unknown_unit", err.Error())
	default:
		h.logger.Error().Err(err).Str("unit", res.Unit).Msg("rollback failed")
		writeJSON(w, http.StatusInternalServerError, runFailure{
			Error:  errorDetail{Code: "rollback_failed", Message: err.Error()},
			Result: res,
		})
	}
}

func unitViews(units []registry.Unit) []unitView {
	out := make([]unitView, 0, len(units))
	for _, u := range units {
		out = append(out, unitView{Key: u.Key, Source: u.Source, Reversible: migrate.Reversible(u)})
	}
	return out
}
