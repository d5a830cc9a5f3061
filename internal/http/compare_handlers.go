package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"cms_migrator_syncer/internal/diff"
)

// CompareFunc runs one comparison pass.
type CompareFunc func(ctx context.Context) (*diff.Report, error)

// DefaultCompareTimeout bounds a shared comparison pass.
const DefaultCompareTimeout = 5 * time.Minute

type CompareHandler struct {
	compare CompareFunc
	timeout time.Duration
	logger  zerolog.Logger
	group   singleflight.Group
}

func NewCompareHandler(compare CompareFunc, timeout time.Duration, logger zerolog.Logger) *CompareHandler {
	if timeout <= 0 {
		timeout = DefaultCompareTimeout
	}
	return &CompareHandler{compare: compare, timeout: timeout, logger: logger}
}

type compareResponse struct {
	HasDifferences bool         `json:"has_differences"`
	Summary        diff.Summary `json:"summary"`
	Report         *diff.Report `json:"report"`
}

// Run executes the configured comparison. Concurrent requests share a single
// pass. The pass is bounded by the handler timeout, not by any one request,
// so a client that disconnects only abandons its own wait.
func (h *CompareHandler) Run(w http.ResponseWriter, r *http.Request) {
	if h.compare == nil {
		writeError(w, http.StatusNotFound, "compare_not_configured", "no comparison source and target configured")
		return
	}

	ch := h.group.DoChan("compare", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
		defer cancel()
		return h.compare(ctx)
	})

	var res singleflight.Result
	select {
	case <-r.Context().Done():
		h.logger.Warn().Err(r.Context().Err()).Msg("client left before comparison finished")
		return
	case res = <-ch:
	}

	if res.Err != nil {
		if errors.Is(res.Err, diff.ErrNoRowKey) {
			writeError(w, http.StatusUnprocessableEntity, "no_row_key", res.Err.Error())
			return
		}
		h.logger.Error().Err(res.Err).Msg("comparison failed")
		writeError(w, http.StatusInternalServerError, "compare_failed", res.Err.Error())
		return
	}

	report := res.Val.(*diff.Report)
	summary := report.Summary()
	h.logger.Info().Bool("shared", res.Shared).Str("summary", summary.String()).Msg("comparison finished")
	writeJSON(w, http.StatusOK, compareResponse{
		HasDifferences: report.HasDifferences(),
		Summary:        summary,
		Report:         report,
	})
}
