package httpserver

import (
	"context"
	"net/http"
	"time"
)

type pinger interface {
	Provider() string
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	DB pinger
}

type healthResponse struct {
	Status   string `json:"status"`
	DB       string `json:"db"`
	Provider string `json:"provider"`
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.DB.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unhealthy", "database unreachable")
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		DB:       "ok",
		Provider: h.DB.Provider(),
	})
}
