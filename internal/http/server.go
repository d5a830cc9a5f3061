package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"cms_migrator_syncer/internal/db"
	"cms_migrator_syncer/internal/migrate"
)

type Options struct {
	Addr string
	// AdminToken guards the state-changing routes. Empty disables them.
	AdminToken string
	// Compare runs the configured comparison. Nil disables /compare.
	Compare CompareFunc
	// CompareTimeout bounds one comparison pass. Zero means DefaultCompareTimeout.
	CompareTimeout time.Duration
}

type Server struct {
	opts             Options
	logger           zerolog.Logger
	adapter          db.Adapter
	migrationHandler *MigrationHandler
	compareHandler   *CompareHandler
}

func New(opts Options, adapter db.Adapter, runner *migrate.Runner, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "http").Logger()
	return &Server{
		opts:             opts,
		logger:           logger,
		adapter:          adapter,
		migrationHandler: NewMigrationHandler(runner, logger),
		compareHandler:   NewCompareHandler(opts.Compare, opts.CompareTimeout, logger),
	}
}

func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Bool("admin_routes", s.opts.AdminToken != "").Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info().Msg("http server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(RequestLogger(s.logger))

	r.Route("/api/v1", func(api chi.Router) {
		api.Method(http.MethodGet, "/health", HealthHandler{DB: s.adapter})

		api.Get("/migrations", s.migrationHandler.Status)
		api.Get("/migrations/pending", s.migrationHandler.Pending)
		api.Get("/compare", s.compareHandler.Run)

		// State-changing routes
		api.Group(func(admin chi.Router) {
			admin.Use(RequireToken(s.opts.AdminToken, s.logger))
			admin.Post("/migrations/up", s.migrationHandler.Up)
			admin.Post("/migrations/rollback", s.migrationHandler.Rollback)
		})
	})

	return r
}
