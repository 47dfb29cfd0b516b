package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/galaxy/internal/config"
	"github.com/michaelbrown/galaxy/internal/runner"
)

// Server is the HTTP and websocket front end of the code runner.
type Server struct {
	cfg    config.ServerConfig
	sup    *runner.Supervisor
	langs  *runner.Languages
	hub    *Hub
	logger *zap.Logger
	router chi.Router
	http   *http.Server
}

// New creates a Server. hub must be the sink sup was built with so that run
// events reach the websocket clients.
func New(cfg config.ServerConfig, sup *runner.Supervisor, langs *runner.Languages, hub *Hub, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		sup:    sup,
		langs:  langs,
		hub:    hub,
		logger: logger.With(zap.String("component", "server")),
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Post("/run", s.handleRun)
		r.Get("/run", s.handleActiveRun)
		r.Post("/input", s.handleInput)
		r.Post("/stop", s.handleStop)

		r.Get("/languages", s.handleListLanguages)
	})

	if s.cfg.StaticDir != "" {
		r.Handle("/*", staticHandler(s.cfg.StaticDir))
	}
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("galaxy server starting", zap.String("addr", s.cfg.Addr()))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the active run, disconnects websocket clients and shuts the
// HTTP server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.sup.Shutdown()
	s.hub.CloseAll()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
