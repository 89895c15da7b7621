package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/vex/internal/store"
	"github.com/MikeSquared-Agency/vex/internal/triage"
)

// maxReportBytes caps uploaded checker output.
const maxReportBytes = 16 << 20

type Server struct {
	router *chi.Mux
	port   int
	ctrl   *triage.Controller
	store  store.Store
	logger *slog.Logger
}

// NewServer exposes ctrl over HTTP. st may be nil; when set, the session is
// saved after every change.
func NewServer(port int, apiToken string, ctrl *triage.Controller, st store.Store, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		ctrl:   ctrl,
		store:  st,
		logger: logger,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1/session", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/", s.session)
		r.Post("/reports", s.ingest)
		r.Get("/current", s.current)
		r.Post("/advance", s.advance)
		r.Post("/verify", s.verifyAll)
		r.Get("/findings", s.findings)
		r.Route("/findings/{id}", func(r chi.Router) {
			r.Get("/", s.finding)
			r.Post("/fixed", s.markFixed)
			r.Post("/verify", s.verify)
			r.Post("/report", s.applyReport)
			r.Post("/explain", s.explain)
		})
	})

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// persist saves the session after a mutation. Failures are logged only.
func (s *Server) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	snap := s.ctrl.Snapshot()
	if err := s.store.Save(ctx, snap); err != nil {
		s.logger.Warn("failed to save session", "session_id", snap.ID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
