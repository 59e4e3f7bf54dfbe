package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /metrics for Prometheus scraping plus a small /torrents
// status endpoint for humans. It is otherwise a plain http.Server wrapped
// around a chi router, started/stopped by the caller.
type Server struct {
	log  *slog.Logger
	snap SnapshotFunc
}

// NewServer wires a chi router around fn. fn is reused for the
// human-readable /torrents endpoint so the two surfaces never disagree.
func NewServer(log *slog.Logger, fn SnapshotFunc) *Server {
	return &Server{log: log.With("component", "metrics_server"), snap: fn}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.healthHandler)
	r.Get("/torrents", s.torrentsHandler)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) torrentsHandler(w http.ResponseWriter, r *http.Request) {
	snapshots := s.snap()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshots); err != nil {
		s.log.Error("failed to encode torrent snapshots", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
