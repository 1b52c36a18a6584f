package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/user/sluice"
	"github.com/user/sluice/pkg/engine"
	"github.com/user/sluice/pkg/stats"
)

// HealthFunc reports whether the daemon is serving; nil means healthy.
type HealthFunc func() error

// Server exposes the counter registry and liveness over HTTP.
type Server struct {
	stats  *stats.Registry
	prom   *prometheus.Registry
	health HealthFunc
	logger sluice.Logger
}

func NewServer(reg *stats.Registry, health HealthFunc, logger sluice.Logger) (*Server, error) {
	prom := prometheus.NewRegistry()
	cs := append([]prometheus.Collector{
		reg,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}, engine.Collectors()...)
	for _, c := range cs {
		if err := prom.Register(c); err != nil {
			return nil, err
		}
	}
	return &Server{stats: reg, prom: prom, health: health, logger: logger}, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /stats", s.getStats)
	mux.HandleFunc("GET /healthz", s.getHealth)
	return s.recoverMiddleware(mux)
}

type statEntry struct {
	Component string `json:"component"`
	ID        string `json:"id,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Type      string `json:"type"`
	Value     int64  `json:"value"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	samples := s.stats.Snapshot()
	out := make([]statEntry, 0, len(samples))
	for _, sm := range samples {
		out = append(out, statEntry{
			Component: sm.Key.Component,
			ID:        sm.Key.ID,
			Instance:  sm.Key.Instance,
			Type:      string(sm.Key.Type),
			Value:     sm.Value,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			s.jsonError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if s.logger != nil {
					s.logger.Error("Panic in status handler", "path", r.URL.Path, "error", err)
				}
				s.jsonError(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Serve runs the status server on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
