package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Status is the runtime snapshot served on /health and /queue.
type Status struct {
	Healthy   bool `json:"healthy"`
	QueueSize int  `json:"queue_size"`
	LiveTasks int  `json:"live_tasks"`
}

// Server exposes /metrics, /health, and /queue for operators.
type Server struct {
	srv *http.Server
}

// NewServer builds the HTTP surface. status is polled per request; nil means
// always healthy with empty counters.
func NewServer(addr string, m *Metrics, status func() Status) *Server {
	reg := m.Registry()
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	snapshot := func() Status {
		if status == nil {
			return Status{Healthy: true}
		}
		return status()
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		st := snapshot()
		w.Header().Set("Content-Type", "application/json")
		if !st.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}).Methods(http.MethodGet)
	r.HandleFunc("/queue", func(w http.ResponseWriter, _ *http.Request) {
		st := snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"queue_size": st.QueueSize})
	}).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("telemetry server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("telemetry server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
