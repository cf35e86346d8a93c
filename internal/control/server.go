// Package control exposes an operator HTTP API for a running import:
// status, pause, resume, stop and Prometheus metrics.
package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Sternrassler/bulk-import-client/pkg/importer"
	"github.com/Sternrassler/bulk-import-client/pkg/logging"
	"github.com/Sternrassler/bulk-import-client/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Controller is the run being controlled, typically *importer.Coordinator.
type Controller interface {
	Pause(reason string) bool
	Resume() bool
	Stop(reason string) bool
	Snapshot() importer.Snapshot
}

// Config holds control server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8090".
	Addr string

	// Gatherer serves /metrics (default: metrics.Gatherer).
	Gatherer prometheus.Gatherer

	Logger *zerolog.Logger
}

// NewRouter builds the control API.
func NewRouter(ctrl Controller, cfg Config) http.Handler {
	logger := logging.Component(cfg.Logger, "control")
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = metrics.Gatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Snapshot())
	})
	r.Post("/pause", transition(ctrl, logger, "pause", func(reason string) bool { return ctrl.Pause(reason) }))
	r.Post("/resume", transition(ctrl, logger, "resume", func(string) bool { return ctrl.Resume() }))
	r.Post("/stop", transition(ctrl, logger, "stop", func(reason string) bool { return ctrl.Stop(reason) }))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

// NewServer wraps the router in an http.Server.
func NewServer(ctrl Controller, cfg Config) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(ctrl, cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// transition applies an operator command. It answers 409 when the run is
// not in a state that accepts the command.
func transition(ctrl Controller, logger zerolog.Logger, action string, apply func(reason string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator"
		}

		ok := apply(reason)
		snap := ctrl.Snapshot()
		logger.Info().
			Str("action", action).
			Str("reason", reason).
			Bool("applied", ok).
			Str("state", string(snap.State)).
			Msg("Operator command")

		status := http.StatusOK
		if !ok {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{
			"action":  action,
			"applied": ok,
			"state":   snap.State,
		})
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("Control request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
