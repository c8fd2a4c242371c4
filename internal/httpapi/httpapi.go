// Package httpapi wires the ambient observability surface: liveness,
// Prometheus scraping, a JSON status snapshot, and the dashboard's
// WebSocket feed, all behind a chi router (the teacher's own HTTP mux
// choice is net/http.ServeMux, but chi is the routing library the rest of
// the example pack reaches for once a module grows past a couple of
// handlers, and it's already a transitive part of this module's stack via
// the sibling pandora service).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mav-router/mavrouter/internal/dashboard"
	"github.com/mav-router/mavrouter/internal/metrics"
	"github.com/mav-router/mavrouter/internal/router"
)

// statusResponse is the JSON body served at /api/v1/status.
type statusResponse struct {
	Connections []dashboard.ConnectionView `json:"connections"`
	Metrics     metrics.Snapshot           `json:"metrics"`
}

// NewMux builds the full HTTP routing tree for the router's control plane.
// reg must be the same *prometheus.Registry passed to metrics.New, so that
// /metrics actually serves the counters it registered rather than the
// unrelated prometheus.DefaultGatherer.
func NewMux(r *router.Router, m *metrics.Metrics, dash *dashboard.Streamer, reg *prometheus.Registry, logger *logrus.Logger) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.Get("/api/v1/status", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		snap := r.Status(ctx)
		views := make([]dashboard.ConnectionView, 0, len(snap))
		for _, c := range snap {
			views = append(views, dashboard.ConnectionView{ID: c.ID.String(), Kind: c.ID.Kind.String(), SysID: c.SysID})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusResponse{Connections: views, Metrics: m.Snapshot()}); err != nil {
			logger.WithError(err).Warn("httpapi: failed to encode status response")
		}
	})

	mux.Get("/ws/connections", dash.ServeHTTP)

	return mux
}
