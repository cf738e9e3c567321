// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rotacerta/geoguard/pkg/logx"
)

var (
	// FixesProcessed counts good fixes handed to the pipeline.
	FixesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "fixes_processed_total",
		Help:      "Good position fixes processed by the pipeline.",
	})

	// WatchErrors counts provider error callbacks by error code.
	WatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "watch_errors_total",
		Help:      "Geolocation provider error callbacks by code.",
	}, []string{"code"})

	// PositionsSaved counts fixes that passed the persistence gate.
	PositionsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "positions_saved_total",
		Help:      "Fixes persisted to durable storage.",
	})

	// PositionsThrottled counts fixes rejected by the persistence gate.
	PositionsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "positions_throttled_total",
		Help:      "Fixes dropped by the throttle/debounce gate.",
	})

	// RiskAssessments counts fraud analyzer verdicts by risk level.
	RiskAssessments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "risk_assessments_total",
		Help:      "Fraud analyzer verdicts by risk level.",
	}, []string{"level"})

	// ActiveSessions tracks the number of live monitoring sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "geoguard",
		Name:      "active_sessions",
		Help:      "Live (driver, freight) monitoring sessions.",
	})
)

// Serve starts the /metrics listener in the background. Errors are
// logged, not fatal: a broken metrics listener must not take the
// pipeline down.
func Serve(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics_listener_started", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics_listener_failed", "error", err)
		}
	}()
}
