// Package metrics exposes worker counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nemanja-m/fleetworker/internal/shared/logging"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetworker",
		Name:      "task_cycles_total",
		Help:      "Task cycles by outcome.",
	}, []string{"outcome"})

	RPCTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetworker",
		Name:      "coordinator_requests_total",
		Help:      "Coordinator requests by endpoint and result.",
	}, []string{"endpoint", "result"})

	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetworker",
		Name:      "heartbeats_total",
		Help:      "Heartbeats by result.",
	}, []string{"result"})

	QuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetworker",
		Name:      "quota_remaining",
		Help:      "Remaining shared request quota at the last check.",
	})
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveRPC(endpoint string, err error) {
	RPCTotal.WithLabelValues(endpoint, result(err)).Inc()
}

func ObserveHeartbeat(err error) {
	HeartbeatsTotal.WithLabelValues(result(err)).Inc()
}

func ObserveCycle(outcome string) {
	CyclesTotal.WithLabelValues(outcome).Inc()
}

// Handler serves /metrics and /healthz.
func Handler(logger logging.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return withRecovery(logger, withAccessLog(logger, mux))
}

// Serve runs the metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
