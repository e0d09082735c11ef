// Package metrics exports run and attempt metrics for Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bimmerbailey/strand/internal/chain"
)

// Recorder implements chain.Recorder on its own Prometheus registry.
type Recorder struct {
	registry        *prometheus.Registry
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_attempts_total",
				Help: "Model invocations and artifact executions by outcome",
			},
			[]string{"pattern", "model", "result"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_attempt_duration_seconds",
				Help:    "Duration of model invocations and artifact executions",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"pattern", "model"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_runs_total",
				Help: "Finished pattern runs by status",
			},
			[]string{"pattern", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_run_duration_seconds",
				Help:    "Wall-clock duration of pattern runs",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"pattern"},
		),
	}
	r.registry.MustRegister(r.attempts, r.attemptDuration, r.runs, r.runDuration)
	return r
}

// ObserveAttempt implements chain.Recorder.
func (r *Recorder) ObserveAttempt(pattern string, a chain.Attempt) {
	result := "success"
	if !a.Success {
		result = "failure"
	}
	r.attempts.WithLabelValues(pattern, a.Model, result).Inc()
	r.attemptDuration.WithLabelValues(pattern, a.Model).Observe(a.Duration.Seconds())
}

// ObserveRun implements chain.Recorder.
func (r *Recorder) ObserveRun(run *chain.Run) {
	r.runs.WithLabelValues(run.Pattern, string(run.Status)).Inc()
	r.runDuration.WithLabelValues(run.Pattern).Observe(run.Duration().Seconds())
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting metrics server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
