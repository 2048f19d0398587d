// Package metrics exposes workflow activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semresearch/workflow/engine"
)

const namespace = "semresearch"

// Outcome label values for completed runs.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// Collector is an engine.Listener that records runs, transitions and
// streamed fragments.
type Collector struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	running     prometheus.Gauge
	transitions *prometheus.CounterVec
	fragments   *prometheus.CounterVec
	bytes       *prometheus.CounterVec
}

var _ engine.Listener = (*Collector)(nil)

// NewCollector creates the workflow metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Step action runs by step and outcome.",
		}, []string{"step", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Step action run duration.",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"step"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "running",
			Help:      "Step actions currently in flight.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Step index changes by kind (advanced, retreated, reset).",
		}, []string{"type"}),
		fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "fragments_total",
			Help:      "Non-empty stream fragments received by step.",
		}, []string{"step"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Decoded stream bytes received by step.",
		}, []string{"step"}),
	}

	for _, col := range []prometheus.Collector{c.runs, c.duration, c.running, c.transitions, c.fragments, c.bytes} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register workflow metrics: %w", err)
		}
	}
	return c, nil
}

// OnEvent records ev.
func (c *Collector) OnEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventRunStarted:
		c.running.Inc()
	case engine.EventRunSucceeded:
		c.finish(ev, OutcomeSucceeded)
	case engine.EventRunFailed:
		c.finish(ev, OutcomeFailed)
	case engine.EventRunCanceled:
		c.finish(ev, OutcomeCanceled)
	case engine.EventAdvanced, engine.EventRetreated, engine.EventReset:
		c.transitions.WithLabelValues(string(ev.Type)).Inc()
	case engine.EventFragment:
		c.fragments.WithLabelValues(ev.Label).Inc()
		c.bytes.WithLabelValues(ev.Label).Add(float64(ev.Bytes))
	}
}

func (c *Collector) finish(ev engine.Event, outcome string) {
	c.running.Dec()
	c.runs.WithLabelValues(ev.Label, outcome).Inc()
	c.duration.WithLabelValues(ev.Label).Observe(ev.Duration.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	logger.Info("Metrics server listening", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	}
}
