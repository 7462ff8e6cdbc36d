// Package metrics exports Prometheus metrics for ckpt operations.
//
// Every Registry owns a private prometheus.Registry so that several engines
// in one process (and parallel tests) never collide on registration. All
// Record methods are safe to call on a nil *Registry.
package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "ckpt"

// Registry holds all ckpt metrics.
type Registry struct {
	reg *prometheus.Registry

	snapshots   *prometheus.CounterVec
	backups     *prometheus.CounterVec
	restores    *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
	cleanups    *prometheus.CounterVec
	storedBytes *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshots created, by format and result.",
		}, []string{"format", "result"}),
		backups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Incremental backups created, by type and result.",
		}, []string{"type", "result"}),
		restores: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Restores performed, by artifact kind and result.",
		}, []string{"kind", "result"}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback operations reaching a terminal state, by scope and state.",
		}, []string{"scope", "state"}),
		cleanups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Artifacts deleted by retention cleanup.",
		}, []string{"kind"}),
		storedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stored_bytes_total",
			Help:      "Bytes written to checkpoint storage.",
		}, []string{"kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of snapshot, backup, restore and rollback operations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"op"}),
	}
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// WriteText writes the current metrics in the text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// RegisterGauge adds a gauge evaluated on every scrape.
func (r *Registry) RegisterGauge(name, help string, fn func() float64) error {
	return r.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordSnapshot records a snapshot creation.
func (r *Registry) RecordSnapshot(format string, success bool, duration time.Duration, sizeBytes int64) {
	if r == nil {
		return
	}
	r.snapshots.WithLabelValues(format, result(success)).Inc()
	r.duration.WithLabelValues("snapshot").Observe(duration.Seconds())
	if success {
		r.storedBytes.WithLabelValues("snapshot").Add(float64(sizeBytes))
	}
}

// RecordBackup records a backup creation.
func (r *Registry) RecordBackup(full, success bool, duration time.Duration, storedBytes int64) {
	if r == nil {
		return
	}
	kind := "incremental"
	if full {
		kind = "full"
	}
	r.backups.WithLabelValues(kind, result(success)).Inc()
	r.duration.WithLabelValues("backup").Observe(duration.Seconds())
	if success {
		r.storedBytes.WithLabelValues("backup").Add(float64(storedBytes))
	}
}

// RecordRestore records a snapshot or backup restore.
func (r *Registry) RecordRestore(kind string, success bool, duration time.Duration) {
	if r == nil {
		return
	}
	r.restores.WithLabelValues(kind, result(success)).Inc()
	r.duration.WithLabelValues("restore").Observe(duration.Seconds())
}

// RecordRollback records a rollback operation reaching a terminal state.
func (r *Registry) RecordRollback(scope, state string, duration time.Duration) {
	if r == nil {
		return
	}
	r.rollbacks.WithLabelValues(scope, state).Inc()
	r.duration.WithLabelValues("rollback").Observe(duration.Seconds())
}

// RecordCleanup records artifacts removed by retention.
func (r *Registry) RecordCleanup(kind string, deleted int) {
	if r == nil {
		return
	}
	r.cleanups.WithLabelValues(kind).Add(float64(deleted))
}
