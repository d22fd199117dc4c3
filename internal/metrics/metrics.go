// Package metrics exposes run outcomes as Prometheus metrics and writes
// them in the text exposition format for the node exporter's textfile
// collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/experiment"
)

// Recorder holds the metrics of one run in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	mae       *prometheus.GaugeVec
	r2        *prometheus.GaugeVec
	ccc       *prometheus.GaugeVec
	epochs    *prometheus.GaugeVec
	features  *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
	failures  *prometheus.CounterVec
	completed prometheus.Gauge
}

// NewRecorder creates a Recorder with every metric registered.
func NewRecorder() *Recorder {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{"run_id", "probe_set"})
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		mae:      gauge("clockbench_experiment_mae", "Test mean absolute error of the best checkpoint"),
		r2:       gauge("clockbench_experiment_r2", "Test coefficient of determination of the best checkpoint"),
		ccc:      gauge("clockbench_experiment_ccc", "Test concordance correlation coefficient of the best checkpoint"),
		epochs:   gauge("clockbench_experiment_epochs", "Training epochs completed"),
		features: gauge("clockbench_experiment_n_features", "Feature columns after probe-set filtering"),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clockbench_experiment_duration_seconds",
				Help:    "Wall time of one probe-set experiment",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"run_id"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clockbench_experiment_failures_total",
				Help: "Experiments that ended without evaluation metrics",
			},
			[]string{"run_id", "kind"},
		),
		completed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clockbench_run_finished_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
	r.registry.MustRegister(r.mae, r.r2, r.ccc, r.epochs, r.features, r.duration, r.failures, r.completed)
	return r
}

// Registry returns the registry holding the run's metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Observe records every entry of sum.
func (r *Recorder) Observe(sum *experiment.Summary) {
	for _, e := range sum.Entries {
		if e.Failure != nil {
			r.failures.WithLabelValues(sum.RunID, string(e.Failure.Kind)).Inc()
		}
		res := e.Result
		if res == nil {
			continue
		}
		labels := []string{sum.RunID, e.ProbeSet}
		r.epochs.WithLabelValues(labels...).Set(float64(res.EpochsRan))
		r.features.WithLabelValues(labels...).Set(float64(res.NFeatures))
		r.duration.WithLabelValues(sum.RunID).Observe(res.Duration.Seconds())
		if m := res.Metrics; m != nil {
			r.mae.WithLabelValues(labels...).Set(m.MAE)
			r.r2.WithLabelValues(labels...).Set(m.R2)
			r.ccc.WithLabelValues(labels...).Set(m.CCC)
		}
	}
	r.completed.Set(float64(sum.FinishedAt.Unix()))
}

// WriteTextfile writes the registry to path in Prometheus text format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
