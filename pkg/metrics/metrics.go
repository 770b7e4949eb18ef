package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "addinbundle"

// Recorder collects the metrics of one bundle run on a private registry.
// A nil *Recorder discards everything.
type Recorder struct {
	registry    *prometheus.Registry
	compile     *prometheus.HistogramVec
	targets     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	bundleBytes prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// NewRecorder registers the bundle metrics on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		compile: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Time spent in the toolchain per target.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"archos"}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_total",
			Help:      "Targets processed, by outcome.",
		}, []string{"archos", "result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Bundle runs, by outcome.",
		}, []string{"result"}),
		bundleBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bundle_size_bytes",
			Help:      "Size of the last bundle written.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
	}
	r.registry.MustRegister(r.compile, r.targets, r.runs, r.bundleBytes, r.lastSuccess)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveTarget records the outcome of one target.
func (r *Recorder) ObserveTarget(archos string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.compile.WithLabelValues(archos).Observe(d.Seconds())
	r.targets.WithLabelValues(archos, result(err)).Inc()
}

// ObserveRun records the outcome of a whole run.
func (r *Recorder) ObserveRun(now time.Time, bundleSize int64, err error) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(result(err)).Inc()
	if err == nil {
		r.bundleBytes.Set(float64(bundleSize))
		r.lastSuccess.Set(float64(now.Unix()))
	}
}

// WriteTextfile writes the metrics in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return errors.New("nil recorder")
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Push sends the metrics to a Prometheus pushgateway under the given job.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if r == nil {
		return errors.New("nil recorder")
	}
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
