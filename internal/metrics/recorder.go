// Package metrics instruments storage operations with pluggable recorders.
package metrics

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder consumes operation outcomes from the instrumented storage.
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

var expvarSeq uint64

// ExpvarRecorder publishes aggregate timing and result counters via expvar,
// for deployments that prefer process-local metrics without an external
// scrape target. Totals are kept in milliseconds per operation alongside
// success/error counters.
type ExpvarRecorder struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
}

// ExpvarSnapshot captures a read-only view of the recorded metrics.
type ExpvarSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarRecorder constructs an expvar-backed recorder and publishes it
// under the supplied name. When name is empty, a unique identifier is
// generated.
func NewExpvarRecorder(name string) *ExpvarRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("storage_metrics_%d", id)
	}
	rec := &ExpvarRecorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name associated with the recorder.
func (r *ExpvarRecorder) Name() string {
	return r.name
}

// Snapshot returns an immutable copy of the aggregated metrics.
func (r *ExpvarRecorder) Snapshot() ExpvarSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	durations := make(map[string]float64, len(r.durations))
	for op, total := range r.durations {
		durations[op] = total
	}

	results := make(map[string]map[string]int64, len(r.results))
	for op, statusCounts := range r.results {
		cpy := make(map[string]int64, len(statusCounts))
		for status, count := range statusCounts {
			cpy[status] = count
		}
		results[op] = cpy
	}

	return ExpvarSnapshot{
		DurationsMS: durations,
		Results:     results,
		RecordedAt:  time.Now().UTC(),
	}
}

// Observe records a storage operation outcome.
func (r *ExpvarRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	status := "error"
	if success {
		status = "success"
	}

	r.mu.Lock()
	r.durations[operation] += ms
	if _, ok := r.results[operation]; !ok {
		r.results[operation] = make(map[string]int64, 2)
	}
	r.results[operation][status]++
	r.mu.Unlock()
}

// PrometheusRecorder exports operation counters and latency histograms
// through a Prometheus registry, for deployments that scrape.
type PrometheusRecorder struct {
	results   *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewPrometheusRecorder constructs a recorder and registers its collectors
// with the given registerer (prometheus.DefaultRegisterer when nil).
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	rec := &PrometheusRecorder{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Storage operations by operation and outcome.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if err := reg.Register(rec.results); err != nil {
		return nil, fmt.Errorf("register operation counter: %w", err)
	}
	if err := reg.Register(rec.durations); err != nil {
		return nil, fmt.Errorf("register duration histogram: %w", err)
	}
	return rec, nil
}

// Observe records a storage operation outcome.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.results.WithLabelValues(operation, status).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}
