package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueMetricsOptions configures the sync queue collectors.
type QueueMetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
}

// QueueMetrics exposes Prometheus collectors for queue instrumentation.
type QueueMetrics struct {
	PendingJobs   prometheus.Gauge
	Executions    *prometheus.CounterVec
	PlatformCalls *prometheus.CounterVec
}

// NewQueueMetrics constructs and registers the queue collectors.
func NewQueueMetrics(opts QueueMetricsOptions) (*QueueMetrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "guildsync"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "pending_jobs",
		Help:      "Current number of pending jobs in the sync queue.",
	})

	if err := registerGauge(reg, &pending); err != nil {
		return nil, err
	}

	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "executions_total",
		Help:      "Total job executions partitioned by kind and outcome.",
	}, []string{"kind", "outcome"})

	if err := registerCounterVec(reg, &executions); err != nil {
		return nil, err
	}

	platformCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "platform",
		Name:      "api_calls_total",
		Help:      "Total platform API calls partitioned by operation and status class.",
	}, []string{"operation", "status_class"})

	if err := registerCounterVec(reg, &platformCalls); err != nil {
		return nil, err
	}

	return &QueueMetrics{
		PendingJobs:   pending,
		Executions:    executions,
		PlatformCalls: platformCalls,
	}, nil
}

func registerGauge(reg prometheus.Registerer, gauge *prometheus.Gauge) error {
	if err := reg.Register(*gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				*gauge = existing
				return nil
			}
			return fmt.Errorf("existing gauge collector has unexpected type %T", already.ExistingCollector)
		}
		return fmt.Errorf("register gauge collector: %w", err)
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec **prometheus.CounterVec) error {
	if err := reg.Register(*vec); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				*vec = existing
				return nil
			}
			return fmt.Errorf("existing counter collector has unexpected type %T", already.ExistingCollector)
		}
		return fmt.Errorf("register counter collector: %w", err)
	}
	return nil
}

// ObserveExecution records one job execution attempt.
func (m *QueueMetrics) ObserveExecution(kind, outcome string) {
	if m == nil || m.Executions == nil {
		return
	}
	m.Executions.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
}

// ObservePlatformCall records one platform API call.
func (m *QueueMetrics) ObservePlatformCall(operation string, statusCode int) {
	if m == nil || m.PlatformCalls == nil {
		return
	}
	class := "2xx"
	switch {
	case statusCode >= 500:
		class = "5xx"
	case statusCode >= 400:
		class = "4xx"
	case statusCode >= 300:
		class = "3xx"
	}
	m.PlatformCalls.With(prometheus.Labels{"operation": operation, "status_class": class}).Inc()
}

// SetPendingJobs updates the pending depth gauge.
func (m *QueueMetrics) SetPendingJobs(count int) {
	if m == nil || m.PendingJobs == nil {
		return
	}
	m.PendingJobs.Set(float64(count))
}
