package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics mirrors the collector into Prometheus instruments.
type promMetrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	RequestBytes    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Records         prometheus.Counter
	Skipped         prometheus.Counter
}

func newPromMetrics() *promMetrics {
	m := &promMetrics{
		registry: prometheus.NewRegistry(),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tsimport",
				Subsystem: "requests",
				Name:      "total",
				Help:      "Requests sent to the server by operation and result",
			},
			[]string{"operation", "result"},
		),

		RequestBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tsimport",
				Subsystem: "requests",
				Name:      "bytes_total",
				Help:      "Payload bytes accepted by the server",
			},
			[]string{"operation"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tsimport",
				Subsystem: "requests",
				Name:      "duration_seconds",
				Help:      "Request duration in seconds, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsimport",
			Subsystem: "records",
			Name:      "imported_total",
			Help:      "Records accepted into a batch",
		}),

		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsimport",
			Subsystem: "records",
			Name:      "skipped_total",
			Help:      "Input rows that were dropped",
		}),
	}

	m.registry.MustRegister(m.Requests, m.RequestBytes, m.RequestDuration, m.Records, m.Skipped)
	return m
}

func (m *promMetrics) observe(op string, n int, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Requests.WithLabelValues(op, result).Inc()
	if err == nil && n > 0 {
		m.RequestBytes.WithLabelValues(op).Add(float64(n))
	}
	m.RequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry holding the session's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.prom.registry
}

// WriteTextfile writes the session's metrics in the Prometheus text format,
// suitable for the node exporter's textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.prom.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
