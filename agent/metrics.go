package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	registry      *prometheus.Registry
	shellsOpened  *prometheus.CounterVec
	shellsActive  prometheus.Gauge
	shellDuration prometheus.Histogram
	bytesCopied   *prometheus.CounterVec
}

// newMetrics registers the agent's collectors on a registry of its own, so several agents can run in one process.
func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		shellsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellagent_shells_opened_total",
				Help: "Total number of shell requests, by result",
			},
			[]string{"result"},
		),
		shellsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shellagent_shells_active",
			Help: "Number of shells currently attached to a client",
		}),
		shellDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shellagent_shell_duration_seconds",
			Help:    "Lifetime of shells served by the agent",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		bytesCopied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellagent_bytes_total",
				Help: "Bytes copied between clients and shells, by direction",
			},
			[]string{"direction"},
		),
	}
	m.registry.MustRegister(
		m.shellsOpened,
		m.shellsActive,
		m.shellDuration,
		m.bytesCopied,
		collectors.NewGoCollector(),
	)
	return m
}
