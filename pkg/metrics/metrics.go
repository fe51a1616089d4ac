// Package metrics exposes process-local runtime state as Prometheus
// collectors for the debug server's /metrics endpoint. Pipeline and request
// metrics go through OpenTelemetry instead.
package metrics

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BrokerStats is the in-process event broker.
type BrokerStats interface {
	Streams() int
	Dropped() uint64
}

// CacheStats is a result cache that can report its size.
type CacheStats interface {
	Len() int
}

// ConfigStats is the configuration store.
type ConfigStats interface {
	Version() uint64
	Healthy() bool
}

// Registry collects the gauges of one process.
type Registry struct {
	namespace string
	reg       *prometheus.Registry
}

// New creates a registry that also carries the Go runtime and process
// collectors.
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{namespace: namespace, reg: reg}
}

// Gatherer returns the underlying gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// TrackBroker exports the number of live scan streams and the count of
// events dropped for slow subscribers.
func (r *Registry) TrackBroker(b BrokerStats) error {
	return r.register(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: r.namespace,
			Subsystem: "events",
			Name:      "streams",
			Help:      "Scan event streams currently retained by the broker",
		}, func() float64 { return float64(b.Streams()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: r.namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber fell behind",
		}, func() float64 { return float64(b.Dropped()) }),
	)
}

// TrackCache exports the number of cached results.
func (r *Registry) TrackCache(c CacheStats) error {
	return r.register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: r.namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Results held by the in-memory cache",
	}, func() float64 { return float64(c.Len()) }))
}

// TrackConfig exports the active configuration version and whether the
// backing store answered the last refresh.
func (r *Registry) TrackConfig(c ConfigStats) error {
	return r.register(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: r.namespace,
			Subsystem: "config",
			Name:      "version",
			Help:      "Version of the configuration snapshot new scans receive",
		}, func() float64 { return float64(c.Version()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: r.namespace,
			Subsystem: "config",
			Name:      "store_healthy",
			Help:      "1 when the last configuration refresh succeeded",
		}, func() float64 {
			if c.Healthy() {
				return 1
			}
			return 0
		}),
	)
}

// TrackPool exports connection pool usage.
func (r *Registry) TrackPool(pool *pgxpool.Pool) error {
	gauge := func(name, help string, fn func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: r.namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(pool.Stat()) })
	}
	return r.register(
		gauge("total_conns", "Connections currently open", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("acquired_conns", "Connections checked out", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("idle_conns", "Idle connections", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("max_conns", "Pool size limit", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
	)
}

func (r *Registry) register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
