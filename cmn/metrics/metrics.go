// Package metrics exposes the Prometheus metric families named in
// spec.md §6.
//
// Library: github.com/prometheus/client_golang, a direct teacher dependency
// (stats/common_statsd.go uses it under a "!statsd" build tag as the
// non-StatsD path; here it's unconditional since alpenhorn has no StatsD
// alternative).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Set struct {
	Registry *prometheus.Registry

	RequestsCompleted *prometheus.CounterVec
	Transfers         *prometheus.CounterVec
	PulledBytes       *prometheus.CounterVec
	NodeAvailable     *prometheus.GaugeVec
	GroupAvailable    *prometheus.GaugeVec
	NodeIdle          *prometheus.GaugeVec
	GroupIdle         *prometheus.GaugeVec
	WorkerCount       *prometheus.GaugeVec
	WorkerRunning     *prometheus.GaugeVec
	WorkerIdle        *prometheus.GaugeVec
	QueueCount        *prometheus.GaugeVec
	QueueLocked       *prometheus.GaugeVec
	MainLoops         prometheus.Counter
	MainLoopTime      prometheus.Histogram
	SerialioLoops     prometheus.Counter
	SerialioTasks     prometheus.Counter
	HashRunningCount  prometheus.Gauge
	NodeUpdate        *prometheus.GaugeVec
	GroupUpdate       *prometheus.GaugeVec
}

const ns = "alpenhorn"

// New builds and registers the full metric set on a fresh registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		RequestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "requests_completed",
		}, []string{"type", "result", "node", "group"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "transfers",
		}, []string{"result", "node_from", "group_to"}),
		PulledBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "pulled_bytes",
		}, []string{"node_from", "group_to"}),
		NodeAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "node_available",
		}, []string{"name"}),
		GroupAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "group_available",
		}, []string{"name"}),
		NodeIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "node_idle",
		}, []string{"name"}),
		GroupIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "group_idle",
		}, []string{"name"}),
		WorkerCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "worker_count",
		}, []string{"pool_type"}),
		WorkerRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "worker_running",
		}, []string{"id"}),
		WorkerIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "worker_idle",
		}, []string{"id"}),
		QueueCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "queue_count",
		}, []string{"fifo", "status"}),
		QueueLocked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "queue_locked",
		}, []string{"fifo"}),
		MainLoops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "main_loops",
		}),
		MainLoopTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "main_loop_time_seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		SerialioLoops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "serialio_loops",
		}),
		SerialioTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "serialio_tasks",
		}),
		HashRunningCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "hash_running_count",
		}),
		NodeUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "node_update",
		}, []string{"name"}),
		GroupUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "group_update",
		}, []string{"name"}),
	}

	reg.MustRegister(
		s.RequestsCompleted, s.Transfers, s.PulledBytes,
		s.NodeAvailable, s.GroupAvailable, s.NodeIdle, s.GroupIdle,
		s.WorkerCount, s.WorkerRunning, s.WorkerIdle,
		s.QueueCount, s.QueueLocked,
		s.MainLoops, s.MainLoopTime, s.SerialioLoops, s.SerialioTasks,
		s.HashRunningCount, s.NodeUpdate, s.GroupUpdate,
	)
	return s
}

// Serve starts the Prometheus exposition endpoint; callers run it in its own
// goroutine. A non-positive port is a programmer error (daemon.prom_client_port
// <= 0 should keep metrics disabled entirely and never call Serve).
func (s *Set) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
