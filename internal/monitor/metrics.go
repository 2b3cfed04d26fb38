package monitor

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/Portus/pkg/logger"
)

var (
	// SpawnDuration tracks the time taken to spawn a worker process in seconds.
	SpawnDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "portus_spawn_duration_seconds",
		Help:    "Time taken to spawn a worker process",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	// SpawnTotal counts spawn attempts, partitioned by group and result.
	SpawnTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portus_spawns_total",
		Help: "Total number of spawn attempts",
	}, []string{"group", "result"})
	// RestartTotal tracks the total number of group restarts, partitioned by method.
	RestartTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portus_restarts_total",
		Help: "Total number of group restarts",
	}, []string{"method"})
	// DetachTotal counts processes removed from routing, partitioned by reason.
	DetachTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portus_detaches_total",
		Help: "Total number of detached processes",
	}, []string{"reason"})
	OOBWTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portus_oobw_total",
		Help: "Total number of out-of-band work cycles",
	}, []string{"result"})

	PoolGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portus_pool_groups",
		Help: "Number of application groups",
	})
	PoolProcesses = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portus_pool_processes",
		Help: "Number of worker processes by enabled status",
	}, []string{"status"})
	PoolCapacityUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portus_pool_capacity_used",
		Help: "Pool capacity in use, including processes being spawned",
	})
	PoolWaitlist = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portus_pool_get_waitlist",
		Help: "Number of queued get() requests across the pool and its groups",
	})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portus_requests_total",
		Help: "Total number of handled requests by status class",
	}, []string{"code"})
	RequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portus_requests_in_flight",
		Help: "Requests currently being processed",
	})
	ForwardedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portus_forwarded_bytes_total",
		Help: "Bytes forwarded between clients and workers",
	}, []string{"direction"})

	ChannelSpillsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portus_channel_spills_total",
		Help: "Number of times a buffered channel switched to in-file mode",
	})
	ChannelErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portus_channel_errors_total",
		Help: "Number of buffered channel I/O errors",
	})
)

var registerOnce sync.Once

// Register adds every Portus collector to the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SpawnDuration, SpawnTotal, RestartTotal, DetachTotal, OOBWTotal,
			PoolGroups, PoolProcesses, PoolCapacityUsed, PoolWaitlist,
			RequestsTotal, RequestsInFlight, ForwardedBytes,
			ChannelSpillsTotal, ChannelErrorsTotal,
		)
	})
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// InitMetrics registers Prometheus metrics and starts an HTTP server to expose them.
// It takes an address string (e.g., ":9090") on which to listen for requests.
// An empty address only registers the collectors.
func InitMetrics(addr string) {
	Register()
	if addr == "" {
		return
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
}

// StatusClass renders an HTTP status as "2xx", "5xx", etc.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Personal.AI order the ending
