package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Nexus metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	commandsTotal     *prometheus.CounterVec
	permissionDenials prometheus.Counter
	commandDuration   *prometheus.HistogramVec
	liveValueBytes    prometheus.Gauge
	uptime            prometheus.GaugeFunc
}

// Default histogram buckets for command duration (in milliseconds).
var defaultBuckets = []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	reg := prometheus.NewRegistry()
	start := time.Now()

	pm := &PrometheusMetrics{
		registry: reg,
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total command invocations by name and status",
		}, []string{"name", "status"}),
		permissionDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_denials_total",
			Help:      "Total capability checks that denied",
		}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_ms",
			Help:      "Command latency in milliseconds",
			Buckets:   buckets,
		}, []string{"name"}),
		liveValueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_value_bytes",
			Help:      "Sum of live Value payload sizes held by the bridge",
		}),
		uptime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Shell uptime in seconds",
		}, func() float64 { return time.Since(start).Seconds() }),
	}

	reg.MustRegister(pm.commandsTotal, pm.permissionDenials, pm.commandDuration,
		pm.liveValueBytes, pm.uptime)
	promMetrics = pm
}

// Handler returns the scrape endpoint handler, or nil when Prometheus
// is not initialized.
func Handler() http.Handler {
	if promMetrics == nil {
		return nil
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

func recordPrometheus(name string, latency time.Duration, ok bool) {
	if promMetrics == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	promMetrics.commandsTotal.WithLabelValues(name, status).Inc()
	promMetrics.commandDuration.WithLabelValues(name).Observe(float64(latency.Microseconds()) / 1000.0)
}

func recordPrometheusDenial() {
	if promMetrics == nil {
		return
	}
	promMetrics.permissionDenials.Inc()
}

func setPrometheusLiveBytes(n int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.liveValueBytes.Set(float64(n))
}
