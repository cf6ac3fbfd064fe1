// Package metrics exposes store, bus and HTTP activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payflow/internal/statestore"
)

const namespace = "payflow"

// Registry owns a private Prometheus registry so several stores in one test
// binary never collide on registration.
type Registry struct {
	reg *prometheus.Registry

	dispatches       *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	inbound          prometheus.Counter
	resets           prometheus.Counter
	lastReset        prometheus.Gauge
	loads            *prometheus.CounterVec
	listeners        prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpLimited  prometheus.Counter
}

var _ statestore.Metrics = (*Registry)(nil)

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		// Labels: persisted, published ("true"/"false")
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "dispatches_total",
			Help:      "Documents dispatched by this peer",
		}, []string{"persisted", "published"}),
		dispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dispatch to receipt, including persist and publish",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
		inbound: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "inbound_total",
			Help:      "Documents received from other peers",
		}),
		resets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "cycle_resets_total",
			Help:      "Monthly resets dispatched by this peer",
		}),
		lastReset: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "last_reset_cycle",
			Help:      "Month key of the last reset as YYYYMM",
		}),
		// Labels: result (ok, missing, error)
		loads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "loads_total",
			Help:      "Persisted document loads by result",
		}, []string{"result"}),
		listeners: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "listeners",
			Help:      "Registered store listeners",
		}),
		// Labels: method, code
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code",
		}, []string{"method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		httpLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}),
	}
}

func (r *Registry) ObserveDispatch(receipt statestore.Receipt, elapsed time.Duration) {
	r.dispatches.WithLabelValues(strconv.FormatBool(receipt.Persisted), strconv.FormatBool(receipt.Published)).Inc()
	r.dispatchDuration.Observe(elapsed.Seconds())
}

func (r *Registry) ObserveInbound() {
	r.inbound.Inc()
}

func (r *Registry) ObserveReset(cycle string) {
	r.resets.Inc()
	if v, ok := cycleNumber(cycle); ok {
		r.lastReset.Set(v)
	}
}

func (r *Registry) ObserveLoad(ok bool, err error) {
	switch {
	case err != nil:
		r.loads.WithLabelValues("error").Inc()
	case !ok:
		r.loads.WithLabelValues("missing").Inc()
	default:
		r.loads.WithLabelValues("ok").Inc()
	}
}

func (r *Registry) SetListeners(n int) {
	r.listeners.Set(float64(n))
}

// ObserveHTTP records one completed request.
func (r *Registry) ObserveHTTP(method string, status int, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveRateLimited counts a rejected request.
func (r *Registry) ObserveRateLimited() {
	r.httpLimited.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// cycleNumber turns "2024-03" into 202403.
func cycleNumber(cycle string) (float64, bool) {
	if len(cycle) != 7 || cycle[4] != '-' {
		return 0, false
	}
	n, err := strconv.Atoi(cycle[:4] + cycle[5:])
	if err != nil {
		return 0, false
	}
	return float64(n), true
}
