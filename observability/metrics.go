package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	stableOnce sync.Once
	stableReg  *StableMetrics
)

// HTTP returns the lazily-initialised registry used to record daemon request
// activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stable",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// StableMetrics captures metrics for the settlement engine.
type StableMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	fetches   *prometheus.CounterVec
	cacheHits *prometheus.CounterVec
	refunds   *prometheus.CounterVec
	supply    prometheus.Gauge
}

// Stable returns the singleton metrics registry for the settlement engine.
func Stable() *StableMetrics {
	stableOnce.Do(func() {
		stableReg = &StableMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable",
				Subsystem: "settlement",
				Name:      "requests_total",
				Help:      "Count of settlement operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stable",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Latency distribution for settlement operations including pending continuations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable",
				Subsystem: "settlement",
				Name:      "errors_total",
				Help:      "Count of settlement failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable",
				Subsystem: "oracle",
				Name:      "fetch_total",
				Help:      "Count of price feed fetches segmented by outcome.",
			}, []string{"outcome"}),
			cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Count of rate lookups segmented by the path taken (cached or fetch).",
			}, []string{"path"}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable",
				Subsystem: "settlement",
				Name:      "refunds_total",
				Help:      "Count of buy refunds segmented by outcome.",
			}, []string{"outcome"}),
			supply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stable",
				Subsystem: "token",
				Name:      "total_supply",
				Help:      "Total stable token supply in whole units.",
			}),
		}
		prometheus.MustRegister(
			stableReg.requests,
			stableReg.latency,
			stableReg.errors,
			stableReg.fetches,
			stableReg.cacheHits,
			stableReg.refunds,
			stableReg.supply,
		)
	})
	return stableReg
}

// Observe records the execution metrics for a settlement operation. An empty
// reason marks success.
func (m *StableMetrics) Observe(operation string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if reason = strings.TrimSpace(reason); reason != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordFetch counts a price feed fetch.
func (m *StableMetrics) RecordFetch(outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(nonEmpty(outcome)).Inc()
}

// RecordRateLookup counts a rate lookup served from the cache or by a fetch.
func (m *StableMetrics) RecordRateLookup(path string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(nonEmpty(path)).Inc()
}

// RecordRefund counts a refund attempt.
func (m *StableMetrics) RecordRefund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(nonEmpty(outcome)).Inc()
}

// SetSupply publishes the total supply scaled down by the token decimals.
func (m *StableMetrics) SetSupply(total *big.Int, decimals uint8) {
	if m == nil || total == nil {
		return
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	whole, _ := new(big.Float).Quo(new(big.Float).SetInt(total), scale).Float64()
	if math.IsInf(whole, 0) || math.IsNaN(whole) {
		return
	}
	m.supply.Set(whole)
}

func nonEmpty(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "unknown"
	}
	return label
}
