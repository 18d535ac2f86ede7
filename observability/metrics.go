package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	leverageMetricsOnce sync.Once
	leverageRegistry    *LeverageMetrics

	routerMetricsOnce sync.Once
	routerRegistry    *RouterMetrics
)

// LeverageMetrics captures request outcomes for the leveraged position engine.
type LeverageMetrics struct {
	requests     *prometheus.CounterVec
	errors       *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	flashVolume  *prometheus.CounterVec
	healthFactor *prometheus.GaugeVec
	pauseEngaged prometheus.Gauge
}

// Leverage returns the singleton metrics registry for the leverage engine.
func Leverage() *LeverageMetrics {
	leverageMetricsOnce.Do(func() {
		leverageRegistry = &LeverageMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lev",
				Subsystem: "leverage",
				Name:      "requests_total",
				Help:      "Count of leverage engine calls segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lev",
				Subsystem: "leverage",
				Name:      "errors_total",
				Help:      "Count of leverage engine failures segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lev",
				Subsystem: "leverage",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for leverage engine calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			flashVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lev",
				Subsystem: "leverage",
				Name:      "flashloan_volume",
				Help:      "Flash-borrowed amount in base units segmented by asset.",
			}, []string{"asset"}),
			healthFactor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lev",
				Subsystem: "leverage",
				Name:      "last_health_factor",
				Help:      "Health factor (1.0 = liquidation boundary) left by the latest successful call per collateral.",
			}, []string{"collateral"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lev",
				Subsystem: "leverage",
				Name:      "pause_engaged",
				Help:      "Indicates whether the leverage module pause guard rejected the latest call (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			leverageRegistry.requests,
			leverageRegistry.errors,
			leverageRegistry.latency,
			leverageRegistry.flashVolume,
			leverageRegistry.healthFactor,
			leverageRegistry.pauseEngaged,
		)
	})
	return leverageRegistry
}

// Observe records the outcome of an engine call. kind is the error category
// and is ignored on success.
func (m *LeverageMetrics) Observe(operation string, duration time.Duration, kind string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		if kind = strings.TrimSpace(kind); kind == "" {
			kind = "unknown"
		}
		m.errors.WithLabelValues(op, kind).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordFlashLoan adds amount to the flash volume counter of asset.
func (m *LeverageMetrics) RecordFlashLoan(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	value := bigToFloat(amount)
	if value <= 0 {
		return
	}
	m.flashVolume.WithLabelValues(labelAsset(asset)).Add(value)
}

// RecordHealthFactor stores a 1e18 scaled health factor as a float gauge.
func (m *LeverageMetrics) RecordHealthFactor(collateral string, wad *big.Int) {
	if m == nil || wad == nil {
		return
	}
	scaled := new(big.Float).Quo(new(big.Float).SetInt(wad), big.NewFloat(1e18))
	value, _ := scaled.Float64()
	if math.IsInf(value, 0) || value > 1e12 {
		value = 1e12
	}
	m.healthFactor.WithLabelValues(labelAsset(collateral)).Set(value)
}

// SetPause toggles the pause_engaged gauge.
func (m *LeverageMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// RouterMetrics tracks swap router hop execution.
type RouterMetrics struct {
	hops     *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	slippage prometheus.Counter
}

// Router returns the singleton metrics registry for the swap router.
func Router() *RouterMetrics {
	routerMetricsOnce.Do(func() {
		routerRegistry = &RouterMetrics{
			hops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lev",
				Subsystem: "router",
				Name:      "hops_total",
				Help:      "Count of swap hops segmented by venue, operation and outcome.",
			}, []string{"venue", "op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lev",
				Subsystem: "router",
				Name:      "hop_duration_seconds",
				Help:      "Latency distribution for individual swap hops.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"venue"}),
			slippage: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lev",
				Subsystem: "router",
				Name:      "slippage_rejections_total",
				Help:      "Count of swap paths rejected because the final output fell below the minimum.",
			}),
		}
		prometheus.MustRegister(routerRegistry.hops, routerRegistry.latency, routerRegistry.slippage)
	})
	return routerRegistry
}

// ObserveHop records a single hop.
func (m *RouterMetrics) ObserveHop(venue, op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if venue == "" {
		venue = "unknown"
	}
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.hops.WithLabelValues(venue, op, outcome).Inc()
	m.latency.WithLabelValues(venue).Observe(duration.Seconds())
}

// RecordSlippageRejection increments the slippage rejection counter.
func (m *RouterMetrics) RecordSlippageRejection() {
	if m == nil {
		return
	}
	m.slippage.Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
