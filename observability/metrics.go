package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

type poolMetrics struct {
	stableHeld    prometheus.Gauge
	totalBorrowed prometheus.Gauge
	shareSupply   prometheus.Gauge
	exchangeRate  prometheus.Gauge
	activeLoans   prometheus.Gauge
	operations    *prometheus.CounterVec
	liquidations  *prometheus.CounterVec
	pauses        *prometheus.GaugeVec
}

type auditMetrics struct {
	appends  prometheus.Counter
	failures prometheus.Counter
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *poolMetrics

	auditMetricsOnce sync.Once
	auditRegistry    *auditMetrics
)

// RPC returns the lazily-initialised registry used to record JSON-RPC
// activity.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablelend",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablelend",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablelend",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablelend",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected before dispatch.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of a dispatched JSON-RPC method. A zero code
// means the call succeeded.
func (m *rpcMetrics) Observe(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	method = labelMethod(method)
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the rejection counter. Reasons should be stable
// strings such as "rate_limit" or "unauthorized" so dashboards stay
// consistent.
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// Pool returns the registry tracking pool balances and loan activity.
func Pool() *poolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &poolMetrics{
			stableHeld: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stablelend",
				Subsystem: "pool",
				Name:      "stable_held",
				Help:      "Stable units currently held by the pool in native precision.",
			}),
			totalBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stablelend",
				Subsystem: "pool",
				Name:      "total_borrowed",
				Help:      "Outstanding borrowed principal in native stable precision.",
			}),
			shareSupply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stablelend",
				Subsystem: "pool",
				Name:      "share_supply",
				Help:      "Total supply of pool shares.",
			}),
			exchangeRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stablelend",
				Subsystem: "pool",
				Name:      "exchange_rate",
				Help:      "Assets per share as a decimal ratio, 1.0 for an empty pool.",
			}),
			activeLoans: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stablelend",
				Subsystem: "pool",
				Name:      "active_loans",
				Help:      "Number of loans currently open.",
			}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablelend",
				Subsystem: "pool",
				Name:      "operations_total",
				Help:      "Count of committed pool mutations segmented by operation.",
			}, []string{"operation"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablelend",
				Subsystem: "pool",
				Name:      "liquidations_total",
				Help:      "Count of settled liquidations segmented by trigger.",
			}, []string{"trigger"}),
			pauses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stablelend",
				Subsystem: "pool",
				Name:      "pause_engaged",
				Help:      "Whether the named action is paused (1) or accepting requests (0).",
			}, []string{"action"}),
		}
		prometheus.MustRegister(
			poolRegistry.stableHeld,
			poolRegistry.totalBorrowed,
			poolRegistry.shareSupply,
			poolRegistry.exchangeRate,
			poolRegistry.activeLoans,
			poolRegistry.operations,
			poolRegistry.liquidations,
			poolRegistry.pauses,
		)
	})
	return poolRegistry
}

// SetState refreshes the balance gauges from a committed pool snapshot. The
// exchange rate arrives in 18-decimal fixed point and is published as a
// plain ratio.
func (m *poolMetrics) SetState(stableHeld, totalBorrowed, shareSupply, exchangeRateWad *big.Int, activeLoans int) {
	if m == nil {
		return
	}
	m.stableHeld.Set(bigToFloat(stableHeld))
	m.totalBorrowed.Set(bigToFloat(totalBorrowed))
	m.shareSupply.Set(bigToFloat(shareSupply))
	m.exchangeRate.Set(bigToFloat(exchangeRateWad) / 1e18)
	m.activeLoans.Set(float64(activeLoans))
}

// RecordOperation increments the mutation counter for a committed operation.
func (m *poolMetrics) RecordOperation(operation string) {
	if m == nil {
		return
	}
	if operation = strings.TrimSpace(operation); operation == "" {
		operation = "unknown"
	}
	m.operations.WithLabelValues(operation).Inc()
}

// RecordLiquidation counts a settled liquidation by its trigger, either
// "health" or "expiry".
func (m *poolMetrics) RecordLiquidation(trigger string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(trigger).Inc()
}

// SetPause publishes the pause switch for a single action.
func (m *poolMetrics) SetPause(action string, engaged bool) {
	if m == nil {
		return
	}
	value := 0.0
	if engaged {
		value = 1
	}
	m.pauses.WithLabelValues(action).Set(value)
}

// Audit returns the registry tracking journal persistence health.
func Audit() *auditMetrics {
	auditMetricsOnce.Do(func() {
		auditRegistry = &auditMetrics{
			appends: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stablelend",
				Subsystem: "audit",
				Name:      "appends_total",
				Help:      "Count of records appended to the audit journal.",
			}),
			failures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stablelend",
				Subsystem: "audit",
				Name:      "append_failures_total",
				Help:      "Count of journal writes that failed to persist.",
			}),
		}
		prometheus.MustRegister(auditRegistry.appends, auditRegistry.failures)
	})
	return auditRegistry
}

// RecordAppend counts a journal write and its outcome.
func (m *auditMetrics) RecordAppend(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failures.Inc()
		return
	}
	m.appends.Inc()
}

func labelMethod(method string) string {
	trimmed := strings.TrimSpace(method)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
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
