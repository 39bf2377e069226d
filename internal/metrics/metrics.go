// Package metrics exposes Prometheus collectors for order flow and ledger
// balances.
//
//	tradekit_orders_total{bot,action,outcome}          orders seen by the gateway
//	tradekit_executions_total{action,position_type}    fills applied by the ledger
//	tradekit_execution_failures_total{reason}          ledger executions that failed
//	tradekit_execution_seconds                         ledger execution latency
//	tradekit_ledger_cash                               cash after the last mutation
//	tradekit_ledger_holdings                           holdings after the last mutation
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradekit/internal/domain"
)

// Order outcomes recorded by the gateway.
const (
	OutcomeFilled  = "filled"
	OutcomeSkipped = "skipped"
	OutcomeZero    = "zero"
	OutcomeFailed  = "failed"
)

// Metrics owns a private registry so tests and multiple ledgers never clash
// on the global one. A nil *Metrics is a no-op.
type Metrics struct {
	reg *prometheus.Registry

	orders     *prometheus.CounterVec
	executions *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    prometheus.Histogram
	cash       prometheus.Gauge
	holdings   prometheus.Gauge
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tradekit_orders_total", Help: "Orders seen by the gateway"},
			[]string{"bot", "action", "outcome"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tradekit_executions_total", Help: "Fills applied by the ledger"},
			[]string{"action", "position_type"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tradekit_execution_failures_total", Help: "Ledger executions that failed"},
			[]string{"reason"},
		),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradekit_execution_seconds",
			Help:    "Ledger execution latency including persistence",
			Buckets: prometheus.DefBuckets,
		}),
		cash: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradekit_ledger_cash",
			Help: "Ledger cash after the last mutation",
		}),
		holdings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradekit_ledger_holdings",
			Help: "Ledger asset holdings after the last mutation",
		}),
	}
	m.reg.MustRegister(
		m.orders, m.executions, m.failures, m.latency, m.cash, m.holdings,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOrder(bot string, action domain.Action, outcome string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(bot, string(action), outcome).Inc()
}

func (m *Metrics) ObserveExecution(action domain.Action, pt domain.PositionType, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(action), string(pt)).Inc()
	m.latency.Observe(d.Seconds())
}

// ObserveFailure buckets err by its sentinel cause.
func (m *Metrics) ObserveFailure(err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(FailureReason(err)).Inc()
}

func (m *Metrics) SetBalances(cash decimal.Decimal, holdings int64) {
	if m == nil {
		return
	}
	m.cash.Set(cash.InexactFloat64())
	m.holdings.Set(float64(holdings))
}

// FailureReason maps an execution error to a low-cardinality label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	default:
		return "persistence"
	}
}
