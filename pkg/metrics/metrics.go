// Package metrics holds the prometheus collectors of the exchange core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "hyperspot"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	OpenOrders      *prometheus.GaugeVec
	Trades          *prometheus.CounterVec
	Volume          *prometheus.CounterVec
	MatchDuration   *prometheus.HistogramVec
	LedgerCommits   *prometheus.CounterVec
	Transfers       *prometheus.CounterVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orders_submitted_total",
			Help:      "Accepted orders",
		}, []string{"market", "side", "type"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orders_rejected_total",
			Help:      "Rejected order submissions by error code",
		}, []string{"code"}),
		OrdersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orders_cancelled_total",
			Help:      "Cancelled orders",
		}, []string{"market"}),
		OpenOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "open_orders",
			Help:      "Orders resting in the book",
		}, []string{"market", "side"}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "trades_total",
			Help:      "Executed trades",
		}, []string{"market"}),
		Volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "base_volume_total",
			Help:      "Traded base quantity",
		}, []string{"market"}),
		MatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "submit_duration_seconds",
			Help:      "Time spent inside the market section for one submission",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"market"}),
		LedgerCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "commits_total",
			Help:      "Ledger commits by outcome",
		}, []string{"outcome"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "transfers_total",
			Help:      "Transfer requests by kind and resulting status",
		}, []string{"kind", "status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(
		m.OrdersSubmitted, m.OrdersRejected, m.OrdersCancelled, m.OpenOrders,
		m.Trades, m.Volume, m.MatchDuration, m.LedgerCommits, m.Transfers,
		m.HTTPRequests, m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderSubmitted(market, side, typ string) {
	if m == nil {
		return
	}
	m.OrdersSubmitted.WithLabelValues(market, side, typ).Inc()
}

func (m *Metrics) OrderRejected(code string) {
	if m == nil {
		return
	}
	m.OrdersRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) OrderCancelled(market string) {
	if m == nil {
		return
	}
	m.OrdersCancelled.WithLabelValues(market).Inc()
}

func (m *Metrics) SetOpenOrders(market, side string, n int) {
	if m == nil {
		return
	}
	m.OpenOrders.WithLabelValues(market, side).Set(float64(n))
}

func (m *Metrics) TradeExecuted(market string, qty decimal.Decimal) {
	if m == nil {
		return
	}
	m.Trades.WithLabelValues(market).Inc()
	m.Volume.WithLabelValues(market).Add(qty.InexactFloat64())
}

func (m *Metrics) ObserveSubmit(market string, d time.Duration) {
	if m == nil {
		return
	}
	m.MatchDuration.WithLabelValues(market).Observe(d.Seconds())
}

// LedgerCommit matches ledger.WithCommitHook.
func (m *Metrics) LedgerCommit(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.LedgerCommits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TransferProcessed(kind, status string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, http.StatusText(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
