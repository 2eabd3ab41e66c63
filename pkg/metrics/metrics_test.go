package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OrderSubmitted("BTC-USDT", "buy", "limit")
	m.OrderSubmitted("BTC-USDT", "buy", "limit")
	m.OrderRejected("INSUFFICIENT_FUNDS")
	m.TradeExecuted("BTC-USDT", decimal.RequireFromString("0.25"))
	m.SetOpenOrders("BTC-USDT", "sell", 3)
	m.LedgerCommit(nil)
	m.LedgerCommit(errors.New("disk full"))
	m.ObserveSubmit("BTC-USDT", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OrdersSubmitted.WithLabelValues("BTC-USDT", "buy", "limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrdersRejected.WithLabelValues("INSUFFICIENT_FUNDS")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.Volume.WithLabelValues("BTC-USDT")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OpenOrders.WithLabelValues("BTC-USDT", "sell")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerCommits.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.MatchDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OrderSubmitted("BTC-USDT", "buy", "limit")
		m.TradeExecuted("BTC-USDT", decimal.NewFromInt(1))
		m.LedgerCommit(nil)
		m.ObserveHTTP("/health", "GET", 200, time.Millisecond)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.OrderCancelled("ETH-USDT")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `hyperspot_engine_orders_cancelled_total{market="ETH-USDT"} 1`))
}
