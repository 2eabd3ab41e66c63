package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperspot/pkg/app/core/account"
	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/events"
	"github.com/uhyunpark/hyperspot/pkg/storage"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

var (
	testAssets  = []string{"BTC:Bitcoin:8", "ETH:Ether:8", "USDT:Tether:2"}
	testMarkets = []string{"BTC-USDT", "ETH-USDT"}
	start       = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	eng      *Engine
	ledger   *ledger.Ledger
	repo     storage.Repository
	markets  *market.Registry
	accounts *account.Directory
	rec      *events.Recorder
	clock    *util.ManualClock
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sequentialIDs(prefix string) func() string {
	var n atomic.Uint64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

func newLedger(repo storage.Repository) *ledger.Ledger {
	return ledger.New(ledger.WithPersist(func(ctx context.Context, rows []model.Balance) error {
		return repo.Commit(ctx, &storage.Changeset{Balances: rows})
	}))
}

func newFixtureWithRepo(t *testing.T, repo storage.Repository, opts ...Option) *fixture {
	return newNamedFixture(t, "id", repo, opts...)
}

// newNamedFixture keeps ids unique when several engines share one repository.
func newNamedFixture(t *testing.T, idPrefix string, repo storage.Repository, opts ...Option) *fixture {
	t.Helper()
	reg, err := market.Load(testAssets, testMarkets)
	require.NoError(t, err)

	f := &fixture{
		ledger:  newLedger(repo),
		repo:    repo,
		markets: reg,
		rec:     events.NewRecorder(),
		clock:   util.NewManualClock(start),
	}
	f.accounts = account.NewDirectory(repo, nil, f.clock, nil)
	base := []Option{
		WithEligibility(f.accounts),
		WithPublisher(f.rec),
		WithClock(f.clock),
		WithIDGenerator(sequentialIDs(idPrefix)),
	}
	f.eng = New(reg, f.ledger, repo, append(base, opts...)...)
	return f
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	return newFixtureWithRepo(t, storage.NewMemoryStore(), opts...)
}

func (f *fixture) fund(t *testing.T, acct, asset, amount string) {
	t.Helper()
	require.NoError(t, f.ledger.CreditAvailable(context.Background(), acct, asset, d(amount)))
}

func (f *fixture) limit(t *testing.T, acct, mkt string, side model.Side, price, qty string) *Result {
	t.Helper()
	res, err := f.eng.Submit(context.Background(), limitReq(acct, mkt, side, price, qty))
	require.NoError(t, err)
	return res
}

func limitReq(acct, mkt string, side model.Side, price, qty string) SubmitRequest {
	p := d(price)
	return SubmitRequest{AccountID: acct, Market: mkt, Side: side, Type: model.Limit, Price: &p, Quantity: d(qty)}
}

func marketReq(acct, mkt string, side model.Side, qty string) SubmitRequest {
	return SubmitRequest{AccountID: acct, Market: mkt, Side: side, Type: model.Market, Quantity: d(qty)}
}

func (f *fixture) assertBalance(t *testing.T, acct, asset, available, locked string) {
	t.Helper()
	b := f.ledger.Balance(acct, asset)
	assert.True(t, b.Available.Equal(d(available)), "%s/%s available: want %s, got %s", acct, asset, available, b.Available)
	assert.True(t, b.Locked.Equal(d(locked)), "%s/%s locked: want %s, got %s", acct, asset, locked, b.Locked)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: want %s, got %s", msg, want, got)
}

func totals(l *ledger.Ledger) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	for _, b := range l.All() {
		out[b.Asset] = out[b.Asset].Add(b.Total())
	}
	return out
}

func TestLimitBuyReserves(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "USDT", "10000")

	res := f.limit(t, "alice", "BTC-USDT", model.Buy, "50000", "0.1")

	assert.Equal(t, model.OrderOpen, res.Order.Status)
	assert.Empty(t, res.Trades)
	f.assertBalance(t, "alice", "USDT", "5000", "5000")

	stored, err := f.repo.FindOrder(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, stored.Status)
	assert.True(t, stored.Filled.IsZero())
}

func TestMarketBuyAgainstRestingSell(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "bob", "BTC", "1")
	f.fund(t, "alice", "USDT", "10000")

	maker := f.limit(t, "bob", "BTC-USDT", model.Sell, "51000", "0.2")
	res, err := f.eng.Submit(context.Background(), marketReq("alice", "BTC-USDT", model.Buy, "0.1"))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assertDec(t, "51000", tr.Price, "trade price")
	assertDec(t, "0.1", tr.Quantity, "trade qty")
	assert.Equal(t, maker.Order.ID, tr.MakerOrderID)
	assert.Equal(t, model.Buy, tr.TakerSide)
	assert.Equal(t, model.OrderFilled, res.Order.Status)

	m, err := f.repo.FindOrder(context.Background(), maker.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPartial, m.Status)
	assertDec(t, "0.1", m.Filled, "maker filled")

	f.assertBalance(t, "alice", "USDT", "4900", "0")
	f.assertBalance(t, "alice", "BTC", "0.1", "0")
	f.assertBalance(t, "bob", "BTC", "0.8", "0.1")
	f.assertBalance(t, "bob", "USDT", "5100", "0")
}

func TestLimitBuyBelowAskRests(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "bob", "BTC", "1")
	f.fund(t, "alice", "USDT", "10000")

	f.limit(t, "bob", "BTC-USDT", model.Sell, "51000", "0.2")
	res := f.limit(t, "alice", "BTC-USDT", model.Buy, "50000", "0.1")

	assert.Empty(t, res.Trades)
	assert.Equal(t, model.OrderOpen, res.Order.Status)

	depth, err := f.eng.Depth("BTC-USDT", 0)
	require.NoError(t, err)
	require.Len(t, depth.Bids, 1)
	assertDec(t, "50000", depth.Bids[0].Price, "bid price")
	assertDec(t, "0.1", depth.Bids[0].Quantity, "bid qty")
	assert.Equal(t, 1, depth.Bids[0].Count)
	require.Len(t, depth.Asks, 1)
	assertDec(t, "51000", depth.Asks[0].Price, "ask price")
}

func TestCancelPartialReleasesRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", "USDT", "10000")
	f.fund(t, "bob", "BTC", "1")

	buy := f.limit(t, "alice", "BTC-USDT", model.Buy, "50000", "0.1")
	f.limit(t, "bob", "BTC-USDT", model.Sell, "50000", "0.05")
	f.assertBalance(t, "alice", "USDT", "5000", "2500")

	cancelled, err := f.eng.Cancel(ctx, "alice", buy.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)
	assertDec(t, "0.05", cancelled.Filled, "filled kept")
	f.assertBalance(t, "alice", "USDT", "7500", "0")
	f.assertBalance(t, "alice", "BTC", "0.05", "0")

	depth, err := f.eng.Depth("BTC-USDT", 10)
	require.NoError(t, err)
	assert.Empty(t, depth.Bids)
}

func TestPriceImprovementRefund(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "USDT", "10000")
	f.fund(t, "bob", "BTC", "1")

	f.limit(t, "bob", "BTC-USDT", model.Sell, "49000", "0.1")
	res := f.limit(t, "alice", "BTC-USDT", model.Buy, "50000", "0.1")

	require.Len(t, res.Trades, 1)
	assertDec(t, "49000", res.Trades[0].Price, "maker price")
	f.assertBalance(t, "alice", "USDT", "5100", "0")
	f.assertBalance(t, "bob", "USDT", "4900", "0")
}

func TestSellTakerAgainstBids(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "BTC", "1")
	f.fund(t, "bob", "USDT", "100000")
	f.fund(t, "carol", "USDT", "100000")

	f.limit(t, "bob", "BTC-USDT", model.Buy, "50000", "0.3")
	f.limit(t, "carol", "BTC-USDT", model.Buy, "50500", "0.2")
	res := f.limit(t, "alice", "BTC-USDT", model.Sell, "49000", "0.4")

	require.Len(t, res.Trades, 2)
	assert.Equal(t, "carol", res.Trades[0].MakerAccountID, "best bid first")
	assertDec(t, "50500", res.Trades[0].Price, "first price")
	assertDec(t, "50000", res.Trades[1].Price, "second price")
	assertDec(t, "0.2", res.Trades[1].Quantity, "second qty")
	assert.Equal(t, model.OrderFilled, res.Order.Status)

	f.assertBalance(t, "alice", "BTC", "0.6", "0")
	f.assertBalance(t, "alice", "USDT", "20100", "0")
	f.assertBalance(t, "bob", "BTC", "0.2", "0")
	f.assertBalance(t, "bob", "USDT", "85000", "5000")
	f.assertBalance(t, "carol", "BTC", "0.2", "0")
}

func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t)
	for _, acct := range []string{"bob", "carol", "dave"} {
		f.fund(t, acct, "BTC", "1")
	}
	f.fund(t, "alice", "USDT", "20000")

	carol := f.limit(t, "carol", "BTC-USDT", model.Sell, "50500", "0.1")
	bob := f.limit(t, "bob", "BTC-USDT", model.Sell, "50000", "0.1")
	f.clock.Advance(time.Second)
	dave := f.limit(t, "dave", "BTC-USDT", model.Sell, "50000", "0.1")

	res := f.limit(t, "alice", "BTC-USDT", model.Buy, "51000", "0.25")

	require.Len(t, res.Trades, 3)
	var makers []string
	for _, tr := range res.Trades {
		makers = append(makers, tr.MakerOrderID)
	}
	assert.Equal(t, []string{bob.Order.ID, dave.Order.ID, carol.Order.ID}, makers)
	assertDec(t, "0.05", res.Trades[2].Quantity, "last fill")
	assert.Equal(t, model.OrderFilled, res.Order.Status)

	// 5000 + 5000 + 2525 spent, refunds released
	f.assertBalance(t, "alice", "USDT", "7475", "0")
	f.assertBalance(t, "alice", "BTC", "0.25", "0")
	f.assertBalance(t, "carol", "BTC", "0.9", "0.05")
}

func TestMarketOrderSweepsLevels(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "bob", "BTC", "1")
	f.fund(t, "alice", "USDT", "10000")

	f.limit(t, "bob", "BTC-USDT", model.Sell, "50000", "0.1")
	f.limit(t, "bob", "BTC-USDT", model.Sell, "51000", "0.1")

	res, err := f.eng.Submit(context.Background(), marketReq("alice", "BTC-USDT", model.Buy, "0.15"))
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	assertDec(t, "50000", res.Trades[0].Price, "first level")
	assertDec(t, "51000", res.Trades[1].Price, "second level")
	assertDec(t, "0.05", res.Trades[1].Quantity, "second qty")
	assert.Equal(t, model.OrderFilled, res.Order.Status)
	assertDec(t, "51000", res.Order.Price, "effective price")
	f.assertBalance(t, "alice", "USDT", "2450", "0")
}

func TestMarketOrderRemainderCancelled(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "bob", "BTC", "1")
	f.fund(t, "alice", "USDT", "20000")

	f.limit(t, "bob", "BTC-USDT", model.Sell, "50000", "0.1")
	res, err := f.eng.Submit(context.Background(), marketReq("alice", "BTC-USDT", model.Buy, "0.3"))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.OrderCancelled, res.Order.Status)
	assertDec(t, "0.1", res.Order.Filled, "filled")
	f.assertBalance(t, "alice", "USDT", "15000", "0")

	depth, err := f.eng.Depth("BTC-USDT", 0)
	require.NoError(t, err)
	assert.Empty(t, depth.Bids, "market orders never rest")
	assert.Empty(t, depth.Asks)
}

func TestMarketOrderNoLiquidity(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "BTC", "1")

	_, err := f.eng.Submit(context.Background(), marketReq("alice", "BTC-USDT", model.Sell, "0.5"))
	assert.True(t, errors.Is(err, errs.ErrNoLiquidity))
	f.assertBalance(t, "alice", "BTC", "1", "0")

	orders, err := f.eng.OrderHistory(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMarketOrderFallbackPrice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarketFallbackPrice = decimal.NewNullDecimal(d("50000"))
	f := newFixture(t, WithConfig(cfg))
	f.fund(t, "alice", "USDT", "10000")

	res, err := f.eng.Submit(context.Background(), marketReq("alice", "BTC-USDT", model.Buy, "0.1"))
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, res.Order.Status)
	assertDec(t, "50000", res.Order.Price, "fallback price")
	f.assertBalance(t, "alice", "USDT", "5000", "5000")

	tk, err := f.eng.Ticker(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assertDec(t, "50000", tk.LastPrice, "ticker falls back too")
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "USDT", "100000")
	require.NoError(t, f.markets.UpdateMarketStatus("ETH-USDT", market.Paused))

	noPrice := limitReq("alice", "BTC-USDT", model.Buy, "1", "0.1")
	noPrice.Price = nil

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"unknown market", limitReq("alice", "DOGE-USDT", model.Buy, "1", "1"), errs.ErrInvalidMarket},
		{"paused market", limitReq("alice", "ETH-USDT", model.Buy, "3000", "1"), errs.ErrInvalidMarket},
		{"zero quantity", limitReq("alice", "BTC-USDT", model.Buy, "50000", "0"), errs.ErrInvalidRequest},
		{"quantity precision", limitReq("alice", "BTC-USDT", model.Buy, "50000", "0.000000001"), errs.ErrInvalidRequest},
		{"price precision", limitReq("alice", "BTC-USDT", model.Buy, "50000.001", "0.1"), errs.ErrInvalidRequest},
		{"negative price", limitReq("alice", "BTC-USDT", model.Buy, "-1", "0.1"), errs.ErrInvalidRequest},
		{"missing price", noPrice, errs.ErrInvalidRequest},
		{"bad account", limitReq("al ice", "BTC-USDT", model.Buy, "50000", "0.1"), errs.ErrInvalidRequest},
		{"bad side", SubmitRequest{AccountID: "alice", Market: "BTC-USDT", Side: "hold", Type: model.Market, Quantity: d("1")}, errs.ErrInvalidRequest},
		{"insufficient funds", limitReq("alice", "BTC-USDT", model.Buy, "50000", "3"), errs.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.Submit(context.Background(), tt.req)
			assert.True(t, errors.Is(err, tt.want), "want %v, got %v", tt.want, err)
		})
	}

	f.assertBalance(t, "alice", "USDT", "100000", "0")
	orders, err := f.repo.FindByAccount(context.Background(), "alice", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, orders, "rejected submissions leave no record")
}

func TestFrozenAccountRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", "USDT", "10000")

	_, err := f.accounts.SetFrozen(ctx, "alice", true)
	require.NoError(t, err)
	_, err = f.eng.Submit(ctx, limitReq("alice", "BTC-USDT", model.Buy, "50000", "0.1"))
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	_, err = f.accounts.SetFrozen(ctx, "alice", false)
	require.NoError(t, err)
	_, err = f.eng.Submit(ctx, limitReq("alice", "BTC-USDT", model.Buy, "50000", "0.1"))
	assert.NoError(t, err)
}

func TestCancelErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", "USDT", "10000")
	f.fund(t, "bob", "BTC", "1")

	_, err := f.eng.Cancel(ctx, "alice", "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	buy := f.limit(t, "alice", "BTC-USDT", model.Buy, "50000", "0.1")
	_, err = f.eng.Cancel(ctx, "bob", buy.Order.ID)
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	_, err = f.eng.Cancel(ctx, "alice", buy.Order.ID)
	require.NoError(t, err)
	before := f.ledger.Balance("alice", "USDT")

	_, err = f.eng.Cancel(ctx, "alice", buy.Order.ID)
	assert.True(t, errors.Is(err, errs.ErrAlreadyTerminal))
	after := f.ledger.Balance("alice", "USDT")
	assert.True(t, before.Available.Equal(after.Available) && before.Locked.Equal(after.Locked))

	// a filled order is terminal too
	sell := f.limit(t, "bob", "BTC-USDT", model.Sell, "40000", "0.1")
	f.limit(t, "alice", "BTC-USDT", model.Buy, "40000", "0.1")
	_, err = f.eng.Cancel(ctx, "bob", sell.Order.ID)
	assert.True(t, errors.Is(err, errs.ErrAlreadyTerminal))
}

func TestPausedMarketStillCancels(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "USDT", "10000")
	buy := f.limit(t, "alice", "BTC-USDT", model.Buy, "50000", "0.1")

	require.NoError(t, f.markets.UpdateMarketStatus("BTC-USDT", market.Paused))
	_, err := f.eng.Cancel(context.Background(), "alice", buy.Order.ID)
	require.NoError(t, err)
	f.assertBalance(t, "alice", "USDT", "10000", "0")
}

func TestSelfTradeConserves(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "USDT", "10000")
	f.fund(t, "alice", "BTC", "1")

	f.limit(t, "alice", "BTC-USDT", model.Sell, "50000", "0.1")
	res := f.limit(t, "alice", "BTC-USDT", model.Buy, "50000", "0.1")
	require.Len(t, res.Trades, 1)

	f.assertBalance(t, "alice", "USDT", "10000", "0")
	f.assertBalance(t, "alice", "BTC", "1", "0")
}

func TestEventsFollowCommits(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "USDT", "10000")
	f.fund(t, "bob", "BTC", "1")

	f.limit(t, "bob", "BTC-USDT", model.Sell, "50000", "0.1")
	f.limit(t, "alice", "BTC-USDT", model.Buy, "50000", "0.1")

	assert.Len(t, f.rec.OfType(events.TradeExecuted), 1)
	// two acceptances plus taker and maker fills
	assert.Len(t, f.rec.OfType(events.OrderUpdated), 4)
	assert.NotEmpty(t, f.rec.OfType(events.BalanceChanged))
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, ...events.Event) error {
	return errors.New("broker down")
}
func (failingPublisher) Close() error { return nil }

func TestPublishFailureKeepsCommit(t *testing.T) {
	f := newFixture(t, WithPublisher(failingPublisher{}))
	f.fund(t, "alice", "USDT", "10000")

	res, err := f.eng.Submit(context.Background(), limitReq("alice", "BTC-USDT", model.Buy, "50000", "0.1"))
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, res.Order.Status)
	f.assertBalance(t, "alice", "USDT", "5000", "5000")
}

// flakyRepo fails the n-th commit after it is armed.
type flakyRepo struct {
	storage.Repository
	mu     sync.Mutex
	failAt int
	calls  int
}

func (r *flakyRepo) arm(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAt, r.calls = n, 0
}

func (r *flakyRepo) Commit(ctx context.Context, cs *storage.Changeset) error {
	r.mu.Lock()
	r.calls++
	fail := r.failAt > 0 && r.calls == r.failAt
	r.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return r.Repository.Commit(ctx, cs)
}

func TestReserveFailureLeavesNothing(t *testing.T) {
	repo := &flakyRepo{Repository: storage.NewMemoryStore()}
	f := newFixtureWithRepo(t, repo)
	f.fund(t, "alice", "USDT", "10000")

	repo.arm(1)
	_, err := f.eng.Submit(context.Background(), limitReq("alice", "BTC-USDT", model.Buy, "50000", "0.1"))
	require.Error(t, err)
	assert.Equal(t, errs.Internal, errs.CodeOf(err))

	f.assertBalance(t, "alice", "USDT", "10000", "0")
	depth, err := f.eng.Depth("BTC-USDT", 0)
	require.NoError(t, err)
	assert.Empty(t, depth.Bids)
	orders, err := f.repo.FindByAccount(context.Background(), "alice", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMatchFailureKeepsStateConsistent(t *testing.T) {
	repo := &flakyRepo{Repository: storage.NewMemoryStore()}
	f := newFixtureWithRepo(t, repo)
	ctx := context.Background()
	f.fund(t, "alice", "USDT", "10000")
	f.fund(t, "bob", "BTC", "1")
	before := totals(f.ledger)

	sell := f.limit(t, "bob", "BTC-USDT", model.Sell, "50000", "0.1")

	// reserve commits, the first match step fails
	repo.arm(2)
	_, err := f.eng.Submit(ctx, limitReq("alice", "BTC-USDT", model.Buy, "50000", "0.1"))
	require.Error(t, err)

	f.assertBalance(t, "alice", "USDT", "5000", "5000")
	f.assertBalance(t, "bob", "BTC", "0.9", "0.1")
	maker, err := f.repo.FindOrder(ctx, sell.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, maker.Status)

	require.NoError(t, f.eng.Verify(ctx))
	after := totals(f.ledger)
	for asset, v := range before {
		assert.True(t, v.Equal(after[asset]), "%s total changed", asset)
	}

	// the taker stays cancellable
	open, err := f.eng.OpenOrders(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, open, 1)
	_, err = f.eng.Cancel(ctx, "alice", open[0].ID)
	require.NoError(t, err)
	f.assertBalance(t, "alice", "USDT", "10000", "0")
}

func TestRestoreRebuildsState(t *testing.T) {
	repo := storage.NewMemoryStore()
	f := newFixtureWithRepo(t, repo)
	ctx := context.Background()
	f.fund(t, "alice", "USDT", "10000")
	f.fund(t, "bob", "BTC", "1")
	f.fund(t, "carol", "BTC", "1")

	f.limit(t, "bob", "BTC-USDT", model.Sell, "51000", "0.2")
	f.limit(t, "carol", "BTC-USDT", model.Sell, "51000", "0.1")
	f.limit(t, "alice", "BTC-USDT", model.Buy, "51000", "0.1")
	f.limit(t, "alice", "BTC-USDT", model.Buy, "49000", "0.05")
	wantDepth, err := f.eng.Depth("BTC-USDT", 0)
	require.NoError(t, err)
	lastSeq, err := repo.LastSequence(ctx)
	require.NoError(t, err)

	g := newNamedFixture(t, "restored", repo)
	require.NoError(t, g.eng.Restore(ctx))

	gotDepth, err := g.eng.Depth("BTC-USDT", 0)
	require.NoError(t, err)
	require.Equal(t, len(wantDepth.Asks), len(gotDepth.Asks))
	for i := range wantDepth.Asks {
		assert.True(t, wantDepth.Asks[i].Quantity.Equal(gotDepth.Asks[i].Quantity))
		assert.Equal(t, wantDepth.Asks[i].Count, gotDepth.Asks[i].Count)
	}
	require.Len(t, gotDepth.Bids, 1)
	g.assertBalance(t, "alice", "USDT", "2450", "2450")
	g.assertBalance(t, "bob", "BTC", "0.8", "0.1")

	// time priority survives: bob's partial order still fills first
	g.fund(t, "dave", "USDT", "10000")
	res, err := g.eng.Submit(ctx, limitReq("dave", "BTC-USDT", model.Buy, "51000", "0.1"))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "bob", res.Trades[0].MakerAccountID)
	assert.Greater(t, res.Order.Seq, lastSeq)
}

func TestVerifyDetectsStrayLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", "USDT", "10000")
	f.limit(t, "alice", "BTC-USDT", model.Buy, "50000", "0.1")
	require.NoError(t, f.eng.Verify(ctx))

	require.NoError(t, f.ledger.Reserve(ctx, "alice", "USDT", d("1")))
	err := f.eng.Verify(ctx)
	assert.True(t, errors.Is(err, errs.ErrInvariantViolation))
}

func TestConcurrentSubmissionsConserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accounts := []string{"a1", "a2", "a3", "a4", "a5", "a6"}
	for _, acct := range accounts {
		f.fund(t, acct, "USDT", "1000000")
		f.fund(t, acct, "BTC", "10")
		f.fund(t, acct, "ETH", "100")
	}
	before := totals(f.ledger)

	var wg sync.WaitGroup
	for i, acct := range accounts {
		wg.Add(1)
		go func(i int, acct string) {
			defer wg.Done()
			for n := 0; n < 40; n++ {
				side := model.Buy
				if (n+i)%2 == 0 {
					side = model.Sell
				}
				mkt, price := "BTC-USDT", fmt.Sprintf("%d", 50000+(n%5)*10)
				if n%3 == 0 {
					mkt, price = "ETH-USDT", fmt.Sprintf("%d", 3000+(n%4))
				}
				var err error
				if n%7 == 0 {
					_, err = f.eng.Submit(ctx, marketReq(acct, mkt, side, "0.01"))
				} else {
					_, err = f.eng.Submit(ctx, limitReq(acct, mkt, side, price, "0.01"))
				}
				if err != nil && !errors.Is(err, errs.ErrNoLiquidity) && !errors.Is(err, errs.ErrInsufficientFunds) {
					t.Errorf("submit: %v", err)
				}
			}
		}(i, acct)
	}
	wg.Wait()

	after := totals(f.ledger)
	for asset, v := range before {
		assert.True(t, v.Equal(after[asset]), "%s total: before %s after %s", asset, v, after[asset])
	}
	for _, b := range f.ledger.All() {
		assert.False(t, b.Available.IsNegative(), "%s/%s available negative", b.AccountID, b.Asset)
		assert.False(t, b.Locked.IsNegative(), "%s/%s locked negative", b.AccountID, b.Asset)
	}
	require.NoError(t, f.eng.Verify(ctx))

	// no crossed book is left behind
	for _, mkt := range testMarkets {
		depth, err := f.eng.Depth(mkt, 1)
		require.NoError(t, err)
		if len(depth.Bids) > 0 && len(depth.Asks) > 0 {
			assert.True(t, depth.Bids[0].Price.LessThan(depth.Asks[0].Price), "%s crossed", mkt)
		}
	}
}

func TestTickerWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarketFallbackPrice = decimal.NewNullDecimal(d("50000"))
	f := newFixture(t, WithConfig(cfg))
	ctx := context.Background()
	f.fund(t, "seller", "BTC", "10")
	f.fund(t, "buyer", "USDT", "1000")

	// trades at start, start+1h and start+2h
	fills := []struct{ price, qty string }{{"100", "1"}, {"120", "2"}, {"90", "0.5"}}
	for i, fill := range fills {
		if i > 0 {
			f.clock.Advance(time.Hour)
		}
		f.limit(t, "seller", "BTC-USDT", model.Sell, fill.price, fill.qty)
		res := f.limit(t, "buyer", "BTC-USDT", model.Buy, fill.price, fill.qty)
		require.Len(t, res.Trades, 1)
	}

	tests := []struct {
		name                 string
		now                  time.Time
		last, vol, high, low string
		count                int
	}{
		{"all trades inside", start.Add(2 * time.Hour), "90", "3.5", "120", "90", 3},
		{"trade exactly at window edge counts", start.Add(25 * time.Hour), "90", "2.5", "120", "90", 2},
		{"one trade left", start.Add(26 * time.Hour), "90", "0.5", "90", "90", 1},
		{"last price outlives the window", start.Add(27 * time.Hour), "90", "0", "0", "0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.clock.Advance(tt.now.Sub(f.clock.Now()))
			tk, err := f.eng.Ticker(ctx, "BTC-USDT")
			require.NoError(t, err)
			assertDec(t, tt.last, tk.LastPrice, "last price")
			assertDec(t, tt.vol, tk.Volume24h, "volume")
			assertDec(t, tt.high, tk.High24h, "high")
			assertDec(t, tt.low, tk.Low24h, "low")
			assert.Equal(t, tt.count, tk.Trades24h)
		})
	}
}

func TestTickerWithoutTrades(t *testing.T) {
	f := newFixture(t)
	tk, err := f.eng.Ticker(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assert.True(t, tk.LastPrice.IsZero())
	assert.Zero(t, tk.Trades24h)
}

func TestCancelOrderMissingFromBook(t *testing.T) {
	repo := storage.NewMemoryStore()
	f := newFixtureWithRepo(t, repo)
	ctx := context.Background()
	f.fund(t, "alice", "USDT", "10000")
	res := f.limit(t, "alice", "BTC-USDT", model.Buy, "50000", "0.1")

	// an engine that never restored has the order in storage only
	g := newNamedFixture(t, "stale", repo)
	_, err := g.eng.Cancel(ctx, "alice", res.Order.ID)
	assert.True(t, errors.Is(err, errs.ErrInvariantViolation), "got %v", err)

	stored, err := repo.FindOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, stored.Status)
}

func TestQueriesNormalizeSymbol(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "bob", "BTC", "1")
	f.limit(t, "bob", "BTC-USDT", model.Sell, "51000", "0.2")

	depth, err := f.eng.Depth(" btc-usdt ", 0)
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT", depth.Market)
	require.Len(t, depth.Asks, 1)

	_, err = f.eng.RecentTrades(ctx, "btc-usdt", 0)
	require.NoError(t, err)
	tk, err := f.eng.Ticker(ctx, "Btc-Usdt")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT", tk.Market)
}
