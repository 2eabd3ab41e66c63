// Package storagetest holds the behavioural suite every storage.Repository
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/storage"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newOrder(id, acct string, side model.Side, price, qty string, seq uint64) *model.Order {
	at := base.Add(time.Duration(seq) * time.Second)
	return &model.Order{
		ID: id, AccountID: acct, Market: "BTC-USDT", Side: side, Type: model.Limit,
		Price: d(price), Quantity: d(qty), Filled: decimal.Zero, Status: model.OrderOpen,
		Seq: seq, CreatedAt: at, UpdatedAt: at,
	}
}

func newTrade(id string, seq uint64, at time.Time, taker, maker string) *model.Trade {
	return &model.Trade{
		ID: id, Market: "BTC-USDT", Price: d("50000"), Quantity: d("0.1"), TakerSide: model.Buy,
		TakerOrderID: "t-" + id, MakerOrderID: "m-" + id, TakerAccountID: taker, MakerAccountID: maker,
		Seq: seq, ExecutedAt: at,
	}
}

// Run exercises repo against the storage contract. newRepo must return an
// empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Run("orders", func(t *testing.T) { testOrders(t, newRepo(t)) })
	t.Run("open by market", func(t *testing.T) { testOpenByMarket(t, newRepo(t)) })
	t.Run("trades", func(t *testing.T) { testTrades(t, newRepo(t)) })
	t.Run("balances", func(t *testing.T) { testBalances(t, newRepo(t)) })
	t.Run("transfers", func(t *testing.T) { testTransfers(t, newRepo(t)) })
	t.Run("accounts", func(t *testing.T) { testAccounts(t, newRepo(t)) })
}

func testOrders(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	_, err := repo.FindOrder(ctx, "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	o1 := newOrder("o1", "alice", model.Buy, "50000", "0.1", 1)
	o2 := newOrder("o2", "alice", model.Sell, "51000", "0.2", 2)
	o3 := newOrder("o3", "bob", model.Sell, "51000", "0.2", 3)
	for _, o := range []*model.Order{o1, o2, o3} {
		require.NoError(t, repo.SaveOrder(ctx, o))
	}

	got, err := repo.FindOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.AccountID)
	assert.True(t, got.Price.Equal(d("50000")))
	assert.Equal(t, model.OrderOpen, got.Status)

	filled, err := o2.Fill(d("0.2"), base)
	require.NoError(t, err)
	require.NoError(t, repo.SaveOrder(ctx, filled))

	all, err := repo.FindByAccount(ctx, "alice", nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "o2", all[0].ID, "newest first")
	assert.Equal(t, model.OrderFilled, all[0].Status)

	open, err := repo.FindByAccount(ctx, "alice", storage.OpenStatuses, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "o1", open[0].ID)

	limited, err := repo.FindByAccount(ctx, "alice", nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	seq, err := repo.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func testOpenByMarket(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	orders := []*model.Order{
		newOrder("a1", "alice", model.Sell, "51000", "0.1", 1),
		newOrder("a2", "bob", model.Sell, "50500", "0.1", 2),
		newOrder("a3", "carol", model.Sell, "50500", "0.1", 3),
		newOrder("b1", "dave", model.Buy, "49000", "0.1", 4),
	}
	require.NoError(t, repo.Commit(ctx, &storage.Changeset{Orders: orders}))

	cancelled, err := orders[0].Cancel(base)
	require.NoError(t, err)
	require.NoError(t, repo.SaveOrder(ctx, cancelled))

	asks, err := repo.FindOpenByMarket(ctx, "BTC-USDT", model.Sell)
	require.NoError(t, err)
	var ids []string
	for _, o := range asks {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"a2", "a3"}, ids)

	bids, err := repo.FindOpenByMarket(ctx, "BTC-USDT", model.Buy)
	require.NoError(t, err)
	require.Len(t, bids, 1)

	none, err := repo.FindOpenByMarket(ctx, "ETH-USDT", model.Buy)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTrades(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	trades := []*model.Trade{
		newTrade("t1", 1, base, "alice", "bob"),
		newTrade("t2", 2, base.Add(time.Hour), "bob", "carol"),
		newTrade("t3", 3, base.Add(2*time.Hour), "carol", "alice"),
	}
	for _, tr := range trades {
		require.NoError(t, repo.SaveTrade(ctx, tr))
	}

	recent, err := repo.FindTradesByMarket(ctx, "BTC-USDT", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "t3", recent[0].ID)
	assert.Equal(t, "t2", recent[1].ID)

	since, err := repo.FindTradesSince(ctx, "BTC-USDT", base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "t2", since[0].ID, "oldest first")
	assert.Equal(t, "t3", since[1].ID)

	later, err := repo.FindTradesSince(ctx, "BTC-USDT", base.Add(2*time.Hour+time.Microsecond))
	require.NoError(t, err)
	assert.Empty(t, later)

	mine, err := repo.FindTradesByAccount(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "t3", mine[0].ID)
	assert.Equal(t, "t1", mine[1].ID)

	other, err := repo.FindTradesByMarket(ctx, "ETH-USDT", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testBalances(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.Commit(ctx, &storage.Changeset{Balances: []model.Balance{
		{AccountID: "bob", Asset: "BTC", Available: d("1"), Locked: d("0.5")},
		{AccountID: "alice", Asset: "USDT", Available: d("5000"), Locked: d("5000")},
	}}))
	require.NoError(t, repo.Commit(ctx, &storage.Changeset{Balances: []model.Balance{
		{AccountID: "alice", Asset: "USDT", Available: d("7500"), Locked: d("2500")},
	}}))

	rows, err := repo.LoadBalances(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0].AccountID)
	assert.True(t, rows[0].Available.Equal(d("7500")))
	assert.True(t, rows[0].Locked.Equal(d("2500")))
	assert.True(t, rows[1].Locked.Equal(d("0.5")))
}

func testTransfers(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	dep := &model.Transfer{ID: "x1", AccountID: "alice", Asset: "USDT", Kind: model.Deposit, Amount: d("100"), Status: model.TransferPending, CreatedAt: base}
	wd := &model.Transfer{ID: "x2", AccountID: "alice", Asset: "BTC", Kind: model.Withdraw, Amount: d("0.1"), Status: model.TransferPending, CreatedAt: base.Add(time.Minute)}
	require.NoError(t, repo.Commit(ctx, &storage.Changeset{Transfers: []*model.Transfer{dep, wd}}))

	pending, err := repo.FindPendingTransfers(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "x1", pending[0].ID)

	processed := *dep
	processed.Status = model.TransferApproved
	processed.ProcessedBy = "admin"
	at := base.Add(time.Hour)
	processed.ProcessedAt = &at
	require.NoError(t, repo.Commit(ctx, &storage.Changeset{Transfers: []*model.Transfer{&processed}}))

	pending, err = repo.FindPendingTransfers(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "x2", pending[0].ID)

	got, err := repo.FindTransfer(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, model.TransferApproved, got.Status)
	require.NotNil(t, got.ProcessedAt)

	list, err := repo.FindTransfersByAccount(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "x2", list[0].ID, "newest first")

	_, err = repo.FindTransfer(ctx, "nope")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func testAccounts(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	_, err := repo.FindAccount(ctx, "alice")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	require.NoError(t, repo.Commit(ctx, &storage.Changeset{Accounts: []*model.Account{
		{ID: "alice", Frozen: true, KYC: model.KYCApproved, UpdatedAt: base},
	}}))
	a, err := repo.FindAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Frozen)
	assert.Equal(t, model.KYCApproved, a.KYC)
}
