package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertBalance(t *testing.T, l *Ledger, acct, asset, avail, locked string) {
	t.Helper()
	b := l.Balance(acct, asset)
	assert.True(t, b.Available.Equal(d(avail)), "%s/%s available: got %s want %s", acct, asset, b.Available, avail)
	assert.True(t, b.Locked.Equal(d(locked)), "%s/%s locked: got %s want %s", acct, asset, b.Locked, locked)
}

func TestReserveRelease(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.CreditAvailable(ctx, "alice", "USDT", d("10000")))

	require.NoError(t, l.Reserve(ctx, "alice", "USDT", d("5000")))
	assertBalance(t, l, "alice", "USDT", "5000", "5000")

	err := l.Reserve(ctx, "alice", "USDT", d("5000.01"))
	assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))
	assertBalance(t, l, "alice", "USDT", "5000", "5000")

	require.NoError(t, l.Release(ctx, "alice", "USDT", d("2500")))
	assertBalance(t, l, "alice", "USDT", "7500", "2500")

	err = l.Release(ctx, "alice", "USDT", d("2500.01"))
	assert.True(t, errors.Is(err, errs.ErrInvariantViolation))
	assertBalance(t, l, "alice", "USDT", "7500", "2500")
}

func TestSettleMovesLockedToCounterpartyAvailable(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.CreditAvailable(ctx, "seller", "BTC", d("1")))
	require.NoError(t, l.Reserve(ctx, "seller", "BTC", d("0.2")))

	require.NoError(t, l.Settle(ctx, "seller", "buyer", "BTC", d("0.1")))
	assertBalance(t, l, "seller", "BTC", "0.8", "0.1")
	assertBalance(t, l, "buyer", "BTC", "0.1", "0")

	err := l.Settle(ctx, "seller", "buyer", "BTC", d("0.2"))
	assert.True(t, errors.Is(err, errs.ErrInvariantViolation))
}

func TestDebitAvailable(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.CreditAvailable(ctx, "bob", "USDT", d("100")))

	err := l.DebitAvailable(ctx, "bob", "USDT", d("100.01"))
	assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))
	require.NoError(t, l.DebitAvailable(ctx, "bob", "USDT", d("40")))
	assertBalance(t, l, "bob", "USDT", "60", "0")
}

func TestNegativeAmountRejected(t *testing.T) {
	l := New()
	err := l.CreditAvailable(context.Background(), "bob", "USDT", d("-1"))
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
}

func TestTxIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.CreditAvailable(ctx, "buyer", "USDT", d("5000")))
	require.NoError(t, l.Reserve(ctx, "buyer", "USDT", d("5000")))

	// second leg is invalid: seller has no locked BTC
	tx := l.Begin()
	require.NoError(t, tx.Settle("buyer", "seller", "USDT", d("5000")))
	require.NoError(t, tx.Settle("seller", "buyer", "BTC", d("0.1")))
	_, err := tx.Commit(ctx, nil)
	assert.True(t, errors.Is(err, errs.ErrInvariantViolation))

	assertBalance(t, l, "buyer", "USDT", "0", "5000")
	assertBalance(t, l, "seller", "USDT", "0", "0")
}

func TestTxPersistFailureLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.CreditAvailable(ctx, "alice", "USDT", d("100")))

	tx := l.Begin()
	require.NoError(t, tx.Reserve("alice", "USDT", d("60")))
	_, err := tx.Commit(ctx, func(context.Context, []model.Balance) error {
		return fmt.Errorf("disk full")
	})
	require.Error(t, err)
	assertBalance(t, l, "alice", "USDT", "100", "0")
}

func TestTxPersistReceivesSortedRows(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.CreditAvailable(ctx, "zed", "USDT", d("10")))
	require.NoError(t, l.Reserve(ctx, "zed", "USDT", d("10")))
	require.NoError(t, l.CreditAvailable(ctx, "amy", "BTC", d("1")))
	require.NoError(t, l.Reserve(ctx, "amy", "BTC", d("1")))

	var got []model.Balance
	tx := l.Begin()
	require.NoError(t, tx.Settle("zed", "amy", "USDT", d("10")))
	require.NoError(t, tx.Settle("amy", "zed", "BTC", d("1")))
	rows, err := tx.Commit(ctx, func(_ context.Context, rows []model.Balance) error {
		got = rows
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, rows, got)

	var keys []string
	for _, b := range got {
		keys = append(keys, b.AccountID+"/"+b.Asset)
	}
	assert.Equal(t, []string{"amy/BTC", "amy/USDT", "zed/BTC", "zed/USDT"}, keys)
}

func TestTxReservePrecheckCountsStagedOps(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.CreditAvailable(ctx, "alice", "USDT", d("100")))

	tx := l.Begin()
	require.NoError(t, tx.Reserve("alice", "USDT", d("70")))
	err := tx.Reserve("alice", "USDT", d("40"))
	assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))

	require.NoError(t, tx.CreditAvailable("alice", "USDT", d("10")))
	require.NoError(t, tx.Reserve("alice", "USDT", d("40")))
	_, err = tx.Commit(ctx, nil)
	require.NoError(t, err)
	assertBalance(t, l, "alice", "USDT", "0", "110")
}

func TestLedgerPersistHookAndCommitHook(t *testing.T) {
	ctx := context.Background()
	var persisted int
	var failures int
	l := New(
		WithPersist(func(context.Context, []model.Balance) error { persisted++; return nil }),
		WithCommitHook(func(err error) {
			if err != nil {
				failures++
			}
		}),
	)
	require.NoError(t, l.CreditAvailable(ctx, "alice", "USDT", d("1")))
	assert.Error(t, l.Release(ctx, "alice", "USDT", d("1")))
	assert.Equal(t, 1, persisted)
	assert.Equal(t, 1, failures)
}

func TestBalancesAndLoad(t *testing.T) {
	l := New()
	l.Load([]model.Balance{
		{AccountID: "alice", Asset: "USDT", Available: d("5"), Locked: d("1")},
		{AccountID: "alice", Asset: "BTC", Available: d("0.5")},
		{AccountID: "bob", Asset: "BTC", Available: d("2")},
	})

	bals := l.Balances("alice")
	require.Len(t, bals, 2)
	assert.Equal(t, "BTC", bals[0].Asset)
	assert.Equal(t, "USDT", bals[1].Asset)
	assert.Len(t, l.All(), 3)

	missing := l.Balance("carol", "BTC")
	assert.True(t, missing.Total().IsZero())
}

// Opposing trades between the same two accounts must not deadlock and must
// conserve totals.
func TestConcurrentSettlementsConserveTotals(t *testing.T) {
	ctx := context.Background()
	l := New()
	for _, acct := range []string{"a", "b"} {
		require.NoError(t, l.CreditAvailable(ctx, acct, "BTC", d("100")))
		require.NoError(t, l.CreditAvailable(ctx, acct, "USDT", d("100000")))
	}

	const rounds = 200
	var wg sync.WaitGroup
	trade := func(buyer, seller string) {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			tx := l.Begin()
			if err := tx.Reserve(buyer, "USDT", d("10")); err != nil {
				continue
			}
			if err := tx.Reserve(seller, "BTC", d("0.01")); err != nil {
				continue
			}
			_ = tx.Settle(buyer, seller, "USDT", d("10"))
			_ = tx.Settle(seller, buyer, "BTC", d("0.01"))
			_, _ = tx.Commit(ctx, nil)
		}
	}
	wg.Add(2)
	go trade("a", "b")
	go trade("b", "a")
	wg.Wait()

	for _, asset := range []string{"BTC", "USDT"} {
		total := l.Balance("a", asset).Total().Add(l.Balance("b", asset).Total())
		want := d("200")
		if asset == "USDT" {
			want = d("200000")
		}
		assert.True(t, total.Equal(want), "%s total %s", asset, total)
	}
	for _, b := range l.All() {
		assert.False(t, b.Available.IsNegative())
		assert.True(t, b.Locked.IsZero())
	}
}
