package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
)

// Restore rebuilds the ledger, the books and the sequence counter from the
// repository. It must run before the engine serves any request.
func (e *Engine) Restore(ctx context.Context) error {
	rows, err := e.repo.LoadBalances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	e.ledger.Load(rows)

	resting := 0
	for _, mkt := range e.markets.ListMarkets() {
		sec := e.section(mkt.Symbol)
		sec.mu.Lock()
		for _, side := range []model.Side{model.Buy, model.Sell} {
			orders, err := e.repo.FindOpenByMarket(ctx, mkt.Symbol, side)
			if err != nil {
				sec.mu.Unlock()
				return fmt.Errorf("load open %s orders of %s: %w", side, mkt.Symbol, err)
			}
			for _, o := range orders {
				if err := sec.book.Insert(o); err != nil {
					sec.mu.Unlock()
					return e.logged(err)
				}
				sec.orders[o.ID] = o
			}
			resting += len(orders)
			e.metrics.SetOpenOrders(mkt.Symbol, string(side), len(orders))
		}
		sec.mu.Unlock()
	}

	seq, err := e.repo.LastSequence(ctx)
	if err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}
	e.seq.Store(seq)

	e.log.Infow("engine_restored", "balances", len(rows), "resting_orders", resting, "seq", seq)
	return e.Verify(ctx)
}

// Verify checks that every locked balance equals what the resting orders
// have reserved. It holds every market section while it reads.
func (e *Engine) Verify(_ context.Context) error {
	e.mu.RLock()
	symbols := make([]string, 0, len(e.sections))
	for sym := range e.sections {
		symbols = append(symbols, sym)
	}
	e.mu.RUnlock()
	sort.Strings(symbols)

	for _, sym := range symbols {
		sec := e.section(sym)
		sec.mu.Lock()
		defer sec.mu.Unlock()
	}

	want := make(map[ledger.Key]decimal.Decimal)
	for _, sym := range symbols {
		mkt, err := e.markets.GetMarket(sym)
		if err != nil {
			return err
		}
		for _, o := range e.section(sym).orders {
			k := ledger.Key{AccountID: o.AccountID, Asset: lockedAsset(mkt, o.Side)}
			want[k] = want[k].Add(o.LockedAmount())
		}
	}

	var mismatches []string
	for _, b := range e.ledger.All() {
		k := ledger.Key{AccountID: b.AccountID, Asset: b.Asset}
		if exp := want[k]; !exp.Equal(b.Locked) {
			mismatches = append(mismatches, fmt.Sprintf("%s/%s locked %s, orders reserve %s", b.AccountID, b.Asset, b.Locked, exp))
		}
		delete(want, k)
	}
	for k, exp := range want {
		if exp.IsPositive() {
			mismatches = append(mismatches, fmt.Sprintf("%s/%s has no row, orders reserve %s", k.AccountID, k.Asset, exp))
		}
	}
	if len(mismatches) > 0 {
		sort.Strings(mismatches)
		return e.violation("locked balances disagree with open orders: %s", strings.Join(mismatches, "; "))
	}
	return nil
}
