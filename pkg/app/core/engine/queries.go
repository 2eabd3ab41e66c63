package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperspot/pkg/storage"
)

// Depth is an aggregated snapshot of both sides of a book, best level first.
type Depth struct {
	Market string
	Bids   []orderbook.PriceLevel
	Asks   []orderbook.PriceLevel
}

// Ticker summarizes the trailing 24 hours of a market.
type Ticker struct {
	Market    string
	LastPrice decimal.Decimal
	Volume24h decimal.Decimal // base quantity
	High24h   decimal.Decimal
	Low24h    decimal.Decimal
	Trades24h int
}

const tickerWindow = 24 * time.Hour

// Limit clamps a caller supplied page size: non-positive means def, and
// anything above the configured maximum is capped.
func (e *Engine) Limit(limit, def int) int {
	if limit <= 0 {
		limit = def
	}
	if e.cfg.MaxLimit > 0 && limit > e.cfg.MaxLimit {
		limit = e.cfg.MaxLimit
	}
	return limit
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) OpenOrders(ctx context.Context, accountID string) ([]*model.Order, error) {
	if err := model.ValidateAccountID(accountID); err != nil {
		return nil, err
	}
	return e.repo.FindByAccount(ctx, accountID, storage.OpenStatuses, 0)
}

func (e *Engine) OrderHistory(ctx context.Context, accountID string, limit int) ([]*model.Order, error) {
	if err := model.ValidateAccountID(accountID); err != nil {
		return nil, err
	}
	return e.repo.FindByAccount(ctx, accountID, nil, e.Limit(limit, e.cfg.HistoryLimit))
}

func (e *Engine) AccountTrades(ctx context.Context, accountID string, limit int) ([]*model.Trade, error) {
	if err := model.ValidateAccountID(accountID); err != nil {
		return nil, err
	}
	return e.repo.FindTradesByAccount(ctx, accountID, e.Limit(limit, e.cfg.TradesLimit))
}

func (e *Engine) Balances(accountID string) ([]model.Balance, error) {
	if err := model.ValidateAccountID(accountID); err != nil {
		return nil, err
	}
	return e.ledger.Balances(accountID), nil
}

// Depth reads the book without entering the market section.
func (e *Engine) Depth(symbol string, limit int) (Depth, error) {
	mkt, err := e.markets.GetMarket(symbol)
	if err != nil {
		return Depth{}, err
	}
	book := e.section(mkt.Symbol).book
	limit = e.Limit(limit, e.cfg.DepthLimit)
	return Depth{
		Market: mkt.Symbol,
		Bids:   book.Depth(model.Buy, limit),
		Asks:   book.Depth(model.Sell, limit),
	}, nil
}

func (e *Engine) RecentTrades(ctx context.Context, symbol string, limit int) ([]*model.Trade, error) {
	mkt, err := e.markets.GetMarket(symbol)
	if err != nil {
		return nil, err
	}
	return e.repo.FindTradesByMarket(ctx, mkt.Symbol, e.Limit(limit, e.cfg.TradesLimit))
}

func (e *Engine) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	mkt, err := e.markets.GetMarket(symbol)
	if err != nil {
		return Ticker{}, err
	}
	trades, err := e.repo.FindTradesSince(ctx, mkt.Symbol, e.clock.Now().Add(-tickerWindow))
	if err != nil {
		return Ticker{}, err
	}

	// last price is not bounded by the window
	last, err := e.repo.FindTradesByMarket(ctx, mkt.Symbol, 1)
	if err != nil {
		return Ticker{}, err
	}

	t := Ticker{
		Market:    mkt.Symbol,
		LastPrice: decimal.Zero,
		Volume24h: decimal.Zero,
		High24h:   decimal.Zero,
		Low24h:    decimal.Zero,
		Trades24h: len(trades),
	}
	switch {
	case len(last) > 0:
		t.LastPrice = last[0].Price
	case e.cfg.MarketFallbackPrice.Valid:
		t.LastPrice = e.cfg.MarketFallbackPrice.Decimal
	}
	if len(trades) == 0 {
		return t, nil
	}

	t.High24h, t.Low24h = trades[0].Price, trades[0].Price
	for _, tr := range trades {
		t.Volume24h = t.Volume24h.Add(tr.Quantity)
		if tr.Price.GreaterThan(t.High24h) {
			t.High24h = tr.Price
		}
		if tr.Price.LessThan(t.Low24h) {
			t.Low24h = tr.Price
		}
	}
	return t, nil
}
