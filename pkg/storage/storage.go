// Package storage defines the persistence contract for orders, trades,
// balances, transfers and accounts, plus an in-memory implementation.
// The pebblestore and postgres subpackages provide durable ones.
package storage

import (
	"context"
	"time"

	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
)

// Changeset is one atomic unit of persisted state. Implementations write all
// of it or none of it.
type Changeset struct {
	Orders    []*model.Order
	Trades    []*model.Trade
	Balances  []model.Balance
	Transfers []*model.Transfer
	Accounts  []*model.Account
}

// Empty reports whether there is nothing to write.
func (c *Changeset) Empty() bool {
	return len(c.Orders) == 0 && len(c.Trades) == 0 && len(c.Balances) == 0 &&
		len(c.Transfers) == 0 && len(c.Accounts) == 0
}

// StatusFilter selects orders by status. An empty filter matches everything.
type StatusFilter []model.OrderStatus

// OpenStatuses matches orders that may still rest in a book.
var OpenStatuses = StatusFilter{model.OrderOpen, model.OrderPartial}

func (f StatusFilter) Match(s model.OrderStatus) bool {
	if len(f) == 0 {
		return true
	}
	for _, want := range f {
		if want == s {
			return true
		}
	}
	return false
}

// OrderRepository persists order records.
type OrderRepository interface {
	SaveOrder(ctx context.Context, o *model.Order) error
	// FindOrder returns errs.NotFound for unknown ids.
	FindOrder(ctx context.Context, id string) (*model.Order, error)
	// FindOpenByMarket returns open and partial orders of one side in
	// price-time priority.
	FindOpenByMarket(ctx context.Context, market string, side model.Side) ([]*model.Order, error)
	// FindByAccount returns the account's orders matching filter, newest
	// first. limit <= 0 means no limit.
	FindByAccount(ctx context.Context, accountID string, filter StatusFilter, limit int) ([]*model.Order, error)
}

// TradeRepository persists trades. Trades are never updated or deleted.
type TradeRepository interface {
	SaveTrade(ctx context.Context, t *model.Trade) error
	// FindTradesByMarket returns the most recent trades, newest first.
	FindTradesByMarket(ctx context.Context, market string, limit int) ([]*model.Trade, error)
	// FindTradesSince returns trades executed at or after since, oldest first.
	FindTradesSince(ctx context.Context, market string, since time.Time) ([]*model.Trade, error)
	// FindTradesByAccount returns trades where the account was taker or
	// maker, newest first.
	FindTradesByAccount(ctx context.Context, accountID string, limit int) ([]*model.Trade, error)
}

// TransferRepository persists deposit and withdraw requests.
type TransferRepository interface {
	FindTransfer(ctx context.Context, id string) (*model.Transfer, error)
	FindTransfersByAccount(ctx context.Context, accountID string, limit int) ([]*model.Transfer, error)
	// FindPendingTransfers returns pending requests, oldest first.
	FindPendingTransfers(ctx context.Context) ([]*model.Transfer, error)
}

// Repository is the full persistence surface used by the engine, the
// wallet and the account directory.
type Repository interface {
	OrderRepository
	TradeRepository
	TransferRepository

	// Commit writes a changeset atomically.
	Commit(ctx context.Context, cs *Changeset) error
	LoadBalances(ctx context.Context) ([]model.Balance, error)
	// FindAccount returns errs.NotFound for unknown accounts.
	FindAccount(ctx context.Context, id string) (*model.Account, error)
	// LastSequence returns the highest order or trade sequence committed.
	LastSequence(ctx context.Context) (uint64, error)
	Close() error
}

// MaxSeq returns the highest order or trade sequence in cs.
func MaxSeq(cs *Changeset) uint64 {
	var max uint64
	for _, o := range cs.Orders {
		if o.Seq > max {
			max = o.Seq
		}
	}
	for _, t := range cs.Trades {
		if t.Seq > max {
			max = t.Seq
		}
	}
	return max
}
