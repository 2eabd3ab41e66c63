package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
)

// MemoryStore keeps everything in maps behind one lock. Records are copied
// in and out so callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*model.Order
	trades    []*model.Trade // append order == seq order
	balances  map[string]model.Balance
	transfers map[string]*model.Transfer
	accounts  map[string]*model.Account
	seq       uint64

	// failNext makes the next Commit fail; used to exercise rollback paths.
	failNext error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*model.Order),
		balances:  make(map[string]model.Balance),
		transfers: make(map[string]*model.Transfer),
		accounts:  make(map[string]*model.Account),
	}
}

// FailNextCommit makes the next Commit return err without writing anything.
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	for _, o := range cs.Orders {
		s.orders[o.ID] = o.Clone()
	}
	for _, t := range cs.Trades {
		c := *t
		s.trades = append(s.trades, &c)
	}
	for _, b := range cs.Balances {
		s.balances[b.AccountID+"/"+b.Asset] = b
	}
	for _, t := range cs.Transfers {
		c := *t
		s.transfers[t.ID] = &c
	}
	for _, a := range cs.Accounts {
		c := *a
		s.accounts[a.ID] = &c
	}
	if m := MaxSeq(cs); m > s.seq {
		s.seq = m
	}
	return nil
}

func (s *MemoryStore) SaveOrder(ctx context.Context, o *model.Order) error {
	return s.Commit(ctx, &Changeset{Orders: []*model.Order{o}})
}

func (s *MemoryStore) SaveTrade(ctx context.Context, t *model.Trade) error {
	return s.Commit(ctx, &Changeset{Trades: []*model.Trade{t}})
}

func (s *MemoryStore) FindOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "order %s not found", id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) FindOpenByMarket(_ context.Context, market string, side model.Side) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Order
	for _, o := range s.orders {
		if o.Market == market && o.Side == side && OpenStatuses.Match(o.Status) {
			out = append(out, o.Clone())
		}
	}
	SortPriceTime(out, side)
	return out, nil
}

func (s *MemoryStore) FindByAccount(_ context.Context, accountID string, filter StatusFilter, limit int) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID && filter.Match(o.Status) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindTradesByMarket(_ context.Context, market string, limit int) ([]*model.Trade, error) {
	return s.scanTrades(func(t *model.Trade) bool { return t.Market == market }, limit), nil
}

func (s *MemoryStore) FindTradesByAccount(_ context.Context, accountID string, limit int) ([]*model.Trade, error) {
	return s.scanTrades(func(t *model.Trade) bool { return t.Involves(accountID) }, limit), nil
}

// scanTrades walks trades newest first.
func (s *MemoryStore) scanTrades(match func(*model.Trade) bool, limit int) []*model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Trade
	for i := len(s.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if match(s.trades[i]) {
			c := *s.trades[i]
			out = append(out, &c)
		}
	}
	return out
}

func (s *MemoryStore) FindTradesSince(_ context.Context, market string, since time.Time) ([]*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Trade
	for _, t := range s.trades {
		if t.Market == market && !t.ExecutedAt.Before(since) {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadBalances(_ context.Context) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Asset < out[j].Asset
	})
	return out, nil
}

func (s *MemoryStore) FindTransfer(_ context.Context, id string) (*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "transfer %s not found", id)
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) FindTransfersByAccount(_ context.Context, accountID string, limit int) ([]*model.Transfer, error) {
	out := s.filterTransfers(func(t *model.Transfer) bool { return t.AccountID == accountID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindPendingTransfers(_ context.Context) ([]*model.Transfer, error) {
	out := s.filterTransfers(func(t *model.Transfer) bool { return t.Status == model.TransferPending })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) filterTransfers(match func(*model.Transfer) bool) []*model.Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Transfer
	for _, t := range s.transfers {
		if match(t) {
			c := *t
			out = append(out, &c)
		}
	}
	return out
}

func (s *MemoryStore) FindAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "account %s not found", id)
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) LastSequence(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, nil
}

func (s *MemoryStore) Close() error { return nil }

// SortPriceTime orders resting orders of one side best price first, then by
// submission sequence.
func SortPriceTime(orders []*model.Order, side model.Side) {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.Price.Equal(b.Price) {
			if side == model.Buy {
				return a.Price.GreaterThan(b.Price)
			}
			return a.Price.LessThan(b.Price)
		}
		return a.Seq < b.Seq
	})
}

var _ Repository = (*MemoryStore)(nil)
