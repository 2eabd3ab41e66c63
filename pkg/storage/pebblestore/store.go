// Package pebblestore is the Pebble-backed storage.Repository. Every
// Changeset is written as one synced batch.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/storage"
)

// Store provides Pebble-based persistence for the exchange core
type Store struct {
	db *pebble.DB

	mu  sync.Mutex // serializes commits so meta:seq only grows
	seq uint64
}

// Open opens (or creates) a Pebble database at the given path
func Open(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(128 << 20), // 128MB cache
		MemTableSize:             64 << 20,                   // 64MB memtable
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20, // 64MB
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	s := &Store{db: db}
	val, closer, err := db.Get(keySeq)
	switch {
	case err == nil:
		s.seq = parseSeq(val)
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Commit writes the changeset as one batch with Sync.
func (s *Store) Commit(_ context.Context, cs *storage.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	for _, o := range cs.Orders {
		if err := setJSON(b, orderKey(o.ID), o); err != nil {
			return err
		}
		if err := b.Set(orderAccountKey(o), nil, nil); err != nil {
			return err
		}
		if o.Status.Terminal() {
			if err := b.Delete(openKey(o), nil); err != nil {
				return err
			}
		} else if err := b.Set(openKey(o), nil, nil); err != nil {
			return err
		}
	}
	for _, t := range cs.Trades {
		key := tradeKey(t)
		if err := setJSON(b, key, t); err != nil {
			return err
		}
		for _, acct := range []string{t.TakerAccountID, t.MakerAccountID} {
			if err := b.Set(tradeAccountKey(acct, t.Seq), key, nil); err != nil {
				return err
			}
		}
	}
	for i := range cs.Balances {
		bal := &cs.Balances[i]
		if err := setJSON(b, balanceKey(bal.AccountID, bal.Asset), bal); err != nil {
			return err
		}
	}
	for _, t := range cs.Transfers {
		if err := setJSON(b, transferKey(t.ID), t); err != nil {
			return err
		}
		if err := b.Set(transferAccountKey(t), nil, nil); err != nil {
			return err
		}
		if t.Status == model.TransferPending {
			if err := b.Set(transferPendingKey(t), nil, nil); err != nil {
				return err
			}
		} else if err := b.Delete(transferPendingKey(t), nil); err != nil {
			return err
		}
	}
	for _, a := range cs.Accounts {
		if err := setJSON(b, accountKey(a.ID), a); err != nil {
			return err
		}
	}

	seq := s.seq
	if m := storage.MaxSeq(cs); m > seq {
		seq = m
		if err := b.Set(keySeq, seqValue(seq), nil); err != nil {
			return err
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	s.seq = seq
	return nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

func (s *Store) SaveOrder(ctx context.Context, o *model.Order) error {
	return s.Commit(ctx, &storage.Changeset{Orders: []*model.Order{o}})
}

func (s *Store) SaveTrade(ctx context.Context, t *model.Trade) error {
	return s.Commit(ctx, &storage.Changeset{Trades: []*model.Trade{t}})
}

// get decodes the value at key into v. found is false if the key is absent.
func (s *Store) get(key []byte, v any) (found bool, err error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return true, decode(data, v)
}

func (s *Store) FindOrder(_ context.Context, id string) (*model.Order, error) {
	var o model.Order
	found, err := s.get(orderKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New(errs.NotFound, "order %s not found", id)
	}
	return &o, nil
}

func (s *Store) FindOpenByMarket(ctx context.Context, market string, side model.Side) ([]*model.Order, error) {
	prefix := openPrefix(market, side)
	var ids []string
	err := s.scan(prefix, false, func(key, _ []byte) bool {
		ids = append(ids, string(key[len(prefix):]))
		return true
	})
	if err != nil {
		return nil, err
	}

	orders := make([]*model.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.FindOrder(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("open index points at %s: %w", id, err)
		}
		orders = append(orders, o)
	}
	storage.SortPriceTime(orders, side)
	return orders, nil
}

func (s *Store) FindByAccount(ctx context.Context, accountID string, filter storage.StatusFilter, limit int) ([]*model.Order, error) {
	prefix := orderAccountPrefix(accountID)
	var out []*model.Order
	var ferr error
	err := s.scan(prefix, true, func(key, _ []byte) bool {
		// <seq>:<orderID>
		rest := key[len(prefix):]
		if len(rest) < 22 {
			return true
		}
		o, err := s.FindOrder(ctx, string(rest[21:]))
		if err != nil {
			ferr = err
			return false
		}
		if filter.Match(o.Status) {
			out = append(out, o)
		}
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, ferr
}

func (s *Store) FindTradesByMarket(_ context.Context, market string, limit int) ([]*model.Trade, error) {
	var out []*model.Trade
	var derr error
	err := s.scan(tradePrefix(market), true, func(_, val []byte) bool {
		var t model.Trade
		if derr = decode(val, &t); derr != nil {
			return false
		}
		out = append(out, &t)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, derr
}

func (s *Store) FindTradesSince(_ context.Context, market string, since time.Time) ([]*model.Trade, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: tradeSinceKey(market, since),
		UpperBound: keyUpperBound(tradePrefix(market)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []*model.Trade
	for iter.First(); iter.Valid(); iter.Next() {
		var t model.Trade
		if err := decode(iter.Value(), &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, iter.Error()
}

func (s *Store) FindTradesByAccount(_ context.Context, accountID string, limit int) ([]*model.Trade, error) {
	var keys [][]byte
	err := s.scan(tradeAccountPrefix(accountID), true, func(_, val []byte) bool {
		keys = append(keys, append([]byte(nil), val...))
		return limit <= 0 || len(keys) < limit
	})
	if err != nil {
		return nil, err
	}

	out := make([]*model.Trade, 0, len(keys))
	for _, k := range keys {
		var t model.Trade
		found, err := s.get(k, &t)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, &t)
		}
	}
	return out, nil
}

func (s *Store) LoadBalances(_ context.Context) ([]model.Balance, error) {
	var out []model.Balance
	var derr error
	err := s.scan([]byte(prefixBalance), false, func(_, val []byte) bool {
		var b model.Balance
		if derr = decode(val, &b); derr != nil {
			return false
		}
		out = append(out, b)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, derr
}

func (s *Store) FindTransfer(_ context.Context, id string) (*model.Transfer, error) {
	var t model.Transfer
	found, err := s.get(transferKey(id), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New(errs.NotFound, "transfer %s not found", id)
	}
	return &t, nil
}

func (s *Store) FindTransfersByAccount(ctx context.Context, accountID string, limit int) ([]*model.Transfer, error) {
	prefix := transferAccountPrefix(accountID)
	return s.transfersFromIndex(ctx, prefix, true, limit)
}

func (s *Store) FindPendingTransfers(ctx context.Context) ([]*model.Transfer, error) {
	return s.transfersFromIndex(ctx, []byte(prefixXferPending), false, 0)
}

// transfersFromIndex resolves index keys ending in <unixnano>:<transferID>.
func (s *Store) transfersFromIndex(ctx context.Context, prefix []byte, reverse bool, limit int) ([]*model.Transfer, error) {
	var ids []string
	err := s.scan(prefix, reverse, func(key, _ []byte) bool {
		rest := key[len(prefix):]
		if len(rest) < 22 {
			return true
		}
		ids = append(ids, string(rest[21:]))
		return limit <= 0 || len(ids) < limit
	})
	if err != nil {
		return nil, err
	}

	out := make([]*model.Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := s.FindTransfer(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) FindAccount(_ context.Context, id string) (*model.Account, error) {
	var a model.Account
	found, err := s.get(accountKey(id), &a)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New(errs.NotFound, "account %s not found", id)
	}
	return &a, nil
}

func (s *Store) LastSequence(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

// scan iterates a prefix forwards or backwards until fn returns false.
// Key and value are only valid during the call.
func (s *Store) scan(prefix []byte, reverse bool, fn func(key, val []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	if reverse {
		for iter.Last(); iter.Valid(); iter.Prev() {
			if !fn(iter.Key(), iter.Value()) {
				break
			}
		}
	} else {
		for iter.First(); iter.Valid(); iter.Next() {
			if !fn(iter.Key(), iter.Value()) {
				break
			}
		}
	}
	return iter.Error()
}

var _ storage.Repository = (*Store)(nil)
