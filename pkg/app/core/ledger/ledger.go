// Package ledger is the custodial balance store. Each (account, asset) row
// holds an available and a locked amount, both never negative, and changes
// only through reserve, release, settle, credit and debit.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
)

// Key identifies a ledger row.
type Key struct {
	AccountID string
	Asset     string
}

// less orders keys by account id, then asset. Every multi-row commit locks
// rows in this order.
func (k Key) less(o Key) bool {
	if k.AccountID != o.AccountID {
		return k.AccountID < o.AccountID
	}
	return k.Asset < o.Asset
}

type entry struct {
	mu  sync.Mutex
	bal model.Balance
}

// Persist durably records the rows changed by a commit. It runs while the
// rows are locked; if it fails nothing is applied in memory.
type Persist func(ctx context.Context, rows []model.Balance) error

// Ledger manages all balance rows in a thread-safe manner.
// The map lock only guards row creation and lookup; row contents are
// guarded by the per-row mutex.
type Ledger struct {
	mu      sync.RWMutex
	entries map[Key]*entry

	persist  Persist
	onCommit func(err error)
	log      *zap.SugaredLogger
}

type Option func(*Ledger)

// WithPersist sets the persistence hook used by commits that do not supply
// their own.
func WithPersist(p Persist) Option { return func(l *Ledger) { l.persist = p } }

// WithLogger sets the logger used for invariant violations.
func WithLogger(log *zap.SugaredLogger) Option { return func(l *Ledger) { l.log = log } }

// WithCommitHook registers a callback invoked after every commit attempt.
func WithCommitHook(fn func(err error)) Option { return func(l *Ledger) { l.onCommit = fn } }

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[Key]*entry),
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replaces the in-memory rows with rows read from storage. Only used
// during startup before any commit runs.
func (l *Ledger) Load(rows []model.Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make(map[Key]*entry, len(rows))
	for _, b := range rows {
		l.entries[Key{b.AccountID, b.Asset}] = &entry{bal: b}
	}
}

// Balance returns the current row, zero if it does not exist.
func (l *Ledger) Balance(accountID, asset string) model.Balance {
	l.mu.RLock()
	e, ok := l.entries[Key{accountID, asset}]
	l.mu.RUnlock()
	if !ok {
		return model.Balance{AccountID: accountID, Asset: asset}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bal
}

// Balances returns all rows of an account sorted by asset.
func (l *Ledger) Balances(accountID string) []model.Balance {
	return l.snapshot(func(k Key) bool { return k.AccountID == accountID })
}

// All returns every row sorted by key.
func (l *Ledger) All() []model.Balance {
	return l.snapshot(func(Key) bool { return true })
}

func (l *Ledger) snapshot(match func(Key) bool) []model.Balance {
	l.mu.RLock()
	keys := make([]Key, 0)
	entries := make(map[Key]*entry)
	for k, e := range l.entries {
		if match(k) {
			keys = append(keys, k)
			entries[k] = e
		}
	}
	l.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	out := make([]model.Balance, 0, len(keys))
	for _, k := range keys {
		e := entries[k]
		e.mu.Lock()
		out = append(out, e.bal)
		e.mu.Unlock()
	}
	return out
}

// Begin starts a staged transaction. Nothing is visible until Commit.
func (l *Ledger) Begin() *Tx {
	return &Tx{l: l}
}

// Reserve moves amount from available to locked.
func (l *Ledger) Reserve(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return l.single(ctx, func(tx *Tx) error { return tx.Reserve(accountID, asset, amount) })
}

// Release moves amount from locked back to available.
func (l *Ledger) Release(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return l.single(ctx, func(tx *Tx) error { return tx.Release(accountID, asset, amount) })
}

// Settle pays amount out of from's locked balance into to's available balance.
func (l *Ledger) Settle(ctx context.Context, from, to, asset string, amount decimal.Decimal) error {
	return l.single(ctx, func(tx *Tx) error { return tx.Settle(from, to, asset, amount) })
}

// CreditAvailable adds amount to available.
func (l *Ledger) CreditAvailable(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return l.single(ctx, func(tx *Tx) error { return tx.CreditAvailable(accountID, asset, amount) })
}

// DebitAvailable removes amount from available.
func (l *Ledger) DebitAvailable(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return l.single(ctx, func(tx *Tx) error { return tx.DebitAvailable(accountID, asset, amount) })
}

func (l *Ledger) single(ctx context.Context, stage func(*Tx) error) error {
	tx := l.Begin()
	if err := stage(tx); err != nil {
		return err
	}
	_, err := tx.Commit(ctx, nil)
	return err
}

// acquire returns the entries for keys (creating empty rows as needed) with
// every row mutex held. keys must be sorted.
func (l *Ledger) acquire(keys []Key) []*entry {
	out := make([]*entry, len(keys))

	l.mu.Lock()
	for i, k := range keys {
		e, ok := l.entries[k]
		if !ok {
			e = &entry{bal: model.Balance{AccountID: k.AccountID, Asset: k.Asset}}
			l.entries[k] = e
		}
		out[i] = e
	}
	l.mu.Unlock()

	for _, e := range out {
		e.mu.Lock()
	}
	return out
}

func release(entries []*entry) {
	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].mu.Unlock()
	}
}

func (l *Ledger) peek(k Key) model.Balance {
	return l.Balance(k.AccountID, k.Asset)
}

func (l *Ledger) reportInvariant(err error) {
	if errs.CodeOf(err) == errs.InvariantViolation {
		l.log.Errorw("ledger_invariant_violation", "error", err)
	}
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errs.New(errs.InvalidRequest, "amount must not be negative: %s", amount)
	}
	return nil
}

func insufficient(k Key, have, need decimal.Decimal) error {
	return errs.New(errs.InsufficientFunds, "insufficient %s balance for %s: have %s, need %s", k.Asset, k.AccountID, have, need)
}

func violation(format string, args ...any) error {
	return errs.New(errs.InvariantViolation, "ledger: %s", fmt.Sprintf(format, args...))
}
