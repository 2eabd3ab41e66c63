package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
)

type opKind int8

const (
	opReserve opKind = iota
	opRelease
	opSettle
	opCredit
	opDebit
)

func (k opKind) String() string {
	switch k {
	case opReserve:
		return "reserve"
	case opRelease:
		return "release"
	case opSettle:
		return "settle"
	case opCredit:
		return "credit"
	case opDebit:
		return "debit"
	default:
		return "unknown"
	}
}

type op struct {
	kind   opKind
	from   Key // row losing funds (or the only row)
	to     Key // receiving row for settle
	amount decimal.Decimal
}

func (o op) keys() []Key {
	if o.kind == opSettle {
		return []Key{o.from, o.to}
	}
	return []Key{o.from}
}

// Tx stages ledger operations so that several of them (the legs of a trade,
// a reservation next to an order record) commit as one unit. A Tx is not
// safe for concurrent use.
type Tx struct {
	l   *Ledger
	ops []op
}

// Reserve stages available -> locked. It fails early with InsufficientFunds
// when the current balance plus already staged operations cannot cover it;
// Commit re-checks under the row locks.
func (tx *Tx) Reserve(accountID, asset string, amount decimal.Decimal) error {
	return tx.stage(op{kind: opReserve, from: Key{accountID, asset}, amount: amount}, true)
}

// Release stages locked -> available.
func (tx *Tx) Release(accountID, asset string, amount decimal.Decimal) error {
	return tx.stage(op{kind: opRelease, from: Key{accountID, asset}, amount: amount}, false)
}

// Settle stages from.locked -> to.available. Used once per trade leg.
func (tx *Tx) Settle(from, to, asset string, amount decimal.Decimal) error {
	return tx.stage(op{kind: opSettle, from: Key{from, asset}, to: Key{to, asset}, amount: amount}, false)
}

// CreditAvailable stages an increase of available.
func (tx *Tx) CreditAvailable(accountID, asset string, amount decimal.Decimal) error {
	return tx.stage(op{kind: opCredit, from: Key{accountID, asset}, amount: amount}, false)
}

// DebitAvailable stages a decrease of available, failing early like Reserve.
func (tx *Tx) DebitAvailable(accountID, asset string, amount decimal.Decimal) error {
	return tx.stage(op{kind: opDebit, from: Key{accountID, asset}, amount: amount}, true)
}

// Empty reports whether nothing has been staged.
func (tx *Tx) Empty() bool { return len(tx.ops) == 0 }

func (tx *Tx) stage(o op, precheck bool) error {
	if err := checkAmount(o.amount); err != nil {
		return err
	}
	if o.amount.IsZero() {
		return nil
	}
	if precheck {
		rows := map[Key]*model.Balance{}
		cur := tx.l.peek(o.from)
		rows[o.from] = &cur
		for _, staged := range tx.ops {
			if err := applyTouching(rows, staged, o.from); err != nil {
				return err
			}
		}
		if err := apply(rows, o); err != nil {
			return err
		}
	}
	tx.ops = append(tx.ops, o)
	return nil
}

// Commit locks every touched row in (account, asset) order, replays the
// staged operations, and calls persist with the resulting rows. The rows are
// updated in memory only if every operation holds and persist succeeds.
// A nil persist falls back to the ledger's WithPersist hook.
func (tx *Tx) Commit(ctx context.Context, persist Persist) ([]model.Balance, error) {
	rows, err := tx.commit(ctx, persist)
	if tx.l.onCommit != nil {
		tx.l.onCommit(err)
	}
	return rows, err
}

func (tx *Tx) commit(ctx context.Context, persist Persist) ([]model.Balance, error) {
	if persist == nil {
		persist = tx.l.persist
	}

	keys := tx.keys()
	entries := tx.l.acquire(keys)
	defer release(entries)

	rows := make(map[Key]*model.Balance, len(keys))
	for i, k := range keys {
		b := entries[i].bal
		rows[k] = &b
	}
	for _, o := range tx.ops {
		if err := apply(rows, o); err != nil {
			tx.l.reportInvariant(err)
			return nil, err
		}
	}

	changed := make([]model.Balance, len(keys))
	for i, k := range keys {
		changed[i] = *rows[k]
	}
	if persist != nil {
		if err := persist(ctx, changed); err != nil {
			return nil, fmt.Errorf("persist ledger rows: %w", err)
		}
	}
	for i := range keys {
		entries[i].bal = changed[i]
	}
	return changed, nil
}

func (tx *Tx) keys() []Key {
	seen := make(map[Key]struct{})
	var keys []Key
	for _, o := range tx.ops {
		for _, k := range o.keys() {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// applyTouching replays o onto rows only if it touches k, treating the other
// row of a settle as unconstrained.
func applyTouching(rows map[Key]*model.Balance, o op, k Key) error {
	switch {
	case o.from == k && o.kind == opSettle:
		r := rows[k]
		if r.Locked.LessThan(o.amount) {
			return violation("settle %s exceeds locked %s for %s/%s", o.amount, r.Locked, k.AccountID, k.Asset)
		}
		r.Locked = r.Locked.Sub(o.amount)
		return nil
	case o.kind == opSettle && o.to == k:
		r := rows[k]
		r.Available = r.Available.Add(o.amount)
		return nil
	case o.from == k:
		return apply(rows, o)
	}
	return nil
}

func apply(rows map[Key]*model.Balance, o op) error {
	r := rows[o.from]
	switch o.kind {
	case opReserve:
		if r.Available.LessThan(o.amount) {
			return insufficient(o.from, r.Available, o.amount)
		}
		r.Available = r.Available.Sub(o.amount)
		r.Locked = r.Locked.Add(o.amount)
	case opRelease:
		if r.Locked.LessThan(o.amount) {
			return violation("release %s exceeds locked %s for %s/%s", o.amount, r.Locked, o.from.AccountID, o.from.Asset)
		}
		r.Locked = r.Locked.Sub(o.amount)
		r.Available = r.Available.Add(o.amount)
	case opSettle:
		if r.Locked.LessThan(o.amount) {
			return violation("settle %s exceeds locked %s for %s/%s", o.amount, r.Locked, o.from.AccountID, o.from.Asset)
		}
		r.Locked = r.Locked.Sub(o.amount)
		to := rows[o.to]
		to.Available = to.Available.Add(o.amount)
	case opCredit:
		r.Available = r.Available.Add(o.amount)
	case opDebit:
		if r.Available.LessThan(o.amount) {
			return insufficient(o.from, r.Available, o.amount)
		}
		r.Available = r.Available.Sub(o.amount)
	default:
		return violation("unknown operation %s", o.kind)
	}
	return nil
}
