// Package events carries committed state changes to downstream readers
// (reporting, notifications, audit). Publishing happens after a unit is
// committed; a failed publish never undoes it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
)

// Type names an event.
type Type string

const (
	OrderUpdated    Type = "order.updated"
	TradeExecuted   Type = "trade.executed"
	BalanceChanged  Type = "balance.changed"
	TransferUpdated Type = "transfer.updated"
	AccountUpdated  Type = "account.updated"
)

// Event is the envelope published for every change. Key groups related
// events (market symbol for trades and orders, account id otherwise) so
// partitioned transports keep them ordered.
type Event struct {
	Type    Type            `json:"type"`
	Key     string          `json:"key"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`

	err error // payload encoding failure
}

// Err reports why the payload could not be encoded. Publishers refuse
// events with a non-nil Err.
func (e Event) Err() error { return e.err }

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
	Close() error
}

func newEvent(t Type, key string, at time.Time, payload any) Event {
	ev := Event{Type: t, Key: key, At: at}
	raw, err := json.Marshal(payload)
	if err != nil {
		ev.err = fmt.Errorf("encode %s payload for %s: %w", t, key, err)
		return ev
	}
	ev.Payload = raw
	return ev
}

func ForOrder(o *model.Order, at time.Time) Event {
	return newEvent(OrderUpdated, o.Market, at, o)
}

func ForTrade(t *model.Trade) Event {
	return newEvent(TradeExecuted, t.Market, t.ExecutedAt, t)
}

func ForBalance(b model.Balance, at time.Time) Event {
	return newEvent(BalanceChanged, b.AccountID, at, b)
}

func ForTransfer(t *model.Transfer, at time.Time) Event {
	return newEvent(TransferUpdated, t.AccountID, at, t)
}

func ForAccount(a *model.Account) Event {
	return newEvent(AccountUpdated, a.ID, a.UpdatedAt, a)
}

// checkEncoded returns the encoding errors of evs, if any.
func checkEncoded(evs []Event) error {
	var errs []error
	for _, ev := range evs {
		if ev.err != nil {
			errs = append(errs, ev.err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

// Multi fans out to several publishers, attempting all of them.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evs ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evs...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, evs ...Event) error {
	if err := checkEncoded(evs); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
