// Package model holds the records shared by the ledger, the matching engine
// and the repositories: orders, trades, balances, transfers and accounts.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide accepts "buy" or "sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", errs.New(errs.InvalidRequest, "invalid side %q", s)
}

// Opposite returns the side a taker on s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is limit or market.
type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

// ParseOrderType accepts "limit" or "market" in any case.
func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(strings.ToLower(strings.TrimSpace(s))) {
	case Limit:
		return Limit, nil
	case Market:
		return Market, nil
	}
	return "", errs.New(errs.InvalidRequest, "invalid order type %q", s)
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderPartial
	OrderFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderPartial:
		return "partial"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	if s < OrderOpen || s > OrderCancelled {
		return nil, fmt.Errorf("invalid order status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	st, err := ParseOrderStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseOrderStatus is the inverse of OrderStatus.String.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "open":
		return OrderOpen, nil
	case "partial":
		return OrderPartial, nil
	case "filled":
		return OrderFilled, nil
	case "cancelled":
		return OrderCancelled, nil
	}
	return 0, fmt.Errorf("invalid order status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Order is the authoritative record of a submitted order.
//
// Price is the effective limit: the submitted price for limit orders, the
// sweep (or configured fallback) price for market orders. A resting buy keeps
// Remaining()*Price of quote locked; a resting sell keeps Remaining() of base.
type Order struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Market    string          `json:"market"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	Status    OrderStatus     `json:"status"`
	Seq       uint64          `json:"seq"` // submission sequence, time priority tiebreak
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Remaining returns unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Clone returns a copy safe to hand to callers.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// LockedAmount is the amount still reserved for the unfilled remainder,
// in quote for buys and base for sells.
func (o *Order) LockedAmount() decimal.Decimal {
	if o.Status.Terminal() {
		return decimal.Zero
	}
	if o.Side == Buy {
		return o.Remaining().Mul(o.Price)
	}
	return o.Remaining()
}

// Fill returns the successor record after executing qty against o.
func (o *Order) Fill(qty decimal.Decimal, at time.Time) (*Order, error) {
	if o.Status.Terminal() {
		return nil, errs.New(errs.InvariantViolation, "fill on %s order %s", o.Status, o.ID)
	}
	if !qty.IsPositive() || qty.GreaterThan(o.Remaining()) {
		return nil, errs.New(errs.InvariantViolation, "fill %s exceeds remaining %s on order %s", qty, o.Remaining(), o.ID)
	}
	next := o.Clone()
	next.Filled = o.Filled.Add(qty)
	next.UpdatedAt = at
	if next.Filled.Equal(next.Quantity) {
		next.Status = OrderFilled
	} else {
		next.Status = OrderPartial
	}
	return next, nil
}

// Cancel returns the cancelled successor record.
func (o *Order) Cancel(at time.Time) (*Order, error) {
	if o.Status.Terminal() {
		return nil, errs.New(errs.AlreadyTerminal, "order %s is %s", o.ID, o.Status)
	}
	next := o.Clone()
	next.Status = OrderCancelled
	next.UpdatedAt = at
	return next, nil
}

// Trade is an immutable execution record.
type Trade struct {
	ID             string          `json:"id"`
	Market         string          `json:"market"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	TakerSide      Side            `json:"taker_side"`
	TakerOrderID   string          `json:"taker_order_id"`
	MakerOrderID   string          `json:"maker_order_id"`
	TakerAccountID string          `json:"taker_account_id"`
	MakerAccountID string          `json:"maker_account_id"`
	Seq            uint64          `json:"seq"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// Notional is price times quantity, the quote leg of the trade.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// BuyerID returns the account on the buy side.
func (t *Trade) BuyerID() string {
	if t.TakerSide == Buy {
		return t.TakerAccountID
	}
	return t.MakerAccountID
}

// SellerID returns the account on the sell side.
func (t *Trade) SellerID() string {
	if t.TakerSide == Sell {
		return t.TakerAccountID
	}
	return t.MakerAccountID
}

// Involves reports whether accountID is the taker or the maker.
func (t *Trade) Involves(accountID string) bool {
	return t.TakerAccountID == accountID || t.MakerAccountID == accountID
}
