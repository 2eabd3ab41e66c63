package market

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
)

// MinIncrement is the smallest price or quantity the engine accepts.
var MinIncrement = decimal.New(1, -8)

// Asset is a tradable unit. Immutable once referenced by balances.
type Asset struct {
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Precision int32  `json:"precision"` // decimal places
	Active    bool   `json:"active"`
}

// ParseAsset parses "SYMBOL:Name:precision", e.g. "BTC:Bitcoin:8".
func ParseAsset(s string) (Asset, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Asset{}, fmt.Errorf("asset %q: want SYMBOL:Name:precision", s)
	}
	prec, err := strconv.Atoi(parts[2])
	if err != nil || prec < 0 || prec > 18 {
		return Asset{}, fmt.Errorf("asset %q: invalid precision %q", s, parts[2])
	}
	a := Asset{Symbol: strings.ToUpper(parts[0]), Name: parts[1], Precision: int32(prec), Active: true}
	if a.Symbol == "" {
		return Asset{}, fmt.Errorf("asset %q: empty symbol", s)
	}
	return a, nil
}

// CheckAmount validates that amount is positive and fits the asset precision.
func (a Asset) CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.New(errs.InvalidRequest, "%s amount must be positive, got %s", a.Symbol, amount)
	}
	if !fitsPrecision(amount, a.Precision) {
		return errs.New(errs.InvalidRequest, "%s amount %s exceeds %d decimal places", a.Symbol, amount, a.Precision)
	}
	return nil
}

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active MarketStatus = iota // Trading enabled
	Paused                     // Submissions halted, cancels still allowed
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "active"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Market pairs a base asset (quantity) with a quote asset (price).
type Market struct {
	Symbol         string       // "BTC-USDT"
	BaseAsset      string       // "BTC"
	QuoteAsset     string       // "USDT"
	BasePrecision  int32        // max decimal places of a quantity
	QuotePrecision int32        // max decimal places of a price
	Status         MarketStatus // Active, Paused
}

// ParseSymbol splits "BASE-QUOTE".
func ParseSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(symbol)), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("market %q: want BASE-QUOTE", symbol)
	}
	if parts[0] == parts[1] {
		return "", "", fmt.Errorf("market %q: base and quote must differ", symbol)
	}
	return parts[0], parts[1], nil
}

// CheckQuantity validates an order quantity.
func (m Market) CheckQuantity(qty decimal.Decimal) error {
	if qty.LessThan(MinIncrement) {
		return errs.New(errs.InvalidRequest, "quantity must be at least %s", MinIncrement)
	}
	if !fitsPrecision(qty, m.BasePrecision) {
		return errs.New(errs.InvalidRequest, "quantity %s exceeds %d decimal places", qty, m.BasePrecision)
	}
	return nil
}

// CheckPrice validates a limit price.
func (m Market) CheckPrice(price decimal.Decimal) error {
	if price.LessThan(MinIncrement) {
		return errs.New(errs.InvalidRequest, "price must be at least %s", MinIncrement)
	}
	if !fitsPrecision(price, m.QuotePrecision) {
		return errs.New(errs.InvalidRequest, "price %s exceeds %d decimal places", price, m.QuotePrecision)
	}
	return nil
}

func fitsPrecision(v decimal.Decimal, places int32) bool {
	return v.Equal(v.Truncate(places))
}
