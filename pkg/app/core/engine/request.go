package engine

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
)

// SubmitRequest is a validated order submission. Price is required for limit
// orders and ignored for market orders.
type SubmitRequest struct {
	AccountID string
	Market    string
	Side      model.Side
	Type      model.OrderType
	Price     *decimal.Decimal
	Quantity  decimal.Decimal
}

// ParseSubmitRequest builds a request from loosely typed input, rejecting
// anything malformed with InvalidRequest.
func ParseSubmitRequest(accountID, marketSymbol, side, orderType, price, quantity string) (SubmitRequest, error) {
	req := SubmitRequest{
		AccountID: accountID,
		Market:    market.NormalizeSymbol(marketSymbol),
	}

	var err error
	if req.Side, err = model.ParseSide(side); err != nil {
		return SubmitRequest{}, err
	}
	if req.Type, err = model.ParseOrderType(orderType); err != nil {
		return SubmitRequest{}, err
	}
	if req.Quantity, err = decimal.NewFromString(strings.TrimSpace(quantity)); err != nil {
		return SubmitRequest{}, errs.New(errs.InvalidRequest, "invalid quantity %q", quantity)
	}
	if p := strings.TrimSpace(price); p != "" {
		v, err := decimal.NewFromString(p)
		if err != nil {
			return SubmitRequest{}, errs.New(errs.InvalidRequest, "invalid price %q", price)
		}
		req.Price = &v
	}
	return req, nil
}

// Validate checks the request against the market's precision rules.
func (r SubmitRequest) Validate(m market.Market) error {
	if err := model.ValidateAccountID(r.AccountID); err != nil {
		return err
	}
	switch r.Side {
	case model.Buy, model.Sell:
	default:
		return errs.New(errs.InvalidRequest, "invalid side %q", r.Side)
	}
	if err := m.CheckQuantity(r.Quantity); err != nil {
		return err
	}
	switch r.Type {
	case model.Limit:
		if r.Price == nil {
			return errs.New(errs.InvalidRequest, "limit order requires a price")
		}
		return m.CheckPrice(*r.Price)
	case model.Market:
		return nil
	default:
		return errs.New(errs.InvalidRequest, "invalid order type %q", r.Type)
	}
}
