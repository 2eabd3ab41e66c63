package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/engine"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
)

// API request and response types for REST endpoints. Amounts are decimal
// strings.

// ==============================
// Request Types
// ==============================

// SubmitOrderRequest is the body of POST /orders
type SubmitOrderRequest struct {
	Market   string `json:"market"`   // e.g., "BTC-USDT"
	Side     string `json:"side"`     // "buy" or "sell"
	Type     string `json:"type"`     // "limit" or "market"
	Price    string `json:"price"`    // required for limit orders
	Quantity string `json:"quantity"` // base asset
}

// AmountRequest is the body of deposit, withdraw, credit and debit calls
type AmountRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type KYCRequest struct {
	Status string `json:"status"` // none, pending, approved, rejected
}

type RejectRequest struct {
	Notes string `json:"notes"`
}

// ==============================
// Response Types
// ==============================

// MarketInfo represents a market's static configuration
type MarketInfo struct {
	Symbol         string `json:"symbol"`         // e.g., "BTC-USDT"
	BaseAsset      string `json:"baseAsset"`      // e.g., "BTC"
	QuoteAsset     string `json:"quoteAsset"`     // e.g., "USDT"
	BasePrecision  int32  `json:"basePrecision"`  // quantity decimals
	QuotePrecision int32  `json:"quotePrecision"` // price decimals
	Status         string `json:"status"`         // "active", "paused"
}

// OrderbookSnapshot represents aggregated depth
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`      // Sorted high to low
	Asks      []PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"orders"`
}

type TradeInfo struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      string          `json:"side"` // taker side
	Timestamp int64           `json:"timestamp"`
}

// AccountTradeInfo is a trade seen from one participant
type AccountTradeInfo struct {
	TradeInfo
	OrderID string `json:"orderId"`
	Role    string `json:"role"` // "taker" or "maker"
}

type OrderInfo struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	Remaining decimal.Decimal `json:"remaining"`
	Status    string          `json:"status"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

type SubmitOrderResponse struct {
	Order  OrderInfo   `json:"order"`
	Trades []TradeInfo `json:"trades"`
}

type BalanceInfo struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
}

type TickerInfo struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	Volume24h decimal.Decimal `json:"volume24h"`
	High24h   decimal.Decimal `json:"high24h"`
	Low24h    decimal.Decimal `json:"low24h"`
	Trades24h int             `json:"trades24h"`
}

type TransferInfo struct {
	ID          string          `json:"id"`
	Account     string          `json:"account"`
	Asset       string          `json:"asset"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Notes       string          `json:"notes,omitempty"`
	ProcessedBy string          `json:"processedBy,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	ProcessedAt int64           `json:"processedAt,omitempty"`
}

type AccountInfo struct {
	Account   string `json:"account"`
	Frozen    bool   `json:"frozen"`
	KYC       string `json:"kyc"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// Conversions
// ==============================

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toMarketInfo(m market.Market) MarketInfo {
	return MarketInfo{
		Symbol:         m.Symbol,
		BaseAsset:      m.BaseAsset,
		QuoteAsset:     m.QuoteAsset,
		BasePrecision:  m.BasePrecision,
		QuotePrecision: m.QuotePrecision,
		Status:         m.Status.String(),
	}
}

func toPriceLevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, lv := range levels {
		out[i] = PriceLevel{Price: lv.Price, Size: lv.Quantity, Orders: lv.Count}
	}
	return out
}

func toSnapshot(d engine.Depth, at time.Time) OrderbookSnapshot {
	return OrderbookSnapshot{
		Symbol:    d.Market,
		Bids:      toPriceLevels(d.Bids),
		Asks:      toPriceLevels(d.Asks),
		Timestamp: at.UnixMilli(),
	}
}

func toTradeInfo(t *model.Trade) TradeInfo {
	return TradeInfo{
		ID:        t.ID,
		Symbol:    t.Market,
		Price:     t.Price,
		Size:      t.Quantity,
		Side:      string(t.TakerSide),
		Timestamp: millis(t.ExecutedAt),
	}
}

func toTradeInfos(trades []*model.Trade) []TradeInfo {
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = toTradeInfo(t)
	}
	return out
}

func toAccountTrades(accountID string, trades []*model.Trade) []AccountTradeInfo {
	out := make([]AccountTradeInfo, len(trades))
	for i, t := range trades {
		info := AccountTradeInfo{TradeInfo: toTradeInfo(t), OrderID: t.TakerOrderID, Role: "taker"}
		if t.TakerAccountID != accountID {
			info.OrderID, info.Role = t.MakerOrderID, "maker"
		}
		out[i] = info
	}
	return out
}

func toOrderInfo(o *model.Order) OrderInfo {
	return OrderInfo{
		ID:        o.ID,
		Symbol:    o.Market,
		Side:      string(o.Side),
		Type:      string(o.Type),
		Price:     o.Price,
		Quantity:  o.Quantity,
		Filled:    o.Filled,
		Remaining: o.Remaining(),
		Status:    o.Status.String(),
		CreatedAt: millis(o.CreatedAt),
		UpdatedAt: millis(o.UpdatedAt),
	}
}

func toOrderInfos(orders []*model.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = toOrderInfo(o)
	}
	return out
}

func toBalanceInfo(b model.Balance) BalanceInfo {
	return BalanceInfo{Asset: b.Asset, Available: b.Available, Locked: b.Locked, Total: b.Total()}
}

func toTransferInfo(t *model.Transfer) TransferInfo {
	info := TransferInfo{
		ID:          t.ID,
		Account:     t.AccountID,
		Asset:       t.Asset,
		Kind:        string(t.Kind),
		Amount:      t.Amount,
		Status:      string(t.Status),
		Notes:       t.Notes,
		ProcessedBy: t.ProcessedBy,
		CreatedAt:   millis(t.CreatedAt),
	}
	if t.ProcessedAt != nil {
		info.ProcessedAt = millis(*t.ProcessedAt)
	}
	return info
}

func toTransferInfos(ts []*model.Transfer) []TransferInfo {
	out := make([]TransferInfo, len(ts))
	for i, t := range ts {
		out[i] = toTransferInfo(t)
	}
	return out
}

func toTickerInfo(t engine.Ticker) TickerInfo {
	return TickerInfo{
		Symbol:    t.Market,
		LastPrice: t.LastPrice,
		Volume24h: t.Volume24h,
		High24h:   t.High24h,
		Low24h:    t.Low24h,
		Trades24h: t.Trades24h,
	}
}

func toAccountInfo(a model.Account) AccountInfo {
	return AccountInfo{Account: a.ID, Frozen: a.Frozen, KYC: string(a.KYC), UpdatedAt: millis(a.UpdatedAt)}
}
