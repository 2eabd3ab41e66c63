package market

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
)

// Registry manages assets and markets in a thread-safe manner.
// Lookups return copies so callers never observe a concurrent status change
// halfway.
type Registry struct {
	mu      sync.RWMutex
	assets  map[string]Asset   // symbol -> asset
	markets map[string]*Market // symbol -> market
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		assets:  make(map[string]Asset),
		markets: make(map[string]*Market),
	}
}

// RegisterAsset adds an asset. Assets are immutable once registered.
func (r *Registry) RegisterAsset(a Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[a.Symbol]; exists {
		return fmt.Errorf("asset %s already registered", a.Symbol)
	}
	r.assets[a.Symbol] = a
	return nil
}

// GetAsset retrieves an asset by symbol
func (r *Registry) GetAsset(symbol string) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.assets[symbol]
	if !exists {
		return Asset{}, errs.New(errs.InvalidRequest, "asset %s not found", symbol)
	}
	return a, nil
}

// ListAssets returns all assets sorted by symbol
func (r *Registry) ListAssets() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// RegisterMarket adds a "BASE-QUOTE" market over two registered, active assets.
func (r *Registry) RegisterMarket(symbol string) (Market, error) {
	base, quote, err := ParseSymbol(symbol)
	if err != nil {
		return Market{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sym := base + "-" + quote
	if _, exists := r.markets[sym]; exists {
		return Market{}, fmt.Errorf("market %s already registered", sym)
	}
	b, ok := r.assets[base]
	if !ok || !b.Active {
		return Market{}, fmt.Errorf("market %s: base asset %s not registered or inactive", sym, base)
	}
	q, ok := r.assets[quote]
	if !ok || !q.Active {
		return Market{}, fmt.Errorf("market %s: quote asset %s not registered or inactive", sym, quote)
	}

	m := &Market{
		Symbol:         sym,
		BaseAsset:      base,
		QuoteAsset:     quote,
		BasePrecision:  b.Precision,
		QuotePrecision: q.Precision,
		Status:         Active,
	}
	r.markets[sym] = m
	return *m, nil
}

// NormalizeSymbol trims and uppercases a market symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// GetMarket retrieves a market by symbol, in any case
func (r *Registry) GetMarket(symbol string) (Market, error) {
	symbol = NormalizeSymbol(symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[symbol]
	if !exists {
		return Market{}, errs.New(errs.InvalidMarket, "market %s not found", symbol)
	}
	return *m, nil
}

// ListMarkets returns all registered markets sorted by symbol
func (r *Registry) ListMarkets() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpdateMarketStatus pauses or resumes trading on a market
func (r *Registry) UpdateMarketStatus(symbol string, status MarketStatus) error {
	symbol = NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[symbol]
	if !exists {
		return errs.New(errs.InvalidMarket, "market %s not found", symbol)
	}
	m.Status = status
	return nil
}

// Load registers assets and markets from their config strings.
func Load(assets, markets []string) (*Registry, error) {
	r := NewRegistry()
	for _, s := range assets {
		a, err := ParseAsset(s)
		if err != nil {
			return nil, err
		}
		if err := r.RegisterAsset(a); err != nil {
			return nil, err
		}
	}
	for _, s := range markets {
		if _, err := r.RegisterMarket(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}
