// Package engine matches orders of each market under price-time priority and
// settles every trade through the ledger.
//
// Submissions and cancellations of one market run inside that market's
// exclusive section. Each step that moves funds (reserve, one match, one
// cancel) is a single atomic unit: the ledger rows and the order and trade
// records are committed together, and in-memory state follows only after the
// commit succeeds.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperspot/pkg/events"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/storage"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

// Eligibility answers whether an account may trade.
type Eligibility interface {
	IsFrozen(ctx context.Context, accountID string) (bool, error)
}

type Config struct {
	// MarketFallbackPrice prices market orders that meet an empty opposite
	// book. Unset means such orders fail with NoLiquidity.
	MarketFallbackPrice decimal.NullDecimal

	DepthLimit   int // default levels per side
	TradesLimit  int // default recent trades
	HistoryLimit int // default order history page
	MaxLimit     int // cap for any caller supplied limit
}

func DefaultConfig() Config {
	return Config{
		DepthLimit:   50,
		TradesLimit:  50,
		HistoryLimit: 20,
		MaxLimit:     500,
	}
}

// Result is the outcome of a submission: the order as it stands after
// matching and the trades it produced, oldest first.
type Result struct {
	Order  *model.Order
	Trades []*model.Trade
}

// section is the per-market exclusive section. orders holds the
// authoritative in-memory copy of every order resting in book.
type section struct {
	mu     sync.Mutex
	book   *orderbook.OrderBook
	orders map[string]*model.Order
}

type Engine struct {
	cfg      Config
	markets  *market.Registry
	ledger   *ledger.Ledger
	repo     storage.Repository
	accounts Eligibility
	pub      events.Publisher
	metrics  *metrics.Metrics
	clock    util.Clock
	log      *zap.SugaredLogger
	newID    func() string

	mu       sync.RWMutex
	sections map[string]*section

	seq atomic.Uint64
}

type Option func(*Engine)

func WithConfig(cfg Config) Option            { return func(e *Engine) { e.cfg = cfg } }
func WithEligibility(a Eligibility) Option    { return func(e *Engine) { e.accounts = a } }
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.pub = p } }
func WithMetrics(m *metrics.Metrics) Option   { return func(e *Engine) { e.metrics = m } }
func WithClock(c util.Clock) Option           { return func(e *Engine) { e.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option  { return func(e *Engine) { e.log = l } }

// WithIDGenerator replaces the uuid generator used for order and trade ids.
func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

func New(markets *market.Registry, l *ledger.Ledger, repo storage.Repository, opts ...Option) *Engine {
	e := &Engine{
		cfg:      DefaultConfig(),
		markets:  markets,
		ledger:   l,
		repo:     repo,
		pub:      events.Nop{},
		clock:    util.RealClock{},
		log:      zap.NewNop().Sugar(),
		newID:    uuid.NewString,
		sections: make(map[string]*section),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// section returns the exclusive section of a registered market, creating it
// on first use.
func (e *Engine) section(symbol string) *section {
	e.mu.RLock()
	sec, ok := e.sections[symbol]
	e.mu.RUnlock()
	if ok {
		return sec
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if sec, ok = e.sections[symbol]; ok {
		return sec
	}
	sec = &section{book: orderbook.NewOrderBook(symbol), orders: make(map[string]*model.Order)}
	e.sections[symbol] = sec
	return sec
}

// Submit validates, reserves, matches and (for limit orders) rests an order.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	res, err := e.submit(ctx, req)
	if err != nil {
		e.metrics.OrderRejected(string(errs.CodeOf(err)))
		e.log.Infow("order_rejected", "account", req.AccountID, "market", req.Market, "side", req.Side, "type", req.Type, "error", err)
		return nil, err
	}
	e.metrics.OrderSubmitted(res.Order.Market, string(res.Order.Side), string(res.Order.Type))
	return res, nil
}

func (e *Engine) submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	mkt, err := e.markets.GetMarket(req.Market)
	if err != nil {
		return nil, err
	}
	if mkt.Status != market.Active {
		return nil, errs.New(errs.InvalidMarket, "market %s is %s", mkt.Symbol, mkt.Status)
	}
	if err := req.Validate(mkt); err != nil {
		return nil, err
	}
	if err := e.checkEligible(ctx, req.AccountID); err != nil {
		return nil, err
	}

	sec := e.section(mkt.Symbol)
	start := time.Now()

	sec.mu.Lock()
	res, evs, err := e.execute(ctx, sec, mkt, req)
	e.metrics.SetOpenOrders(mkt.Symbol, string(model.Buy), sec.book.Len(model.Buy))
	e.metrics.SetOpenOrders(mkt.Symbol, string(model.Sell), sec.book.Len(model.Sell))
	sec.mu.Unlock()

	e.metrics.ObserveSubmit(mkt.Symbol, time.Since(start))
	e.publish(ctx, evs)
	return res, err
}

func (e *Engine) checkEligible(ctx context.Context, accountID string) error {
	if e.accounts == nil {
		return nil
	}
	frozen, err := e.accounts.IsFrozen(ctx, accountID)
	if err != nil {
		return err
	}
	if frozen {
		return errs.New(errs.Forbidden, "account %s is frozen", accountID)
	}
	return nil
}

// execute runs the reserve, match and rest steps. It is called with the
// section locked. The returned events belong to units that were committed,
// even when an error is returned.
func (e *Engine) execute(ctx context.Context, sec *section, mkt market.Market, req SubmitRequest) (*Result, []events.Event, error) {
	price, rests, err := e.effectivePrice(sec.book, mkt, req)
	if err != nil {
		return nil, nil, err
	}

	now := e.clock.Now()
	o := &model.Order{
		ID:        e.newID(),
		AccountID: req.AccountID,
		Market:    mkt.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     price,
		Quantity:  req.Quantity,
		Filled:    decimal.Zero,
		Status:    model.OrderOpen,
		Seq:       e.seq.Add(1),
		CreatedAt: now,
		UpdatedAt: now,
	}

	// reserve and record the order in one unit
	tx := e.ledger.Begin()
	if err := tx.Reserve(o.AccountID, lockedAsset(mkt, o.Side), o.LockedAmount()); err != nil {
		return nil, nil, err
	}
	rows, err := e.commit(ctx, tx, &storage.Changeset{Orders: []*model.Order{o}})
	if err != nil {
		return nil, nil, err
	}
	evs := append(balanceEvents(rows, now), events.ForOrder(o, now))
	e.log.Debugw("order_accepted", "order_id", o.ID, "account", o.AccountID, "market", o.Market,
		"side", o.Side, "type", o.Type, "price", o.Price, "qty", o.Quantity)

	res := &Result{}
	for o.Remaining().IsPositive() {
		best, ok := sec.book.BestOpposite(o.Side)
		if !ok || !crosses(o, best.Price) {
			break
		}
		maker, ok := sec.orders[best.OrderID]
		if !ok {
			err := e.violation("resting order %s of %s has no record", best.OrderID, mkt.Symbol)
			e.recover(ctx, sec, o)
			return nil, evs, err
		}

		next, trade, stepEvs, err := e.match(ctx, sec, mkt, o, maker)
		if err != nil {
			e.recover(ctx, sec, o)
			return nil, evs, err
		}
		o = next
		res.Trades = append(res.Trades, trade)
		evs = append(evs, stepEvs...)
	}

	if o.Remaining().IsPositive() {
		if rests {
			if err := sec.book.Insert(o); err != nil {
				e.log.Errorw("invariant_violation", "order_id", o.ID, "error", err)
				return nil, evs, err
			}
			sec.orders[o.ID] = o
		} else {
			// market orders never rest
			cancelled, cancelEvs, err := e.cancelLocked(ctx, sec, mkt, o)
			if err != nil {
				e.recover(ctx, sec, o)
				return nil, evs, err
			}
			o = cancelled
			evs = append(evs, cancelEvs...)
		}
	}

	res.Order = o.Clone()
	e.log.Infow("order_submitted", "order_id", o.ID, "account", o.AccountID, "market", o.Market,
		"status", o.Status, "filled", o.Filled, "trades", len(res.Trades))
	return res, evs, nil
}

// effectivePrice returns the price an order reserves and matches at and
// whether an unfilled remainder rests in the book.
func (e *Engine) effectivePrice(book *orderbook.OrderBook, mkt market.Market, req SubmitRequest) (decimal.Decimal, bool, error) {
	if req.Type == model.Limit {
		return *req.Price, true, nil
	}
	if price, _, ok := book.SweepPrice(req.Side.Opposite(), req.Quantity); ok {
		return price, false, nil
	}
	if e.cfg.MarketFallbackPrice.Valid {
		e.log.Warnw("market_order_fallback_price", "market", mkt.Symbol, "price", e.cfg.MarketFallbackPrice.Decimal)
		return e.cfg.MarketFallbackPrice.Decimal, true, nil
	}
	return decimal.Zero, false, errs.New(errs.NoLiquidity, "no resting %s orders in %s", req.Side.Opposite(), mkt.Symbol)
}

// match executes one trade between taker and maker at the maker's price.
func (e *Engine) match(ctx context.Context, sec *section, mkt market.Market, taker, maker *model.Order) (*model.Order, *model.Trade, []events.Event, error) {
	qty := decimal.Min(taker.Remaining(), maker.Remaining())
	price := maker.Price
	now := e.clock.Now()

	takerNext, err := taker.Fill(qty, now)
	if err != nil {
		return nil, nil, nil, e.logged(err)
	}
	makerNext, err := maker.Fill(qty, now)
	if err != nil {
		return nil, nil, nil, e.logged(err)
	}

	trade := &model.Trade{
		ID:             e.newID(),
		Market:         mkt.Symbol,
		Price:          price,
		Quantity:       qty,
		TakerSide:      taker.Side,
		TakerOrderID:   taker.ID,
		MakerOrderID:   maker.ID,
		TakerAccountID: taker.AccountID,
		MakerAccountID: maker.AccountID,
		Seq:            e.seq.Add(1),
		ExecutedAt:     now,
	}

	buy, sell := taker, maker
	if taker.Side == model.Sell {
		buy, sell = maker, taker
	}

	tx := e.ledger.Begin()
	if err := tx.Settle(sell.AccountID, buy.AccountID, mkt.BaseAsset, qty); err != nil {
		return nil, nil, nil, err
	}
	if err := tx.Settle(buy.AccountID, sell.AccountID, mkt.QuoteAsset, qty.Mul(price)); err != nil {
		return nil, nil, nil, err
	}
	// the buyer reserved at its own limit; hand back what the better price saved
	if improvement := buy.Price.Sub(price); improvement.IsPositive() {
		if err := tx.Release(buy.AccountID, mkt.QuoteAsset, qty.Mul(improvement)); err != nil {
			return nil, nil, nil, err
		}
	}

	rows, err := e.commit(ctx, tx, &storage.Changeset{
		Orders: []*model.Order{takerNext, makerNext},
		Trades: []*model.Trade{trade},
	})
	if err != nil {
		return nil, nil, nil, err
	}

	if makerNext.Status.Terminal() {
		delete(sec.orders, maker.ID)
	} else {
		sec.orders[maker.ID] = makerNext
	}
	if err := sec.book.Reduce(maker.ID, qty); err != nil {
		return nil, nil, nil, e.logged(err)
	}

	e.metrics.TradeExecuted(mkt.Symbol, qty)
	e.log.Debugw("trade_executed", "trade_id", trade.ID, "market", mkt.Symbol, "price", price, "qty", qty,
		"taker", taker.ID, "maker", maker.ID)

	evs := []events.Event{events.ForTrade(trade), events.ForOrder(takerNext, now), events.ForOrder(makerNext, now)}
	return takerNext, trade, append(evs, balanceEvents(rows, now)...), nil
}

// recover keeps memory in line with storage after a failed unit: the last
// committed state of o still has funds locked, so o rests where a restart
// would put it and stays cancellable.
func (e *Engine) recover(ctx context.Context, sec *section, o *model.Order) {
	if !o.Remaining().IsPositive() || o.Status.Terminal() {
		return
	}
	if _, ok := sec.orders[o.ID]; ok {
		return
	}
	if err := sec.book.Insert(o); err != nil {
		e.log.Errorw("order_recover_failed", "order_id", o.ID, "error", err)
		return
	}
	sec.orders[o.ID] = o
	e.log.Warnw("order_rested_after_failure", "order_id", o.ID, "market", o.Market, "remaining", o.Remaining())
}

// Cancel cancels an open or partially filled order owned by accountID and
// releases what it still has locked.
func (e *Engine) Cancel(ctx context.Context, accountID, orderID string) (*model.Order, error) {
	stored, err := e.repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if stored.AccountID != accountID {
		return nil, errs.New(errs.Forbidden, "order %s does not belong to %s", orderID, accountID)
	}
	mkt, err := e.markets.GetMarket(stored.Market)
	if err != nil {
		return nil, err
	}

	sec := e.section(mkt.Symbol)
	sec.mu.Lock()
	o, resting := sec.orders[orderID]
	if !resting {
		sec.mu.Unlock()
		// any match touching the order finished before we got the section
		latest, err := e.repo.FindOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !latest.Status.Terminal() {
			return nil, e.violation("order %s is %s in storage but not resting in %s", orderID, latest.Status, mkt.Symbol)
		}
		return nil, errs.New(errs.AlreadyTerminal, "order %s is %s", orderID, latest.Status)
	}
	cancelled, evs, err := e.cancelLocked(ctx, sec, mkt, o)
	e.metrics.SetOpenOrders(mkt.Symbol, string(o.Side), sec.book.Len(o.Side))
	sec.mu.Unlock()

	if err != nil {
		return nil, err
	}
	e.metrics.OrderCancelled(mkt.Symbol)
	e.log.Infow("order_cancelled", "order_id", orderID, "account", accountID, "market", mkt.Symbol,
		"released", o.LockedAmount())
	e.publish(ctx, evs)
	return cancelled.Clone(), nil
}

// cancelLocked cancels o and releases its remaining reservation in one unit.
func (e *Engine) cancelLocked(ctx context.Context, sec *section, mkt market.Market, o *model.Order) (*model.Order, []events.Event, error) {
	now := e.clock.Now()
	next, err := o.Cancel(now)
	if err != nil {
		return nil, nil, err
	}

	tx := e.ledger.Begin()
	if err := tx.Release(o.AccountID, lockedAsset(mkt, o.Side), o.LockedAmount()); err != nil {
		return nil, nil, err
	}
	rows, err := e.commit(ctx, tx, &storage.Changeset{Orders: []*model.Order{next}})
	if err != nil {
		return nil, nil, err
	}

	sec.book.Remove(o.ID)
	delete(sec.orders, o.ID)
	return next, append(balanceEvents(rows, now), events.ForOrder(next, now)), nil
}

// commit applies tx and writes cs with the resulting balance rows as one
// changeset.
func (e *Engine) commit(ctx context.Context, tx *ledger.Tx, cs *storage.Changeset) ([]model.Balance, error) {
	return tx.Commit(ctx, func(ctx context.Context, rows []model.Balance) error {
		cs.Balances = rows
		return e.repo.Commit(ctx, cs)
	})
}

func (e *Engine) publish(ctx context.Context, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	if err := e.pub.Publish(ctx, evs...); err != nil {
		e.log.Warnw("publish_failed", "events", len(evs), "error", err)
	}
}

func (e *Engine) violation(format string, args ...any) error {
	return e.logged(errs.New(errs.InvariantViolation, format, args...))
}

func (e *Engine) logged(err error) error {
	e.log.Errorw("invariant_violation", "error", err)
	return err
}

// crosses reports whether o may trade at a resting price p.
func crosses(o *model.Order, p decimal.Decimal) bool {
	if o.Side == model.Buy {
		return p.LessThanOrEqual(o.Price)
	}
	return p.GreaterThanOrEqual(o.Price)
}

// lockedAsset is the asset an order of side s reserves.
func lockedAsset(m market.Market, s model.Side) string {
	if s == model.Buy {
		return m.QuoteAsset
	}
	return m.BaseAsset
}

func balanceEvents(rows []model.Balance, at time.Time) []events.Event {
	evs := make([]events.Event, 0, len(rows))
	for _, b := range rows {
		evs = append(evs, events.ForBalance(b, at))
	}
	return evs
}
