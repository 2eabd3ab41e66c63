// Package orderbook keeps the resting orders of one market in price-time
// priority. The book stores order ids with their resting quantity; the
// authoritative order records live with the engine and the repository.
package orderbook

import (
	"container/heap"
	"container/list"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
)

// Entry is a resting order as seen by the book.
type Entry struct {
	OrderID   string
	Side      model.Side
	Price     decimal.Decimal
	Remaining decimal.Decimal
	Seq       uint64
}

// PriceLevel is one aggregated row of a depth snapshot.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal // summed remaining quantity
	Count    int
}

type bookSide struct {
	heap   *priceHeap
	levels map[string]*level // canonical price string -> level
}

func newBookSide(max bool) *bookSide {
	h := &priceHeap{max: max}
	heap.Init(h)
	return &bookSide{heap: h, levels: make(map[string]*level)}
}

type OrderBook struct {
	mu sync.RWMutex

	market string
	bids   *bookSide
	asks   *bookSide

	// Order index for O(1) lookup and removal
	orderIndex map[string]*list.Element
}

func NewOrderBook(market string) *OrderBook {
	return &OrderBook{
		market:     market,
		bids:       newBookSide(true),
		asks:       newBookSide(false),
		orderIndex: make(map[string]*list.Element),
	}
}

// Market returns the symbol this book serves.
func (ob *OrderBook) Market() string { return ob.market }

func (ob *OrderBook) side(s model.Side) *bookSide {
	if s == model.Buy {
		return ob.bids
	}
	return ob.asks
}

// Insert adds a resting order. Only open or partial orders with remaining
// quantity are accepted. Within a level entries stay ordered by Seq, so
// replaying orders out of order during recovery keeps time priority.
func (ob *OrderBook) Insert(o *model.Order) error {
	if o.Market != ob.market {
		return errs.New(errs.InvariantViolation, "order %s is for %s, book is %s", o.ID, o.Market, ob.market)
	}
	if o.Status.Terminal() || !o.Remaining().IsPositive() {
		return errs.New(errs.InvariantViolation, "order %s (%s, remaining %s) cannot rest", o.ID, o.Status, o.Remaining())
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.orderIndex[o.ID]; exists {
		return errs.New(errs.InvariantViolation, "order %s already in book", o.ID)
	}

	bs := ob.side(o.Side)
	key := o.Price.String()
	lv, ok := bs.levels[key]
	if !ok {
		lv = &level{price: o.Price, orders: list.New(), total: decimal.Zero}
		bs.levels[key] = lv
		heap.Push(bs.heap, lv)
	}

	e := &Entry{OrderID: o.ID, Side: o.Side, Price: o.Price, Remaining: o.Remaining(), Seq: o.Seq}
	var el *list.Element
	for back := lv.orders.Back(); back != nil; back = back.Prev() {
		if back.Value.(*Entry).Seq < e.Seq {
			el = lv.orders.InsertAfter(e, back)
			break
		}
	}
	if el == nil {
		el = lv.orders.PushFront(e)
	}
	lv.total = lv.total.Add(e.Remaining)
	ob.orderIndex[o.ID] = el
	return nil
}

// Best returns the highest-priority resting entry on side s.
func (ob *OrderBook) Best(s model.Side) (Entry, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	lv, ok := ob.side(s).heap.Peek()
	if !ok {
		return Entry{}, false
	}
	return *lv.orders.Front().Value.(*Entry), true
}

// BestOpposite returns the entry an incoming order on taker side would hit first.
func (ob *OrderBook) BestOpposite(taker model.Side) (Entry, bool) {
	return ob.Best(taker.Opposite())
}

// Get returns the resting entry for an order id.
func (ob *OrderBook) Get(id string) (Entry, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	el, ok := ob.orderIndex[id]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*Entry), true
}

// Remove takes an order out of the book. Returns false if it was not resting.
func (ob *OrderBook) Remove(id string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.removeLocked(id)
}

func (ob *OrderBook) removeLocked(id string) bool {
	el, ok := ob.orderIndex[id]
	if !ok {
		return false
	}
	e := el.Value.(*Entry)
	bs := ob.side(e.Side)
	key := e.Price.String()
	lv := bs.levels[key]

	lv.orders.Remove(el)
	lv.total = lv.total.Sub(e.Remaining)
	delete(ob.orderIndex, id)

	if lv.orders.Len() == 0 {
		heap.Remove(bs.heap, lv.index)
		delete(bs.levels, key)
	}
	return true
}

// Reduce lowers the resting quantity of an order after a fill, removing it
// once nothing remains.
func (ob *OrderBook) Reduce(id string, qty decimal.Decimal) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	el, ok := ob.orderIndex[id]
	if !ok {
		return errs.New(errs.InvariantViolation, "order %s not in book", id)
	}
	e := el.Value.(*Entry)
	if !qty.IsPositive() || qty.GreaterThan(e.Remaining) {
		return errs.New(errs.InvariantViolation, "reduce %s exceeds resting %s for order %s", qty, e.Remaining, id)
	}
	if qty.Equal(e.Remaining) {
		ob.removeLocked(id)
		return nil
	}
	e.Remaining = e.Remaining.Sub(qty)
	lv := ob.side(e.Side).levels[e.Price.String()]
	lv.total = lv.total.Sub(qty)
	return nil
}

// Len returns the number of resting orders on side s.
func (ob *OrderBook) Len(s model.Side) int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	n := 0
	for _, lv := range ob.side(s).levels {
		n += lv.orders.Len()
	}
	return n
}

// Depth returns up to limit aggregated levels of side s, best first.
// limit <= 0 returns every level.
func (ob *OrderBook) Depth(s model.Side, limit int) []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	levels := ob.sortedLocked(s)
	if limit > 0 && len(levels) > limit {
		levels = levels[:limit]
	}
	out := make([]PriceLevel, len(levels))
	for i, lv := range levels {
		out[i] = PriceLevel{Price: lv.price, Quantity: lv.total, Count: lv.orders.Len()}
	}
	return out
}

// SweepPrice walks side s from the best level until qty is covered and
// returns the last price touched. When the side holds less than qty the
// worst resting price is returned with full=false. ok is false on an empty side.
func (ob *OrderBook) SweepPrice(s model.Side, qty decimal.Decimal) (price decimal.Decimal, full bool, ok bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	levels := ob.sortedLocked(s)
	if len(levels) == 0 {
		return decimal.Zero, false, false
	}
	acc := decimal.Zero
	for _, lv := range levels {
		acc = acc.Add(lv.total)
		price = lv.price
		if acc.GreaterThanOrEqual(qty) {
			return price, true, true
		}
	}
	return price, false, true
}

func (ob *OrderBook) sortedLocked(s model.Side) []*level {
	bs := ob.side(s)
	levels := make([]*level, 0, len(bs.levels))
	levels = append(levels, bs.heap.levels...)
	sort.Slice(levels, func(i, j int) bool {
		if bs.heap.max {
			return levels[i].price.GreaterThan(levels[j].price)
		}
		return levels[i].price.LessThan(levels[j].price)
	})
	return levels
}
