package orderbook

import (
	"container/list"

	"github.com/shopspring/decimal"
)

// level is one price with its FIFO queue of resting entries.
type level struct {
	price  decimal.Decimal
	orders *list.List // of *Entry, ascending Seq
	total  decimal.Decimal
	index  int // position in the owning priceHeap
}

// priceHeap implements heap.Interface over price levels. With max set it is
// the bid heap (highest price on top), otherwise the ask heap (lowest on top).
// Each level records its position so an emptied level is removed with
// heap.Remove in O(log n).
type priceHeap struct {
	levels []*level
	max    bool
}

func (h priceHeap) Len() int { return len(h.levels) }

func (h priceHeap) Less(i, j int) bool {
	if h.max {
		return h.levels[i].price.GreaterThan(h.levels[j].price)
	}
	return h.levels[i].price.LessThan(h.levels[j].price)
}

func (h priceHeap) Swap(i, j int) {
	h.levels[i], h.levels[j] = h.levels[j], h.levels[i]
	h.levels[i].index = i
	h.levels[j].index = j
}

func (h *priceHeap) Push(x any) {
	lv := x.(*level)
	lv.index = len(h.levels)
	h.levels = append(h.levels, lv)
}

func (h *priceHeap) Pop() any {
	old := h.levels
	n := len(old)
	lv := old[n-1]
	old[n-1] = nil
	lv.index = -1
	h.levels = old[:n-1]
	return lv
}

// Peek returns the top level without removing it
func (h priceHeap) Peek() (*level, bool) {
	if len(h.levels) == 0 {
		return nil, false
	}
	return h.levels[0], true
}
