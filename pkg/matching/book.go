package matching

import (
	"container/heap"
	"math/big"
	"sync"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
)

// ladder is one side (bids or asks) of one (marketId, tokenId) book: a
// price heap for O(1) best-price lookup plus a FIFO queue of resting
// entries per price level.
type ladder struct {
	heap   *priceHeap
	levels map[string][]*clobtypes.BookEntry
}

func newLadder(max bool) *ladder {
	h := &priceHeap{max: max}
	heap.Init(h)
	return &ladder{heap: h, levels: make(map[string][]*clobtypes.BookEntry)}
}

func (l *ladder) best() *big.Int {
	return l.heap.Peek()
}

func (l *ladder) add(entry *clobtypes.BookEntry) {
	key := entry.Order.Price().String()
	if _, ok := l.levels[key]; !ok {
		heap.Push(l.heap, entry.Order.Price())
	}
	l.levels[key] = append(l.levels[key], entry)
}

// front returns the oldest resting entry at the best price, without
// removing it.
func (l *ladder) front() *clobtypes.BookEntry {
	best := l.best()
	if best == nil {
		return nil
	}
	level := l.levels[best.String()]
	for len(level) > 0 {
		if level[0].Remaining.Sign() > 0 {
			return level[0]
		}
		level = level[1:] // drop fully-filled entries left at the head
	}
	return nil
}

// popFront removes the oldest resting entry at the best price (used once
// it is fully filled).
func (l *ladder) popFront() {
	best := l.best()
	if best == nil {
		return
	}
	key := best.String()
	level := l.levels[key]
	if len(level) == 0 {
		return
	}
	level = level[1:]
	if len(level) == 0 {
		delete(l.levels, key)
		l.removeHeapEntry(best)
		return
	}
	l.levels[key] = level
}

func (l *ladder) removeHeapEntry(price *big.Int) {
	for i, p := range l.heap.prices {
		if p.Cmp(price) == 0 {
			heap.Remove(l.heap, i)
			return
		}
	}
}

// peek returns a specific resting entry by orderHash and price without
// removing it, or nil if not found.
func (l *ladder) peek(price *big.Int, orderHash clobtypes.OrderHash) *clobtypes.BookEntry {
	level, ok := l.levels[price.String()]
	if !ok {
		return nil
	}
	for _, e := range level {
		if e.OrderID == orderHash {
			return e
		}
	}
	return nil
}

// remove deletes a specific resting entry by orderHash and price, used by
// cancellation. Returns the removed entry, or nil if not found.
func (l *ladder) remove(price *big.Int, orderHash clobtypes.OrderHash) *clobtypes.BookEntry {
	key := price.String()
	level, ok := l.levels[key]
	if !ok {
		return nil
	}
	for i, e := range level {
		if e.OrderID == orderHash {
			level = append(level[:i], level[i+1:]...)
			if len(level) == 0 {
				delete(l.levels, key)
				l.removeHeapEntry(price)
			} else {
				l.levels[key] = level
			}
			return e
		}
	}
	return nil
}

// tokenBook is the resting-order state for one (marketId, tokenId) pair:
// a bid ladder (BUY orders, descending price) and an ask ladder (SELL
// orders, ascending price), each internally time-ordered by insertion.
type tokenBook struct {
	mu   sync.Mutex
	bids *ladder
	asks *ladder

	orderLocations map[clobtypes.OrderHash]orderLocation
}

type orderLocation struct {
	side  clobtypes.Side
	price *big.Int
}

func newTokenBook() *tokenBook {
	return &tokenBook{
		bids:           newLadder(true),
		asks:           newLadder(false),
		orderLocations: make(map[clobtypes.OrderHash]orderLocation),
	}
}

func (b *tokenBook) ladderFor(side clobtypes.Side) *ladder {
	if side == clobtypes.Buy {
		return b.bids
	}
	return b.asks
}

func (b *tokenBook) opposite(side clobtypes.Side) *ladder {
	if side == clobtypes.Buy {
		return b.asks
	}
	return b.bids
}

func (b *tokenBook) insert(entry *clobtypes.BookEntry) {
	l := b.ladderFor(entry.Order.Side)
	l.add(entry)
	b.orderLocations[entry.OrderID] = orderLocation{side: entry.Order.Side, price: entry.Order.Price()}
}
