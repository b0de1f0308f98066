package matching

import "math/big"

// priceHeap implements container/heap.Interface over big.Int prices. One
// parametrized type serves both sides: the direction is a field rather
// than two separate max/min heap types, since big.Int carries no native
// ordering operator to bake in.
type priceHeap struct {
	prices []*big.Int
	max    bool // true: largest on top (bids); false: smallest on top (asks)
}

func (h priceHeap) Len() int { return len(h.prices) }

func (h priceHeap) Less(i, j int) bool {
	c := h.prices[i].Cmp(h.prices[j])
	if h.max {
		return c > 0
	}
	return c < 0
}

func (h priceHeap) Swap(i, j int) { h.prices[i], h.prices[j] = h.prices[j], h.prices[i] }

func (h *priceHeap) Push(x interface{}) {
	h.prices = append(h.prices, x.(*big.Int))
}

func (h *priceHeap) Pop() interface{} {
	old := h.prices
	n := len(old)
	x := old[n-1]
	h.prices = old[:n-1]
	return x
}

// Peek returns the top price without removing it, or nil if empty.
func (h priceHeap) Peek() *big.Int {
	if len(h.prices) == 0 {
		return nil
	}
	return h.prices[0]
}
