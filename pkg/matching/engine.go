// Package matching implements the price-time-priority order book: crossing
// logic, match-type classification, fees, and cancellation. Incoming
// orders lock their required resource, cross against the opposite side
// best-price-first (FIFO within a price), settle each fill through the
// ledger, and rest any residual.
package matching

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
	"github.com/ctfexchange/clob-engine/pkg/ledger"
)

var (
	ErrInsufficientBalance = errors.New("matching: insufficient balance")
	ErrInvalidOrder        = errors.New("matching: invalid order")
	ErrOrderNotFound       = errors.New("matching: order not found")
	ErrNotOwner            = errors.New("matching: caller is not the order's maker")
)

// marketTokenKey identifies one (marketId, tokenId) book.
type marketTokenKey struct {
	marketID [32]byte
	tokenID  uint64
}

// Engine is the matching engine: one tokenBook per (marketId, tokenId),
// crossing incoming orders against resting liquidity and settling fills
// through the Ledger.
type Engine struct {
	log    *zap.Logger
	ledger *ledger.Ledger

	mu     sync.RWMutex
	books  map[marketTokenKey]*tokenBook
	Market *MarketRegistry

	now func() time.Time
}

// New constructs a matching engine bound to ledger for balance effects.
func New(log *zap.Logger, l *ledger.Ledger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		log:    log.With(zap.String("component", "matching")),
		ledger: l,
		books:  make(map[marketTokenKey]*tokenBook),
		Market: newMarketRegistry(),
		now:    now,
	}
}

func (e *Engine) bookFor(marketID [32]byte, tokenID uint64) *tokenBook {
	k := marketTokenKey{marketID: marketID, tokenID: tokenID}

	e.mu.RLock()
	b, ok := e.books[k]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[k]; ok {
		return b
	}
	b = newTokenBook()
	e.books[k] = b
	return b
}

// requiredResource returns the (tokenId, amount) the maker must lock for
// order: BUY locks collateral for makerAmount, SELL locks the outcome
// token for makerAmount.
func requiredResource(o *clobtypes.Order) (tokenID uint64, amount *big.Int) {
	if o.Side == clobtypes.Buy {
		return clobtypes.CollateralTokenID, o.MakerAmount
	}
	return o.TokenID.Uint64(), o.MakerAmount
}

// orderSize returns an order's quantity of the outcome token, the unit the
// book matches fills in regardless of side: a BUY wants takerAmount outcome
// tokens for makerAmount collateral; a SELL offers makerAmount outcome
// tokens for takerAmount collateral.
func orderSize(o *clobtypes.Order) *big.Int {
	if o.Side == clobtypes.Buy {
		return o.TakerAmount
	}
	return o.MakerAmount
}

// LockedAmountFor converts a quantity of order's outcome token (a fill or a
// remaining size, both denominated in outcome-token units) into the unit
// actually locked for that order: 1:1 for SELL (the locked resource already
// is the outcome token), proportionally for BUY (the locked resource is
// collateral, rated at the order's own price). Exported for the order
// service, which needs the same conversion to release risk exposure as
// fills land.
func LockedAmountFor(o *clobtypes.Order, size *big.Int) *big.Int {
	if o.Side == clobtypes.Sell {
		return new(big.Int).Set(size)
	}
	amt := new(big.Int).Mul(size, o.MakerAmount)
	return amt.Div(amt, o.TakerAmount)
}

// ClassifyMatchType classifies a fill from the resting (maker) and
// incoming (taker) order sides and prices: opposite sides are a normal
// complementary trade; two BUYs whose prices sum to at least ONE mint a
// full outcome set, two SELLs summing to at most ONE merge one. The rule
// is symmetric in its arguments.
func ClassifyMatchType(makerSide, takerSide clobtypes.Side, makerPrice, takerPrice *big.Int) clobtypes.MatchType {
	if makerSide != takerSide {
		return clobtypes.Complementary
	}
	sum := new(big.Int).Add(makerPrice, takerPrice)
	if makerSide == clobtypes.Buy {
		if sum.Cmp(clobtypes.ONE) >= 0 {
			return clobtypes.Mint
		}
		return clobtypes.Complementary
	}
	if sum.Cmp(clobtypes.ONE) <= 0 {
		return clobtypes.Merge
	}
	return clobtypes.Complementary
}

// crosses reports whether the top of the opposite ladder still crosses the
// taker's limit price. BUY crosses an ask priced <= the taker's limit; SELL
// crosses a bid priced >= the taker's limit.
func crosses(takerSide clobtypes.Side, takerPrice, restingPrice *big.Int) bool {
	if takerSide == clobtypes.Buy {
		return restingPrice.Cmp(takerPrice) <= 0
	}
	return restingPrice.Cmp(takerPrice) >= 0
}

// AddOrder validates, locks, crosses and rests order. It
// returns the trades produced (in match order); any unfilled remainder
// rests on the book.
func (e *Engine) AddOrder(order *clobtypes.Order, orderHash clobtypes.OrderHash) ([]*clobtypes.Trade, error) {
	if order.MakerAmount.Sign() <= 0 || order.TakerAmount.Sign() <= 0 {
		return nil, ErrInvalidOrder
	}
	// Unregistered markets trade freely; a registered market must be active.
	if status, registered := e.Market.status(order.MarketID); registered && status != MarketActive {
		return nil, ErrMarketNotActive
	}

	maker := clobtypes.NormalizeAddress(order.Maker)
	lockTokenID, lockAmount := requiredResource(order)
	if err := e.ledger.Lock(maker, lockTokenID, lockAmount); err != nil {
		return nil, ErrInsufficientBalance
	}

	book := e.bookFor(order.MarketID, order.TokenID.Uint64())
	book.mu.Lock()
	defer book.mu.Unlock()

	entry := &clobtypes.BookEntry{
		OrderID:   orderHash,
		Order:     order,
		Remaining: new(big.Int).Set(orderSize(order)),
		Timestamp: e.now().UnixNano(),
	}

	takerPrice := order.Price()
	opposite := book.opposite(order.Side)

	var trades []*clobtypes.Trade
	for entry.Remaining.Sign() > 0 {
		restingEntry := opposite.front()
		if restingEntry == nil {
			break
		}
		restingPrice := restingEntry.Order.Price()
		if !crosses(order.Side, takerPrice, restingPrice) {
			break
		}

		trade, err := e.executeFill(order.MarketID, order.TokenID, entry, restingEntry, restingPrice)
		if err != nil {
			// Fatal-path: balances were already probed by Lock above, so a
			// transfer failure here means invariant corruption elsewhere.
			e.log.Error("fill settlement failed", zap.Error(err), zap.String("maker", restingEntry.Order.Maker.Hex()))
			break
		}
		trades = append(trades, trade)

		if restingEntry.Remaining.Sign() == 0 {
			opposite.popFront()
			delete(book.orderLocations, restingEntry.OrderID)
		}
	}

	if entry.Remaining.Sign() > 0 {
		book.insert(entry)
		return trades, nil
	}
	return trades, nil
}

// executeFill crosses taker's entry against restingEntry at the resting
// order's own (maker's) price, moves balances through
// the ledger, and returns the resulting Trade.
func (e *Engine) executeFill(marketID [32]byte, tokenID *big.Int, taker, resting *clobtypes.BookEntry, price *big.Int) (*clobtypes.Trade, error) {
	fillAmount := taker.Remaining
	if resting.Remaining.Cmp(fillAmount) < 0 {
		fillAmount = resting.Remaining
	}
	fillAmount = new(big.Int).Set(fillAmount)

	takerOrder, makerOrder := taker.Order, resting.Order
	takerAddr := clobtypes.NormalizeAddress(takerOrder.Maker)
	makerAddr := clobtypes.NormalizeAddress(makerOrder.Maker)

	// cost is the collateral value of fillAmount outcome-token units at the
	// maker's price, i.e. fillAmount*price/ONE.
	cost := new(big.Int).Mul(fillAmount, price)
	cost.Div(cost, clobtypes.ONE)

	if takerOrder.Side == clobtypes.Buy {
		// Taker pre-locked makerAmount worth of collateral for this order at
		// its own limit; this fill only costs `cost`. The release is an
		// explicit transfer from locked collateral to the maker, with any
		// excess refunded separately as an unlock.
		if err := e.ledger.Transfer(takerAddr, makerAddr, clobtypes.CollateralTokenID, cost, true); err != nil {
			return nil, err
		}
		if err := e.ledger.Transfer(makerAddr, takerAddr, tokenID.Uint64(), fillAmount, true); err != nil {
			return nil, err
		}
		// Refund the difference between what this fill locked at the taker's
		// own (worse-or-equal) limit price and what it actually cost at the
		// maker's price.
		lockedForFill := new(big.Int).Mul(fillAmount, takerOrder.MakerAmount)
		lockedForFill.Div(lockedForFill, takerOrder.TakerAmount)
		refund := new(big.Int).Sub(lockedForFill, cost)
		if refund.Sign() > 0 {
			if err := e.ledger.Unlock(takerAddr, clobtypes.CollateralTokenID, refund); err != nil {
				return nil, err
			}
		}
	} else {
		// Taker is selling the outcome token; maker (a resting BUY) pays
		// collateral out of its lock, taker delivers tokens out of its lock.
		if err := e.ledger.Transfer(makerAddr, takerAddr, clobtypes.CollateralTokenID, cost, true); err != nil {
			return nil, err
		}
		if err := e.ledger.Transfer(takerAddr, makerAddr, tokenID.Uint64(), fillAmount, true); err != nil {
			return nil, err
		}
	}

	taker.Remaining.Sub(taker.Remaining, fillAmount)
	resting.Remaining.Sub(resting.Remaining, fillAmount)

	matchType := ClassifyMatchType(makerOrder.Side, takerOrder.Side, price, takerOrder.Price())
	fee := Fee(price, fillAmount, takerOrder.FeeRateBps)

	return &clobtypes.Trade{
		ID:             uuid.NewString(),
		TakerOrderHash: taker.OrderID,
		MakerOrderHash: resting.OrderID,
		Maker:          makerOrder.Maker,
		Taker:          takerOrder.Maker,
		MarketID:       marketID,
		TokenID:        new(big.Int).Set(tokenID),
		Amount:         fillAmount,
		Price:          new(big.Int).Set(price),
		MatchType:      matchType,
		Fee:            fee,
		FeeRateBps:     takerOrder.FeeRateBps,
		Timestamp:      e.now().UnixNano(),
	}, nil
}

// CancelOrder removes orderHash from marketID/tokenID's book if its maker
// matches caller, releasing the remaining locked balance. Caller must
// supply the maker address; a mismatch or an order that no longer rests
// (already filled, or lost the cancel/fill race) both return false, not
// an error. On success,
// remaining reports the outcome-token size that was still resting, so
// callers can reconcile tracked risk exposure.
func (e *Engine) CancelOrder(marketID [32]byte, tokenID uint64, orderHash clobtypes.OrderHash, caller string) (ok bool, remaining *big.Int, err error) {
	book := e.bookFor(marketID, tokenID)
	book.mu.Lock()

	loc, found := book.orderLocations[orderHash]
	if !found {
		book.mu.Unlock()
		return false, nil, nil
	}
	ladder := book.ladderFor(loc.side)
	entry := ladder.peek(loc.price, orderHash)
	if entry == nil {
		book.mu.Unlock()
		return false, nil, nil
	}
	if clobtypes.NormalizeAddress(entry.Order.Maker) != caller {
		book.mu.Unlock()
		return false, nil, nil
	}
	ladder.remove(loc.price, orderHash)
	delete(book.orderLocations, orderHash)
	book.mu.Unlock()

	maker := clobtypes.NormalizeAddress(entry.Order.Maker)
	lockTokenID, _ := requiredResource(entry.Order)
	if entry.Remaining.Sign() > 0 {
		unlockAmount := LockedAmountFor(entry.Order, entry.Remaining)
		if err := e.ledger.Unlock(maker, lockTokenID, unlockAmount); err != nil {
			e.log.Error("unlock on cancel failed", zap.Error(err))
			return false, nil, err
		}
	}
	return true, new(big.Int).Set(entry.Remaining), nil
}

// Resting reports whether orderHash is still resting on marketID/tokenID's
// book (false once it has been fully filled or cancelled).
func (e *Engine) Resting(marketID [32]byte, tokenID uint64, orderHash clobtypes.OrderHash) bool {
	book := e.bookFor(marketID, tokenID)
	book.mu.Lock()
	defer book.mu.Unlock()
	_, ok := book.orderLocations[orderHash]
	return ok
}

// RestingEntry returns a snapshot of orderHash's remaining size and
// insertion timestamp if it still rests on marketID/tokenID's book. Used by
// the persistence layer to checkpoint open entries after fills.
func (e *Engine) RestingEntry(marketID [32]byte, tokenID uint64, orderHash clobtypes.OrderHash) (remaining *big.Int, timestamp int64, ok bool) {
	book := e.bookFor(marketID, tokenID)
	book.mu.Lock()
	defer book.mu.Unlock()
	loc, found := book.orderLocations[orderHash]
	if !found {
		return nil, 0, false
	}
	entry := book.ladderFor(loc.side).peek(loc.price, orderHash)
	if entry == nil {
		return nil, 0, false
	}
	return new(big.Int).Set(entry.Remaining), entry.Timestamp, true
}

// RestoreOrder reinserts a previously persisted resting entry without
// locking balances or crossing: the ledger rows restored alongside it
// already carry the entry's locked amount, and crossing was resolved before
// the entry was ever persisted. Crash-recovery only.
func (e *Engine) RestoreOrder(order *clobtypes.Order, orderHash clobtypes.OrderHash, remaining *big.Int, timestamp int64) {
	book := e.bookFor(order.MarketID, order.TokenID.Uint64())
	book.mu.Lock()
	defer book.mu.Unlock()
	book.insert(&clobtypes.BookEntry{
		OrderID:   orderHash,
		Order:     order,
		Remaining: new(big.Int).Set(remaining),
		Timestamp: timestamp,
	})
}

// Depth returns the current resting quantity at each price level for
// marketID/tokenID, bids then asks, best price first. Intended for book
// snapshots served over the API/broadcaster.
func (e *Engine) Depth(marketID [32]byte, tokenID uint64) (bids, asks []PriceLevel) {
	book := e.bookFor(marketID, tokenID)
	book.mu.Lock()
	defer book.mu.Unlock()
	return snapshotLadder(book.bids), snapshotLadder(book.asks)
}

// PriceLevel is one aggregated price/quantity point in a book snapshot.
type PriceLevel struct {
	Price    *big.Int
	Quantity *big.Int
}

func snapshotLadder(l *ladder) []PriceLevel {
	levels := make([]PriceLevel, 0, len(l.levels))
	prices := append([]*big.Int(nil), l.heap.prices...)
	// The heap array only guarantees its top element; order the snapshot
	// best price first.
	sort.Slice(prices, func(i, j int) bool {
		if l.heap.max {
			return prices[i].Cmp(prices[j]) > 0
		}
		return prices[i].Cmp(prices[j]) < 0
	})
	for _, p := range prices {
		entries := l.levels[p.String()]
		total := big.NewInt(0)
		for _, e := range entries {
			total.Add(total, e.Remaining)
		}
		if total.Sign() == 0 {
			continue
		}
		levels = append(levels, PriceLevel{Price: new(big.Int).Set(p), Quantity: total})
	}
	return levels
}
