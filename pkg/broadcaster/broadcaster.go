// Package broadcaster fans typed engine events out to subscribers across
// three namespaces: per-(marketId, tokenId) orderbook channels, per-user
// balance channels, and a global settlement channel. Subscriptions are
// identified by durable opaque ids; a shared heartbeat tracker sweeps out
// subscribers that stop checking in, and callbacks that panic are evicted
// rather than allowed to take down delivery.
package broadcaster

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubscriptionID is the durable opaque handle identifying one subscriber.
type SubscriptionID string

// DeliveryResult is a subscriber callback's verdict on one delivery.
// Eviction is an explicit branch of the result, not an error: a subscriber
// whose transport is gone reports Evict and is removed, while a logic bug
// inside a callback stays a logic bug (see deliver).
type DeliveryResult int

const (
	// DeliveryOK means the event was handed off and the subscription stays.
	DeliveryOK DeliveryResult = iota
	// DeliveryEvict means the subscriber can no longer accept events
	// (closed connection, torn-down session) and should be removed.
	DeliveryEvict
)

// Callback receives events for one subscription and reports whether the
// subscription should live on. Delivery is serialized per subscriber.
type Callback func(Event) DeliveryResult

type subscriber struct {
	id SubscriptionID
	cb Callback

	// deliverMu enforces at most one concurrent delivery per subscriber.
	deliverMu sync.Mutex
}

type bookKey struct {
	marketID [32]byte
	tokenID  uint64
}

// Broadcaster is the market-scope event fan-out.
type Broadcaster struct {
	log      *zap.Logger
	liveness *LivenessTracker
	now      func() time.Time

	mu         sync.RWMutex
	book       map[bookKey]map[SubscriptionID]*subscriber
	balance    map[string]map[SubscriptionID]*subscriber
	settlement map[SubscriptionID]*subscriber
	// scope lookup for eviction by id, regardless of namespace
	locations map[SubscriptionID]func()
}

// New constructs a broadcaster bound to a (possibly shared) liveness
// tracker. now is injectable for deterministic tests; nil means time.Now.
func New(log *zap.Logger, liveness *LivenessTracker, now func() time.Time) *Broadcaster {
	if now == nil {
		now = time.Now
	}
	return &Broadcaster{
		log:        log.With(zap.String("component", "broadcaster")),
		liveness:   liveness,
		now:        now,
		book:       make(map[bookKey]map[SubscriptionID]*subscriber),
		balance:    make(map[string]map[SubscriptionID]*subscriber),
		settlement: make(map[SubscriptionID]*subscriber),
		locations:  make(map[SubscriptionID]func()),
	}
}

func (b *Broadcaster) register(id SubscriptionID, remove func()) {
	b.locations[id] = remove
	b.liveness.track(id, func(SubscriptionID) { b.Unsubscribe(id) })
}

// SubscribeOrderbook registers cb for events on one (marketId, tokenId)
// book. The returned id doubles as the unsubscribe handle and the heartbeat
// key.
func (b *Broadcaster) SubscribeOrderbook(marketID [32]byte, tokenID uint64, cb Callback) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	sub := &subscriber{id: id, cb: cb}
	k := bookKey{marketID: marketID, tokenID: tokenID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.book[k] == nil {
		b.book[k] = make(map[SubscriptionID]*subscriber)
	}
	b.book[k][id] = sub
	b.register(id, func() { delete(b.book[k], id) })
	return id
}

// SubscribeBalance registers cb for one user's balance updates. The address
// must already be lowercase-canonical.
func (b *Broadcaster) SubscribeBalance(user string, cb Callback) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	sub := &subscriber{id: id, cb: cb}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balance[user] == nil {
		b.balance[user] = make(map[SubscriptionID]*subscriber)
	}
	b.balance[user][id] = sub
	b.register(id, func() { delete(b.balance[user], id) })
	return id
}

// SubscribeSettlement registers cb for epoch lifecycle events.
func (b *Broadcaster) SubscribeSettlement(cb Callback) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	sub := &subscriber{id: id, cb: cb}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.settlement[id] = sub
	b.register(id, func() { delete(b.settlement, id) })
	return id
}

// Unsubscribe removes id from whichever namespace holds it. Safe to call
// for ids that are already gone.
func (b *Broadcaster) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	remove, ok := b.locations[id]
	if ok {
		remove()
		delete(b.locations, id)
	}
	b.mu.Unlock()
	if ok {
		b.liveness.forget(id)
	}
}

// Heartbeat refreshes id's liveness timestamp.
func (b *Broadcaster) Heartbeat(id SubscriptionID) {
	b.liveness.Heartbeat(id)
}

// deliver invokes one subscriber's callback, serialized per subscriber, and
// removes the subscriber when it reports DeliveryEvict. A panic inside the
// callback is a bug in the subscriber, not a delivery failure: it is logged
// at error level with the offender's identity, and the subscriber is removed
// so the bug cannot stall the channel — but it is never mistaken for the
// normal eviction flow.
func (b *Broadcaster) deliver(sub *subscriber, ev Event) {
	res := func() (res DeliveryResult) {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("subscriber callback panicked; removing buggy subscriber",
					zap.String("subscription", string(sub.id)),
					zap.String("event", string(ev.Kind)),
					zap.Any("panic", r))
				res = DeliveryEvict
			}
		}()
		sub.deliverMu.Lock()
		defer sub.deliverMu.Unlock()
		return sub.cb(ev)
	}()
	if res == DeliveryEvict {
		b.Unsubscribe(sub.id)
	}
}

func (b *Broadcaster) snapshotBook(k bookKey) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*subscriber, 0, len(b.book[k]))
	for _, s := range b.book[k] {
		subs = append(subs, s)
	}
	return subs
}

// PublishOrderbook emits an orderbook-scoped event (order_added,
// order_removed, order_updated, trade, price_update) to the book's
// subscribers, synchronously and in emission order.
func (b *Broadcaster) PublishOrderbook(kind EventKind, marketID [32]byte, tokenID uint64, data interface{}) {
	ev := Event{
		Kind:      kind,
		Timestamp: b.now(),
		MarketID:  "0x" + hex.EncodeToString(marketID[:]),
		TokenID:   tokenID,
		Data:      data,
	}
	for _, sub := range b.snapshotBook(bookKey{marketID: marketID, tokenID: tokenID}) {
		b.deliver(sub, ev)
	}
}

// PublishBalance emits a balance_update to user's subscribers.
func (b *Broadcaster) PublishBalance(user string, data BalanceUpdatePayload) {
	ev := Event{
		Kind:      EventBalanceUpdate,
		Timestamp: b.now(),
		User:      user,
		Data:      data,
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.balance[user]))
	for _, s := range b.balance[user] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

// PublishSettlement emits an epoch_committed to the global settlement
// channel.
func (b *Broadcaster) PublishSettlement(data EpochCommittedPayload) {
	ev := Event{
		Kind:      EventEpochCommitted,
		Timestamp: b.now(),
		Data:      data,
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.settlement))
	for _, s := range b.settlement {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

// SubscriberCount reports total subscribers across all namespaces.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.locations)
}
