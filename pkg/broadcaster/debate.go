package broadcaster

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DebateBroadcaster is the debate-scope twin of Broadcaster: the same
// subscriber/eviction machinery keyed by debate id instead of market/token.
// It exists for the platform's debate collaborators and shares the market
// broadcaster's LivenessTracker, so one connection heartbeat covers both
// scopes.
type DebateBroadcaster struct {
	log      *zap.Logger
	liveness *LivenessTracker
	now      func() time.Time

	mu       sync.RWMutex
	channels map[string]map[SubscriptionID]*subscriber
}

// NewDebate constructs a debate-scope broadcaster on a shared tracker.
func NewDebate(log *zap.Logger, liveness *LivenessTracker, now func() time.Time) *DebateBroadcaster {
	if now == nil {
		now = time.Now
	}
	return &DebateBroadcaster{
		log:      log.With(zap.String("component", "debate-broadcaster")),
		liveness: liveness,
		now:      now,
		channels: make(map[string]map[SubscriptionID]*subscriber),
	}
}

// Subscribe registers cb on one debate's channel.
func (d *DebateBroadcaster) Subscribe(debateID string, cb Callback) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	sub := &subscriber{id: id, cb: cb}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channels[debateID] == nil {
		d.channels[debateID] = make(map[SubscriptionID]*subscriber)
	}
	d.channels[debateID][id] = sub
	d.liveness.track(id, func(SubscriptionID) { d.Unsubscribe(debateID, id) })
	return id
}

// Unsubscribe removes id from debateID's channel.
func (d *DebateBroadcaster) Unsubscribe(debateID string, id SubscriptionID) {
	d.mu.Lock()
	_, ok := d.channels[debateID][id]
	if ok {
		delete(d.channels[debateID], id)
	}
	d.mu.Unlock()
	if ok {
		d.liveness.forget(id)
	}
}

// Publish emits ev-shaped data to every subscriber of debateID's channel.
func (d *DebateBroadcaster) Publish(debateID string, kind EventKind, data interface{}) {
	ev := Event{Kind: kind, Timestamp: d.now(), Data: data}

	d.mu.RLock()
	subs := make([]*subscriber, 0, len(d.channels[debateID]))
	for _, s := range d.channels[debateID] {
		subs = append(subs, s)
	}
	d.mu.RUnlock()

	for _, sub := range subs {
		res := func(sub *subscriber) (res DeliveryResult) {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("debate subscriber panicked; removing buggy subscriber",
						zap.String("subscription", string(sub.id)),
						zap.Any("panic", r))
					res = DeliveryEvict
				}
			}()
			sub.deliverMu.Lock()
			defer sub.deliverMu.Unlock()
			return sub.cb(ev)
		}(sub)
		if res == DeliveryEvict {
			d.Unsubscribe(debateID, sub.id)
		}
	}
}
