package broadcaster

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default liveness windows: a sweep every 30s drops subscribers whose last
// heartbeat is older than 60s.
const (
	DefaultSweepInterval    = 30 * time.Second
	DefaultHeartbeatTimeout = 60 * time.Second
)

// LivenessTracker records a last-heartbeat timestamp per subscription and
// periodically evicts stale ones from every broadcaster registered with it.
// The market broadcaster and the debate broadcaster share one tracker, so a
// connection's single heartbeat keeps all of its subscriptions alive.
type LivenessTracker struct {
	log     *zap.Logger
	sweep   time.Duration
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	beats    map[SubscriptionID]time.Time
	evictors map[SubscriptionID]func(SubscriptionID)
	stop     chan struct{}
	running  bool
}

// NewLivenessTracker constructs a tracker. Zero durations fall back to the
// defaults; now is injectable for deterministic tests (nil means time.Now).
func NewLivenessTracker(log *zap.Logger, sweep, timeout time.Duration, now func() time.Time) *LivenessTracker {
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &LivenessTracker{
		log:      log.With(zap.String("component", "liveness")),
		sweep:    sweep,
		timeout:  timeout,
		now:      now,
		beats:    make(map[SubscriptionID]time.Time),
		evictors: make(map[SubscriptionID]func(SubscriptionID)),
	}
}

// track registers id with the function that removes it from its owning
// broadcaster, stamping an initial heartbeat.
func (t *LivenessTracker) track(id SubscriptionID, evict func(SubscriptionID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beats[id] = t.now()
	t.evictors[id] = evict
}

// forget drops id without evicting (the subscription was removed already).
func (t *LivenessTracker) forget(id SubscriptionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.beats, id)
	delete(t.evictors, id)
}

// Heartbeat refreshes id's liveness timestamp. Unknown ids are ignored.
func (t *LivenessTracker) Heartbeat(id SubscriptionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.beats[id]; ok {
		t.beats[id] = t.now()
	}
}

// SweepOnce evicts every subscription whose heartbeat is older than the
// timeout and returns how many were dropped.
func (t *LivenessTracker) SweepOnce() int {
	cutoff := t.now().Add(-t.timeout)

	t.mu.Lock()
	var stale []SubscriptionID
	for id, beat := range t.beats {
		if beat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	evictors := make([]func(SubscriptionID), len(stale))
	for i, id := range stale {
		evictors[i] = t.evictors[id]
		delete(t.beats, id)
		delete(t.evictors, id)
	}
	t.mu.Unlock()

	for i, id := range stale {
		if evictors[i] != nil {
			evictors[i](id)
		}
		t.log.Info("evicted stale subscriber", zap.String("subscription", string(id)))
	}
	return len(stale)
}

// Start launches the periodic sweep. Idempotent.
func (t *LivenessTracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.SweepOnce()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the periodic sweep. Idempotent.
func (t *LivenessTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stop)
}
