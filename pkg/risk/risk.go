// Package risk enforces per-user trading limits: order size, exposure,
// order rate, and daily withdrawal caps, resolved through a tier table
// (STANDARD/PREMIUM/VIP) with optional per-user overrides.
package risk

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tier is a named risk bracket with default limits.
type Tier string

const (
	TierStandard Tier = "STANDARD"
	TierPremium  Tier = "PREMIUM"
	TierVIP      Tier = "VIP"
)

// Limits bounds one user's trading activity.
type Limits struct {
	MaxOrderSize     *big.Int
	MaxExposure      *big.Int
	MaxOrdersPerMin  int
	MaxWithdrawalDay *big.Int
}

func mustPow10(exp int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
}

// tierDefaults is the built-in tier table.
var tierDefaults = map[Tier]Limits{
	TierStandard: {
		MaxOrderSize:     mustPow10(23),
		MaxExposure:      mustPow10(24),
		MaxOrdersPerMin:  30,
		MaxWithdrawalDay: mustPow10(23),
	},
	TierPremium: {
		MaxOrderSize:     mustPow10(24),
		MaxExposure:      mustPow10(25),
		MaxOrdersPerMin:  60,
		MaxWithdrawalDay: mustPow10(24),
	},
	TierVIP: {
		MaxOrderSize:     mustPow10(25),
		MaxExposure:      mustPow10(26),
		MaxOrdersPerMin:  120,
		MaxWithdrawalDay: mustPow10(25),
	},
}

// DefaultLimits returns the built-in limits for tier, the base that
// configuration overrides are merged onto.
func DefaultLimits(tier Tier) Limits {
	return tierDefaults[tier]
}

func cloneTierDefaults() map[Tier]Limits {
	out := make(map[Tier]Limits, len(tierDefaults))
	for t, l := range tierDefaults {
		out[t] = l
	}
	return out
}

const (
	rateLimitWindow    = 60_000 * time.Millisecond
	timestampBufferCap = 100
)

var (
	ErrOrderTooLarge     = errors.New("risk: order size exceeds tier limit")
	ErrExposureExceeded  = errors.New("risk: exposure would exceed tier limit")
	ErrRateLimitExceeded = errors.New("risk: order rate limit exceeded")
	ErrWithdrawalLimit   = errors.New("risk: daily withdrawal limit exceeded")
)

type userState struct {
	mu sync.Mutex

	tier   Tier
	custom *Limits // nil unless explicitly set; clears on SetTier

	exposure          *big.Int
	recentOrderTimes  []time.Time // bounded ring, most recent last
	withdrawalsByDate map[string]*big.Int
	activeOrderIDs    map[string]struct{}
}

func newUserState() *userState {
	return &userState{
		tier:              TierStandard,
		exposure:          big.NewInt(0),
		withdrawalsByDate: make(map[string]*big.Int),
		activeOrderIDs:    make(map[string]struct{}),
	}
}

// Engine tracks per-user RiskState and evaluates order/withdrawal requests
// against tiered limits.
type Engine struct {
	log *zap.Logger

	mu    sync.RWMutex
	users map[string]*userState
	tiers map[Tier]Limits

	now func() time.Time
}

// limitsOf resolves u's effective limits: custom per-user override first,
// then this engine's tier table, then STANDARD.
func (e *Engine) limitsOf(u *userState) Limits {
	if u.custom != nil {
		return *u.custom
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if l, ok := e.tiers[u.tier]; ok {
		return l
	}
	return e.tiers[TierStandard]
}

// SetTierDefault replaces one tier's default limits, the configuration
// knob that lets deployments tighten or widen a whole tier at once.
func (e *Engine) SetTierDefault(tier Tier, limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tiers[tier] = limits
}

// New constructs a risk engine. now is injectable for deterministic tests;
// pass nil to use time.Now.
func New(log *zap.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		log:   log.With(zap.String("component", "risk")),
		users: make(map[string]*userState),
		tiers: cloneTierDefaults(),
		now:   now,
	}
}

func (e *Engine) stateFor(user string) *userState {
	e.mu.RLock()
	u, ok := e.users[user]
	e.mu.RUnlock()
	if ok {
		return u
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.users[user]; ok {
		return u
	}
	u = newUserState()
	e.users[user] = u
	return u
}

// SetTier assigns user's tier. Any custom override is cleared: a tier
// assignment is a reset, not a merge.
func (e *Engine) SetTier(user string, tier Tier) {
	u := e.stateFor(user)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tier = tier
	u.custom = nil
}

// SetCustomLimits installs a per-user override that takes precedence over
// the tier default until cleared by a subsequent SetTier call.
func (e *Engine) SetCustomLimits(user string, limits Limits) {
	u := e.stateFor(user)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.custom = &limits
}

func pruneOldTimestamps(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

// ValidateOrder checks order size, projected exposure, and order rate, in
// that order. It does not mutate state; call RecordOrder on
// acceptance.
func (e *Engine) ValidateOrder(user string, makerAmount *big.Int) error {
	u := e.stateFor(user)
	u.mu.Lock()
	defer u.mu.Unlock()

	limits := e.limitsOf(u)

	if makerAmount.Cmp(limits.MaxOrderSize) > 0 {
		return ErrOrderTooLarge
	}

	projected := new(big.Int).Add(u.exposure, makerAmount)
	if projected.Cmp(limits.MaxExposure) > 0 {
		return ErrExposureExceeded
	}

	now := e.now()
	cutoff := now.Add(-rateLimitWindow)
	u.recentOrderTimes = pruneOldTimestamps(u.recentOrderTimes, cutoff)
	if len(u.recentOrderTimes) >= limits.MaxOrdersPerMin {
		return ErrRateLimitExceeded
	}

	return nil
}

// RecordOrder increases user's tracked exposure by makerAmount and records
// this order's timestamp for rate limiting. Call after the order is
// accepted by the matching engine.
func (e *Engine) RecordOrder(user, orderID string, makerAmount *big.Int) {
	u := e.stateFor(user)
	u.mu.Lock()
	defer u.mu.Unlock()

	u.exposure.Add(u.exposure, makerAmount)
	u.activeOrderIDs[orderID] = struct{}{}

	u.recentOrderTimes = append(u.recentOrderTimes, e.now())
	if len(u.recentOrderTimes) > timestampBufferCap {
		u.recentOrderTimes = u.recentOrderTimes[len(u.recentOrderTimes)-timestampBufferCap:]
	}
}

// RestoreOrder re-establishes exposure for an order reloaded from
// persistence at startup. Unlike RecordOrder it leaves the rate-limit
// window untouched: restored orders were not submitted in the last minute.
func (e *Engine) RestoreOrder(user, orderID string, amount *big.Int) {
	u := e.stateFor(user)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.exposure.Add(u.exposure, amount)
	u.activeOrderIDs[orderID] = struct{}{}
}

// ReleaseOrder reduces user's tracked exposure by amount, on a fill or
// cancellation, floored at zero.
func (e *Engine) ReleaseOrder(user, orderID string, amount *big.Int) {
	u := e.stateFor(user)
	u.mu.Lock()
	defer u.mu.Unlock()

	u.exposure.Sub(u.exposure, amount)
	if u.exposure.Sign() < 0 {
		u.exposure.SetInt64(0)
	}
	delete(u.activeOrderIDs, orderID)
}

func dateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ValidateWithdrawal checks amount against the user's remaining daily
// withdrawal allowance for today's date bucket. It does not mutate state;
// call RecordWithdrawal on acceptance.
func (e *Engine) ValidateWithdrawal(user string, amount *big.Int) error {
	u := e.stateFor(user)
	u.mu.Lock()
	defer u.mu.Unlock()

	limits := e.limitsOf(u)
	bucket := dateBucket(e.now())
	used, ok := u.withdrawalsByDate[bucket]
	if !ok {
		used = big.NewInt(0)
	}
	projected := new(big.Int).Add(used, amount)
	if projected.Cmp(limits.MaxWithdrawalDay) > 0 {
		return ErrWithdrawalLimit
	}
	return nil
}

// RecordWithdrawal adds amount to today's withdrawal accumulator.
func (e *Engine) RecordWithdrawal(user string, amount *big.Int) {
	u := e.stateFor(user)
	u.mu.Lock()
	defer u.mu.Unlock()
	bucket := dateBucket(e.now())
	used, ok := u.withdrawalsByDate[bucket]
	if !ok {
		used = big.NewInt(0)
		u.withdrawalsByDate[bucket] = used
	}
	used.Add(used, amount)
}

// Exposure returns user's currently tracked exposure.
func (e *Engine) Exposure(user string) *big.Int {
	u := e.stateFor(user)
	u.mu.Lock()
	defer u.mu.Unlock()
	return new(big.Int).Set(u.exposure)
}
