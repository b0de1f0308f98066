// Package reconciliation periodically compares the off-chain ledger against
// authoritative on-chain balances fetched through an injected lookup,
// keeping a bounded history of sweep reports and pausing itself after
// sustained drift.
package reconciliation

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/pkg/ledger"
)

var (
	ErrIntervalTooShort = errors.New("reconciliation: interval must be at least 1s")
	ErrBadThreshold     = errors.New("reconciliation: threshold must be in (0, 1]")
)

// DefaultThreshold flags relative drift above 0.01%.
const DefaultThreshold = 0.0001

// thresholdScale converts the float threshold into integer arithmetic:
// |off - on| * thresholdScale > on * scaledThreshold.
var thresholdScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// BalanceLookup fetches the authoritative on-chain balance for one
// (user, tokenId) pair. May suspend (an RPC call in production).
type BalanceLookup func(ctx context.Context, user string, tokenID uint64) (*big.Int, error)

// Discrepancy is one flagged (user, tokenId) whose off-chain total drifted
// past the threshold, or whose lookup failed.
type Discrepancy struct {
	User     string
	TokenID  uint64
	OffChain *big.Int
	OnChain  *big.Int
	Err      error
}

// Report is the outcome of one reconciliation sweep.
type Report struct {
	Timestamp     time.Time
	RowsChecked   int
	Discrepancies []Discrepancy
}

// Healthy reports whether the sweep found no drift.
func (r Report) Healthy() bool { return len(r.Discrepancies) == 0 }

const (
	historyCap = 50
	// consecutive unhealthy sweeps before the loop pauses itself
	pauseAfter = 3
)

// Reconciler runs the periodic sweep.
type Reconciler struct {
	log       *zap.Logger
	ledger    *ledger.Ledger
	lookup    BalanceLookup
	interval  time.Duration
	threshold *big.Int // scaled by thresholdScale
	now       func() time.Time

	mu              sync.Mutex
	history         []Report // bounded ring, newest last
	unhealthyStreak int
	paused          bool
	stop            chan struct{}
	running         bool
}

// New validates the knobs (interval >= 1s, 0 < threshold <= 1) and
// constructs a reconciler. now is injectable for deterministic tests; nil
// means time.Now.
func New(log *zap.Logger, l *ledger.Ledger, lookup BalanceLookup, interval time.Duration, threshold float64, now func() time.Time) (*Reconciler, error) {
	if interval < time.Second {
		return nil, ErrIntervalTooShort
	}
	if threshold <= 0 || threshold > 1 {
		return nil, ErrBadThreshold
	}
	if now == nil {
		now = time.Now
	}
	scaled, _ := new(big.Float).Mul(big.NewFloat(threshold), new(big.Float).SetInt(thresholdScale)).Int(nil)
	return &Reconciler{
		log:       log.With(zap.String("component", "reconciliation")),
		ledger:    l,
		lookup:    lookup,
		interval:  interval,
		threshold: scaled,
		now:       now,
	}, nil
}

// exceeds reports whether |off - on| / on is above the threshold. A zero
// on-chain balance is only healthy when the off-chain total is also zero.
func (r *Reconciler) exceeds(off, on *big.Int) bool {
	diff := new(big.Int).Sub(off, on)
	diff.Abs(diff)
	if on.Sign() == 0 {
		return diff.Sign() != 0
	}
	lhs := new(big.Int).Mul(diff, thresholdScale)
	rhs := new(big.Int).Mul(on, r.threshold)
	return lhs.Cmp(rhs) > 0
}

// RunOnce sweeps every ledger row once and records the report. Lookup
// failures are flagged as discrepancies with Err set; nothing is silently
// dropped.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	report := Report{Timestamp: r.now()}

	for _, row := range r.ledger.Snapshot() {
		report.RowsChecked++
		off := new(big.Int).Add(row.Balance.Available, row.Balance.Locked)

		on, err := r.lookup(ctx, row.User, row.TokenID)
		if err != nil {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				User: row.User, TokenID: row.TokenID, OffChain: off, Err: err,
			})
			continue
		}
		if r.exceeds(off, on) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				User: row.User, TokenID: row.TokenID, OffChain: off, OnChain: on,
			})
			r.log.Warn("balance drift",
				zap.String("user", row.User),
				zap.Uint64("tokenId", row.TokenID),
				zap.String("offChain", off.String()),
				zap.String("onChain", on.String()))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, report)
	if len(r.history) > historyCap {
		r.history = r.history[len(r.history)-historyCap:]
	}
	if report.Healthy() {
		r.unhealthyStreak = 0
	} else {
		r.unhealthyStreak++
		if r.unhealthyStreak >= pauseAfter && !r.paused {
			r.paused = true
			r.log.Error("sustained discrepancies, pausing reconciliation",
				zap.Int("streak", r.unhealthyStreak))
		}
	}
	return report
}

// IsHealthy reports whether the most recent sweep found no drift. A
// reconciler that has never run is healthy.
func (r *Reconciler) IsHealthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return true
	}
	return r.history[len(r.history)-1].Healthy()
}

// Paused reports whether the loop paused itself after sustained drift.
func (r *Reconciler) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Resume clears the pause and the unhealthy streak (operator action after
// the underlying discrepancy has been corrected).
func (r *Reconciler) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	r.unhealthyStreak = 0
}

// History returns a copy of the retained reports, newest last.
func (r *Reconciler) History() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.history...)
}

// Start launches the periodic sweep loop. Paused sweeps are skipped, not
// stopped, so Resume takes effect on the next tick. Idempotent.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	stop := r.stop
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if r.Paused() {
					continue
				}
				r.RunOnce(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic loop. Idempotent.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stop)
}
