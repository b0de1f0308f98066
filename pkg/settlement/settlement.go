// Package settlement batches matched trades into epochs, builds their
// Merkle root over net collateral deltas, and drives an external chain
// sink through commit and execute phases, retrying transient commit
// failures with exponential backoff.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
	"github.com/ctfexchange/clob-engine/pkg/merkle"
)

// ChainSink is the external settlement boundary: committing a batch's
// Merkle root and executing individual trades against the on-chain
// exchange contract. Implementations live outside this package (an RPC
// client in production, a fake in tests).
type ChainSink interface {
	CommitRoot(ctx context.Context, root [32]byte, total *big.Int) error
	ExecuteTrade(ctx context.Context, trade *clobtypes.Trade) error
}

// RetryConfig bounds Commit's exponential backoff.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig is base 1s, cap 30s, 3 retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// DefaultMaxBatchSize is the per-epoch trade-count cut threshold.
const DefaultMaxBatchSize = 100

// Builder accumulates trades into a FIFO queue and cuts them into epochs.
type Builder struct {
	log  *zap.Logger
	sink ChainSink

	maxBatchSize int
	retry        RetryConfig
	now          func() time.Time

	mu              sync.Mutex
	pending         []*clobtypes.Trade
	cancelledOrders map[clobtypes.OrderHash]bool
	epochs          map[uint64]*clobtypes.Epoch
	nextEpochID     uint64
}

// New constructs a settlement builder. now is injectable for deterministic
// tests; pass nil to use time.Now.
func New(log *zap.Logger, sink ChainSink, maxBatchSize int, retry RetryConfig, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &Builder{
		log:             log.With(zap.String("component", "settlement")),
		sink:            sink,
		maxBatchSize:    maxBatchSize,
		retry:           retry,
		now:             now,
		cancelledOrders: make(map[clobtypes.OrderHash]bool),
		epochs:          make(map[uint64]*clobtypes.Epoch),
	}
}

// Enqueue appends a freshly matched trade to the pending queue.
func (b *Builder) Enqueue(trade *clobtypes.Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, trade)
}

// MarkCancelled records that orderHash was cancelled, so any already-queued
// trade referencing it is excluded from the next cut. Idempotent.
func (b *Builder) MarkCancelled(orderHash clobtypes.OrderHash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelledOrders[orderHash] = true
}

// PendingCount returns the number of trades awaiting a cut.
func (b *Builder) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func addDelta(deltas map[string]*big.Int, addr string, delta *big.Int) {
	if cur, ok := deltas[addr]; ok {
		cur.Add(cur, delta)
		return
	}
	deltas[addr] = new(big.Int).Set(delta)
}

// Cut drains up to maxBatchSize pending trades and, if any positive
// net-credit leaves remain after filtering, produces a new pending epoch.
// Returns (nil, nil) if there was nothing to cut or the cut produced no
// positive leaves; in that case the cut is aborted and the drained trades
// that were not excluded by cancellation return to the front of the queue
// for the next attempt (excluded trades are dropped).
func (b *Builder) Cut() (*clobtypes.Epoch, error) {
	b.mu.Lock()
	n := len(b.pending)
	if n > b.maxBatchSize {
		n = b.maxBatchSize
	}
	if n == 0 {
		b.mu.Unlock()
		return nil, nil
	}
	batch := append([]*clobtypes.Trade{}, b.pending[:n]...)
	b.pending = b.pending[n:]
	b.mu.Unlock()

	var kept []*clobtypes.Trade
	b.mu.Lock()
	for _, t := range batch {
		if b.cancelledOrders[t.MakerOrderHash] || b.cancelledOrders[t.TakerOrderHash] {
			continue
		}
		kept = append(kept, t)
	}
	b.mu.Unlock()

	deltas := make(map[string]*big.Int)
	for _, t := range kept {
		cost := new(big.Int).Mul(t.Amount, t.Price)
		cost.Div(cost, clobtypes.ONE)
		addDelta(deltas, clobtypes.NormalizeAddress(t.Maker), new(big.Int).Neg(cost))
		addDelta(deltas, clobtypes.NormalizeAddress(t.Taker), cost)
	}

	var leaves []merkle.Leaf
	for addr, delta := range deltas {
		if delta.Sign() > 0 {
			leaves = append(leaves, merkle.Leaf{Address: addr, Amount: delta})
		}
	}
	if len(leaves) == 0 {
		b.mu.Lock()
		b.pending = append(kept, b.pending...)
		b.mu.Unlock()
		return nil, nil
	}

	tree, err := merkle.New(leaves)
	if err != nil {
		return nil, fmt.Errorf("settlement: build merkle tree: %w", err)
	}

	proofs := make(map[string]clobtypes.Proof, len(leaves))
	for _, l := range leaves {
		p, err := tree.Proof(l.Address, l.Amount)
		if err != nil {
			return nil, fmt.Errorf("settlement: proof for %s: %w", l.Address, err)
		}
		proofs[l.Address] = p
	}

	b.mu.Lock()
	b.nextEpochID++
	epochID := b.nextEpochID
	epoch := &clobtypes.Epoch{
		EpochID:       epochID,
		Trades:        kept,
		BalanceDeltas: deltas,
		MerkleRoot:    tree.Root(),
		Proofs:        proofs,
		Status:        clobtypes.EpochPending,
		Timestamp:     b.now().UnixNano(),
	}
	b.epochs[epochID] = epoch
	b.mu.Unlock()

	return epoch, nil
}

func (b *Builder) setStatus(epochID uint64, status clobtypes.EpochStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.epochs[epochID]; ok {
		e.Status = status
	}
}

// Commit invokes the chain sink with the epoch's root and total positive
// credit, retrying with exponential backoff on failure.
func (b *Builder) Commit(ctx context.Context, epoch *clobtypes.Epoch) error {
	total := big.NewInt(0)
	for _, amt := range epoch.BalanceDeltas {
		if amt.Sign() > 0 {
			total.Add(total, amt)
		}
	}

	delay := b.retry.BaseDelay
	var lastErr error
	for attempt := 0; attempt <= b.retry.MaxRetries; attempt++ {
		if err := b.sink.CommitRoot(ctx, epoch.MerkleRoot, total); err == nil {
			b.setStatus(epoch.EpochID, clobtypes.EpochCommitted)
			return nil
		} else {
			lastErr = err
		}
		if attempt == b.retry.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.retry.MaxDelay {
			delay = b.retry.MaxDelay
		}
	}
	b.setStatus(epoch.EpochID, clobtypes.EpochFailed)
	return fmt.Errorf("settlement: commit failed after %d attempts: %w", b.retry.MaxRetries+1, lastErr)
}

// Execute hands each trade in the epoch to the chain sink's match endpoint,
// grouped by match type. Per-trade failures accumulate; the epoch's
// terminal status reflects whether all, some, or none succeeded.
func (b *Builder) Execute(ctx context.Context, epoch *clobtypes.Epoch) {
	groups := map[clobtypes.MatchType][]*clobtypes.Trade{}
	for _, t := range epoch.Trades {
		groups[t.MatchType] = append(groups[t.MatchType], t)
	}

	var failed []string
	for _, mt := range []clobtypes.MatchType{clobtypes.Complementary, clobtypes.Mint, clobtypes.Merge} {
		for _, t := range groups[mt] {
			if err := b.sink.ExecuteTrade(ctx, t); err != nil {
				b.log.Warn("trade execution failed", zap.String("tradeId", t.ID), zap.Error(err))
				failed = append(failed, t.ID)
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	epoch.FailedTrades = failed
	switch {
	case len(failed) == 0:
		epoch.Status = clobtypes.EpochSettled
	case len(failed) == len(epoch.Trades):
		epoch.Status = clobtypes.EpochFailed
	default:
		epoch.Status = clobtypes.EpochCommitted
	}
}

// RestoreEpoch reloads a persisted epoch after a restart, advancing the id
// counter past it so newly cut epochs never collide.
func (b *Builder) RestoreEpoch(e *clobtypes.Epoch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epochs[e.EpochID] = e
	if e.EpochID > b.nextEpochID {
		b.nextEpochID = e.EpochID
	}
}

// GetProof returns the inclusion proof for user in epochID, or false if the
// epoch or the user's leaf doesn't exist.
func (b *Builder) GetProof(epochID uint64, user common.Address) (clobtypes.Proof, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.epochs[epochID]
	if !ok {
		return clobtypes.Proof{}, false
	}
	p, ok := e.Proofs[clobtypes.NormalizeAddress(user)]
	return p, ok
}

// GetUnclaimedEpochs returns epoch ids in which user has a Merkle leaf.
func (b *Builder) GetUnclaimedEpochs(user common.Address) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	normalized := clobtypes.NormalizeAddress(user)
	var ids []uint64
	for id, e := range b.epochs {
		if _, ok := e.Proofs[normalized]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Epoch returns a previously cut epoch by id.
func (b *Builder) Epoch(epochID uint64) (*clobtypes.Epoch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.epochs[epochID]
	return e, ok
}
