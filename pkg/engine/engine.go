// Package engine is the root scope that owns every core component — ledger,
// risk, matching, order service, settlement builder, broadcaster,
// reconciler, storage — and sequences the cross-component effects of each
// operation: an accepted order enqueues its trades for settlement, emits
// book/trade/balance events, and checkpoints the touched state. All
// components are explicit values wired at construction; there is no
// process-global state.
package engine

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/pkg/broadcaster"
	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
	"github.com/ctfexchange/clob-engine/pkg/crypto"
	"github.com/ctfexchange/clob-engine/pkg/ledger"
	"github.com/ctfexchange/clob-engine/pkg/matching"
	"github.com/ctfexchange/clob-engine/pkg/orderservice"
	"github.com/ctfexchange/clob-engine/pkg/reconciliation"
	"github.com/ctfexchange/clob-engine/pkg/risk"
	"github.com/ctfexchange/clob-engine/pkg/settlement"
	"github.com/ctfexchange/clob-engine/pkg/storage"
)

// Options configures a new Engine. Store and Lookup are optional: a nil
// Store runs without persistence (tests, ephemeral devnets), a nil Lookup
// disables reconciliation.
type Options struct {
	Domain crypto.EIP712Domain
	Sink   settlement.ChainSink
	Store  *storage.Store
	Lookup reconciliation.BalanceLookup

	MaxBatchSize int
	Retry        settlement.RetryConfig
	CutInterval  time.Duration

	SweepInterval    time.Duration
	HeartbeatTimeout time.Duration

	ReconInterval  time.Duration
	ReconThreshold float64

	Now func() time.Time
}

// Engine owns the core components and the periodic settlement cut loop.
type Engine struct {
	log *zap.Logger

	ledger   *ledger.Ledger
	risk     *risk.Engine
	matching *matching.Engine
	service  *orderservice.Service
	settle   *settlement.Builder
	bcast    *broadcaster.Broadcaster
	debate   *broadcaster.DebateBroadcaster
	liveness *broadcaster.LivenessTracker
	recon    *reconciliation.Reconciler
	store    *storage.Store

	cutInterval time.Duration
	now         func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	running bool
}

// New wires the component graph. Construction never touches disk beyond
// what the caller already opened; call Restore to replay persisted state.
func New(log *zap.Logger, opts Options) (*Engine, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cutInterval := opts.CutInterval
	if cutInterval <= 0 {
		cutInterval = 30 * time.Second
	}

	led := ledger.New(log)
	riskEng := risk.New(log, now)
	matchEng := matching.New(log, led, now)
	signer := crypto.NewEIP712Signer(opts.Domain)
	svc := orderservice.New(log, signer, led, riskEng, matchEng, now)
	settle := settlement.New(log, opts.Sink, opts.MaxBatchSize, opts.Retry, now)

	liveness := broadcaster.NewLivenessTracker(log, opts.SweepInterval, opts.HeartbeatTimeout, now)
	bcast := broadcaster.New(log, liveness, now)
	debate := broadcaster.NewDebate(log, liveness, now)

	e := &Engine{
		log:         log.With(zap.String("component", "engine")),
		ledger:      led,
		risk:        riskEng,
		matching:    matchEng,
		service:     svc,
		settle:      settle,
		bcast:       bcast,
		debate:      debate,
		liveness:    liveness,
		store:       opts.Store,
		cutInterval: cutInterval,
		now:         now,
	}

	if opts.Lookup != nil {
		recon, err := reconciliation.New(log, led, opts.Lookup, opts.ReconInterval, opts.ReconThreshold, now)
		if err != nil {
			return nil, err
		}
		e.recon = recon
	}
	return e, nil
}

// Component accessors for the API layer.
func (e *Engine) Ledger() *ledger.Ledger                            { return e.ledger }
func (e *Engine) Risk() *risk.Engine                                { return e.risk }
func (e *Engine) Matching() *matching.Engine                        { return e.matching }
func (e *Engine) Settlement() *settlement.Builder                   { return e.settle }
func (e *Engine) Broadcaster() *broadcaster.Broadcaster             { return e.bcast }
func (e *Engine) DebateBroadcaster() *broadcaster.DebateBroadcaster { return e.debate }
func (e *Engine) Reconciler() *reconciliation.Reconciler            { return e.recon }

func hashHex(h clobtypes.OrderHash) string {
	return "0x" + hex.EncodeToString(h[:])
}

// persistBalance checkpoints one ledger row, if a store is attached.
func (e *Engine) persistBalance(user string, tokenID uint64) {
	if e.store == nil {
		return
	}
	bal := e.ledger.GetBalance(user, tokenID)
	if err := e.store.SaveBalance(storage.BalanceRecord{
		User: user, TokenID: tokenID, Available: bal.Available, Locked: bal.Locked,
	}); err != nil {
		e.log.Error("persist balance failed", zap.String("user", user), zap.Error(err))
	}
}

func (e *Engine) persistNonce(user string) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveNonce(user, e.ledger.GetNonce(user)); err != nil {
		e.log.Error("persist nonce failed", zap.String("user", user), zap.Error(err))
	}
}

func (e *Engine) persistEpoch(epoch *clobtypes.Epoch) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveEpoch(epoch); err != nil {
		e.log.Error("persist epoch failed", zap.Uint64("epoch", epoch.EpochID), zap.Error(err))
	}
}

// publishBalance pushes user's current balance for tokenID to subscribers.
func (e *Engine) publishBalance(user string, tokenID uint64) {
	bal := e.ledger.GetBalance(user, tokenID)
	e.bcast.PublishBalance(user, broadcaster.BalanceUpdatePayload{
		TokenID:   tokenID,
		Available: bal.Available,
		Locked:    bal.Locked,
	})
}

// Deposit credits amount of tokenID to user, from an external source.
func (e *Engine) Deposit(user common.Address, tokenID uint64, amount *big.Int) error {
	addr := clobtypes.NormalizeAddress(user)
	if err := e.ledger.Credit(addr, tokenID, amount); err != nil {
		return err
	}
	e.persistBalance(addr, tokenID)
	e.publishBalance(addr, tokenID)
	return nil
}

// Withdraw debits amount of tokenID from user's available balance, bounded
// by the risk engine's daily withdrawal cap.
func (e *Engine) Withdraw(user common.Address, tokenID uint64, amount *big.Int) error {
	addr := clobtypes.NormalizeAddress(user)
	if err := e.risk.ValidateWithdrawal(addr, amount); err != nil {
		return err
	}
	if err := e.ledger.Debit(addr, tokenID, amount); err != nil {
		return err
	}
	e.risk.RecordWithdrawal(addr, amount)
	e.persistBalance(addr, tokenID)
	e.publishBalance(addr, tokenID)
	return nil
}

// checkpointEntry persists orderHash's current book state: its remaining
// size while resting, deletion once gone.
func (e *Engine) checkpointEntry(marketID [32]byte, tokenID uint64, orderHash clobtypes.OrderHash, order *clobtypes.Order) {
	if e.store == nil {
		return
	}
	if remaining, ts, ok := e.matching.RestingEntry(marketID, tokenID, orderHash); ok {
		err := e.store.SaveOpenOrder(storage.OpenOrderRecord{
			OrderHash: orderHash, Order: order, Remaining: remaining, Timestamp: ts,
		})
		if err != nil {
			e.log.Error("persist open order failed", zap.String("order", hashHex(orderHash)), zap.Error(err))
		}
		return
	}
	if err := e.store.DeleteOpenOrder(orderHash); err != nil {
		e.log.Error("delete open order failed", zap.String("order", hashHex(orderHash)), zap.Error(err))
	}
}

// publishBookEvent emits the post-submit state of orderHash on its book:
// order_added for a fresh resting entry, order_updated for a partially
// filled maker, order_removed once gone.
func (e *Engine) publishBookEvent(kind broadcaster.EventKind, order *clobtypes.Order, orderHash clobtypes.OrderHash, remaining *big.Int) {
	e.bcast.PublishOrderbook(kind, order.MarketID, order.TokenID.Uint64(), broadcaster.OrderEventPayload{
		OrderHash: hashHex(orderHash),
		Maker:     clobtypes.NormalizeAddress(order.Maker),
		Side:      order.Side.String(),
		Price:     order.Price(),
		Remaining: remaining,
	})
}

// SubmitOrder runs the full submission flow: validation and matching via
// the order service, then settlement enqueue, event emission, and state
// checkpointing for everything the fills touched. Balance updates are
// published after their trade event, in trade order, keeping the two
// streams totally ordered per market.
func (e *Engine) SubmitOrder(order *clobtypes.Order) (*orderservice.SubmitResult, error) {
	res, err := e.service.SubmitOrder(order)
	if err != nil {
		return nil, err
	}

	taker := clobtypes.NormalizeAddress(order.Maker)
	marketID := order.MarketID
	tokenID := order.TokenID.Uint64()

	e.persistNonce(taker)

	for _, t := range res.Trades {
		e.settle.Enqueue(t)

		makerAddr := clobtypes.NormalizeAddress(t.Maker)
		e.bcast.PublishOrderbook(broadcaster.EventTrade, marketID, tokenID, broadcaster.TradeEventPayload{
			TradeID:   t.ID,
			Maker:     makerAddr,
			Taker:     taker,
			Amount:    t.Amount,
			Price:     t.Price,
			MatchType: t.MatchType.String(),
			Fee:       t.Fee,
		})

		// Maker-side entry: updated while partially filled, removed when gone.
		makerOrder, _ := e.service.Order(t.MakerOrderHash)
		if remaining, _, resting := e.matching.RestingEntry(marketID, tokenID, t.MakerOrderHash); resting {
			if makerOrder != nil {
				e.publishBookEvent(broadcaster.EventOrderUpdated, makerOrder, t.MakerOrderHash, remaining)
				e.checkpointEntry(marketID, tokenID, t.MakerOrderHash, makerOrder)
			}
		} else {
			e.bcast.PublishOrderbook(broadcaster.EventOrderRemoved, marketID, tokenID, broadcaster.OrderEventPayload{
				OrderHash: hashHex(t.MakerOrderHash),
				Maker:     makerAddr,
				Remaining: big.NewInt(0),
			})
			if e.store != nil {
				if err := e.store.DeleteOpenOrder(t.MakerOrderHash); err != nil {
					e.log.Error("delete filled order failed", zap.Error(err))
				}
			}
		}

		// Balance effects of this trade, totally ordered after its event.
		for _, user := range []string{taker, makerAddr} {
			e.persistBalance(user, clobtypes.CollateralTokenID)
			e.persistBalance(user, tokenID)
			e.publishBalance(user, clobtypes.CollateralTokenID)
			e.publishBalance(user, tokenID)
		}
	}

	// Taker residual: a fresh resting entry, or nothing left to announce.
	if remaining, _, resting := e.matching.RestingEntry(marketID, tokenID, res.OrderHash); resting {
		e.publishBookEvent(broadcaster.EventOrderAdded, order, res.OrderHash, remaining)
		e.checkpointEntry(marketID, tokenID, res.OrderHash, order)
	} else if len(res.Trades) == 0 {
		// Fully consumed with no trades cannot happen; guard for the
		// invariant log rather than silence.
		e.log.DPanic("order neither rested nor traded", zap.String("order", hashHex(res.OrderHash)))
	}

	if len(res.Trades) > 0 {
		bids, asks := e.matching.Depth(marketID, tokenID)
		pu := broadcaster.PriceUpdatePayload{Last: res.Trades[len(res.Trades)-1].Price}
		if len(bids) > 0 {
			pu.BestBid = bids[0].Price
		}
		if len(asks) > 0 {
			pu.BestAsk = asks[0].Price
		}
		e.bcast.PublishOrderbook(broadcaster.EventPriceUpdate, marketID, tokenID, pu)
	}

	// The taker's own balances move even on a pure rest (the lock).
	e.persistBalance(taker, clobtypes.CollateralTokenID)
	e.persistBalance(taker, tokenID)
	if len(res.Trades) == 0 {
		e.publishBalance(taker, clobtypes.CollateralTokenID)
		e.publishBalance(taker, tokenID)
	}

	return res, nil
}

// CancelOrder cancels a resting order, marks it excluded from future epoch
// cuts, and announces the removal.
func (e *Engine) CancelOrder(orderHash clobtypes.OrderHash, caller common.Address) error {
	order, known := e.service.Order(orderHash)
	if err := e.service.CancelOrder(orderHash, caller); err != nil {
		return err
	}
	e.settle.MarkCancelled(orderHash)

	if known {
		addr := clobtypes.NormalizeAddress(order.Maker)
		tokenID := order.TokenID.Uint64()
		e.bcast.PublishOrderbook(broadcaster.EventOrderRemoved, order.MarketID, tokenID, broadcaster.OrderEventPayload{
			OrderHash: hashHex(orderHash),
			Maker:     addr,
			Side:      order.Side.String(),
			Price:     order.Price(),
			Remaining: big.NewInt(0),
		})
		e.persistBalance(addr, clobtypes.CollateralTokenID)
		e.persistBalance(addr, tokenID)
		e.publishBalance(addr, clobtypes.CollateralTokenID)
		e.publishBalance(addr, tokenID)
	}
	if e.store != nil {
		if err := e.store.DeleteOpenOrder(orderHash); err != nil {
			e.log.Error("delete cancelled order failed", zap.Error(err))
		}
	}
	return nil
}

// ExpireOrders sweeps out resting orders past their expiration, announcing
// each removal and excluding the orders from future epoch cuts.
func (e *Engine) ExpireOrders() {
	for _, exp := range e.service.ExpireDue() {
		e.settle.MarkCancelled(exp.Hash)

		addr := clobtypes.NormalizeAddress(exp.Order.Maker)
		tokenID := exp.Order.TokenID.Uint64()
		e.bcast.PublishOrderbook(broadcaster.EventOrderRemoved, exp.Order.MarketID, tokenID, broadcaster.OrderEventPayload{
			OrderHash: hashHex(exp.Hash),
			Maker:     addr,
			Side:      exp.Order.Side.String(),
			Price:     exp.Order.Price(),
			Remaining: big.NewInt(0),
		})
		e.persistBalance(addr, clobtypes.CollateralTokenID)
		e.persistBalance(addr, tokenID)
		e.publishBalance(addr, clobtypes.CollateralTokenID)
		e.publishBalance(addr, tokenID)
		if e.store != nil {
			if err := e.store.DeleteOpenOrder(exp.Hash); err != nil {
				e.log.Error("delete expired order failed", zap.Error(err))
			}
		}
	}
}

// CutEpoch drains pending trades into an epoch, commits its root through
// the chain sink, executes the trades, and announces the committed epoch.
// A nil return with no error means there was nothing to cut.
func (e *Engine) CutEpoch(ctx context.Context) (*clobtypes.Epoch, error) {
	epoch, err := e.settle.Cut()
	if err != nil || epoch == nil {
		return nil, err
	}
	e.persistEpoch(epoch)

	if err := e.settle.Commit(ctx, epoch); err != nil {
		e.persistEpoch(epoch)
		return epoch, err
	}
	e.persistEpoch(epoch)

	total := big.NewInt(0)
	for _, amt := range epoch.BalanceDeltas {
		if amt.Sign() > 0 {
			total.Add(total, amt)
		}
	}
	e.bcast.PublishSettlement(broadcaster.EpochCommittedPayload{
		EpochID:    epoch.EpochID,
		MerkleRoot: "0x" + hex.EncodeToString(epoch.MerkleRoot[:]),
		TradeCount: len(epoch.Trades),
	})

	e.settle.Execute(ctx, epoch)
	e.persistEpoch(epoch)
	return epoch, nil
}

// Restore replays persisted state after a restart: ledger rows (including
// locks), nonces, resting book entries, and settlement epochs. Must run
// before Start and before the API accepts traffic.
func (e *Engine) Restore() error {
	if e.store == nil {
		return nil
	}

	balances, err := e.store.LoadBalances()
	if err != nil {
		return err
	}
	for _, rec := range balances {
		total := new(big.Int).Add(rec.Available, rec.Locked)
		if total.Sign() > 0 {
			if err := e.ledger.Credit(rec.User, rec.TokenID, total); err != nil {
				return err
			}
		}
		if rec.Locked.Sign() > 0 {
			if err := e.ledger.Lock(rec.User, rec.TokenID, rec.Locked); err != nil {
				return err
			}
		}
	}

	nonces, err := e.store.LoadNonces()
	if err != nil {
		return err
	}
	for user, n := range nonces {
		e.ledger.SetNonce(user, n)
	}

	orders, err := e.store.LoadOpenOrders()
	if err != nil {
		return err
	}
	for _, rec := range orders {
		e.service.RestoreOrder(rec.Order, rec.OrderHash, rec.Remaining, rec.Timestamp)
	}

	epochs, err := e.store.LoadEpochs()
	if err != nil {
		return err
	}
	for _, epoch := range epochs {
		e.settle.RestoreEpoch(epoch)
	}

	e.log.Info("state restored",
		zap.Int("balances", len(balances)),
		zap.Int("nonces", len(nonces)),
		zap.Int("openOrders", len(orders)),
		zap.Int("epochs", len(epochs)))
	return nil
}

// Start launches the periodic tasks: liveness sweeps, reconciliation, and
// the settlement cut timer. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	stop := e.stop
	e.mu.Unlock()

	e.liveness.Start()
	if e.recon != nil {
		e.recon.Start(ctx)
	}

	go func() {
		ticker := time.NewTicker(e.cutInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.ExpireOrders()
				if _, err := e.CutEpoch(ctx); err != nil {
					e.log.Warn("epoch cut failed", zap.Error(err))
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic tasks. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.mu.Unlock()

	e.liveness.Stop()
	if e.recon != nil {
		e.recon.Stop()
	}
}
