// Package orderservice is the front door for order submission and
// cancellation: it runs the signature/nonce/balance/risk/expiration
// validation pipeline, then delegates to the matching engine and keeps the
// risk engine's exposure tracking in sync with fills and cancels.
package orderservice

import (
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
	"github.com/ctfexchange/clob-engine/pkg/crypto"
	"github.com/ctfexchange/clob-engine/pkg/ledger"
	"github.com/ctfexchange/clob-engine/pkg/matching"
	"github.com/ctfexchange/clob-engine/pkg/risk"
)

// ErrorCode is one of the stable rejection codes exposed to API callers.
type ErrorCode string

const (
	ErrCodeInvalidSignature  ErrorCode = "INVALID_SIGNATURE"
	ErrCodeInvalidNonce      ErrorCode = "INVALID_NONCE"
	ErrCodeInsufficientFunds ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeOrderExpired      ErrorCode = "ORDER_EXPIRED"
	ErrCodeRiskLimitExceeded ErrorCode = "RISK_LIMIT_EXCEEDED"
	ErrCodeOrderNotFound     ErrorCode = "ORDER_NOT_FOUND"
	ErrCodeOrderNotOwned     ErrorCode = "ORDER_NOT_OWNED"
	ErrCodeInvalidOrder      ErrorCode = "INVALID_ORDER"
)

// ErrRejected wraps a structured rejection so callers can type-assert for
// the code and details instead of string-matching error text.
type ErrRejected struct {
	Code    ErrorCode
	Details string
}

func (e *ErrRejected) Error() string { return string(e.Code) + ": " + e.Details }

func reject(code ErrorCode, details string) error {
	return &ErrRejected{Code: code, Details: details}
}

// SubmitResult is the outcome of a successful SubmitOrder call.
type SubmitResult struct {
	OrderHash clobtypes.OrderHash
	Trades    []*clobtypes.Trade
}

func orderHashHex(h clobtypes.OrderHash) string {
	return hex.EncodeToString(h[:])
}

type orderMeta struct {
	order    *clobtypes.Order
	marketID [32]byte
	tokenID  uint64
	maker    string
}

// Service wires the validation pipeline together: signer for EIP-712
// verification, ledger for nonce/balance state, risk for per-user limits,
// and matching for crossing.
type Service struct {
	log    *zap.Logger
	signer *crypto.EIP712Signer
	ledger *ledger.Ledger
	risk   *risk.Engine
	engine *matching.Engine
	now    func() time.Time

	mu     sync.RWMutex
	orders map[clobtypes.OrderHash]*orderMeta

	// makerMu serializes submissions per maker so two racing orders cannot
	// both consume the same nonce.
	makerMuMu sync.Mutex
	makerMu   map[string]*sync.Mutex
}

// New constructs an order service. now is injectable for deterministic
// tests; pass nil to use time.Now.
func New(log *zap.Logger, signer *crypto.EIP712Signer, l *ledger.Ledger, r *risk.Engine, e *matching.Engine, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		log:     log.With(zap.String("component", "orderservice")),
		signer:  signer,
		ledger:  l,
		risk:    r,
		engine:  e,
		now:     now,
		orders:  make(map[clobtypes.OrderHash]*orderMeta),
		makerMu: make(map[string]*sync.Mutex),
	}
}

func (s *Service) makerLock(maker string) *sync.Mutex {
	s.makerMuMu.Lock()
	defer s.makerMuMu.Unlock()
	mu, ok := s.makerMu[maker]
	if !ok {
		mu = &sync.Mutex{}
		s.makerMu[maker] = mu
	}
	return mu
}

// SubmitOrder runs the six-step validation pipeline and, on acceptance,
// delegates to the matching engine. Any rejected step returns an
// *ErrRejected describing the failure; lower-level errors (ledger/engine
// faults unrelated to validation) are returned unwrapped.
func (s *Service) SubmitOrder(order *clobtypes.Order) (*SubmitResult, error) {
	if order.MakerAmount == nil || order.TakerAmount == nil || order.MakerAmount.Sign() <= 0 || order.TakerAmount.Sign() <= 0 {
		return nil, reject(ErrCodeInvalidOrder, "makerAmount and takerAmount must be positive")
	}

	// 1. Signature: signer must equal maker, and the signature must recover
	// to signer.
	if clobtypes.NormalizeAddress(order.Signer) != clobtypes.NormalizeAddress(order.Maker) {
		return nil, reject(ErrCodeInvalidSignature, "signer must equal maker")
	}
	ok, err := s.signer.VerifyClobOrderSignature(order)
	if err != nil {
		return nil, reject(ErrCodeInvalidSignature, err.Error())
	}
	if !ok {
		return nil, reject(ErrCodeInvalidSignature, "signature does not recover to signer")
	}

	orderHash, err := s.signer.HashClobOrder(order)
	if err != nil {
		return nil, reject(ErrCodeInvalidOrder, "could not hash order: "+err.Error())
	}

	maker := clobtypes.NormalizeAddress(order.Maker)

	// Steps 2-6 must be atomic per maker: without this, two racing
	// submissions could both read the same ledger nonce and both be
	// accepted against it.
	mu := s.makerLock(maker)
	mu.Lock()
	defer mu.Unlock()

	// 2. Nonce: must equal the ledger's current value exactly.
	current := s.ledger.GetNonce(maker)
	if order.Nonce == nil || order.Nonce.Cmp(current) != 0 {
		return nil, reject(ErrCodeInvalidNonce, "order nonce does not match ledger nonce")
	}

	// 3. Balance: BUY checks collateral; SELL checks the outcome token.
	balanceTokenID := clobtypes.CollateralTokenID
	if order.Side == clobtypes.Sell {
		balanceTokenID = order.TokenID.Uint64()
	}
	if !s.ledger.HasSufficient(maker, balanceTokenID, order.MakerAmount) {
		return nil, reject(ErrCodeInsufficientFunds, "available balance does not cover makerAmount")
	}

	// 4. Risk limits.
	if err := s.risk.ValidateOrder(maker, order.MakerAmount); err != nil {
		return nil, reject(ErrCodeRiskLimitExceeded, err.Error())
	}

	// 5. Expiration.
	if order.Expiration != 0 && order.Expiration < s.now().Unix() {
		return nil, reject(ErrCodeOrderExpired, "order expiration has passed")
	}

	// 6. Delegate to the matching engine.
	trades, err := s.engine.AddOrder(order, orderHash)
	if err != nil {
		switch {
		case errors.Is(err, matching.ErrInsufficientBalance):
			return nil, reject(ErrCodeInsufficientFunds, "lock failed at match time")
		case errors.Is(err, matching.ErrInvalidOrder):
			return nil, reject(ErrCodeInvalidOrder, err.Error())
		default:
			return nil, err
		}
	}

	s.ledger.IncrementNonce(maker)
	s.risk.RecordOrder(maker, orderHashHex(orderHash), order.MakerAmount)

	s.mu.Lock()
	s.orders[orderHash] = &orderMeta{order: order, marketID: order.MarketID, tokenID: order.TokenID.Uint64(), maker: maker}
	s.mu.Unlock()

	s.settleFills(orderHash, order, trades)

	return &SubmitResult{OrderHash: orderHash, Trades: trades}, nil
}

// settleFills releases risk exposure for the taker (this submission) and
// for any resting maker orders it crossed, pruning book entries that are
// now fully filled from the service's own bookkeeping.
func (s *Service) settleFills(takerHash clobtypes.OrderHash, takerOrder *clobtypes.Order, trades []*clobtypes.Trade) {
	if len(trades) == 0 {
		return
	}

	takerFilled := big.NewInt(0)
	for _, t := range trades {
		takerFilled.Add(takerFilled, t.Amount)

		s.mu.RLock()
		makerMeta, ok := s.orders[t.MakerOrderHash]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		release := matching.LockedAmountFor(makerMeta.order, t.Amount)
		s.risk.ReleaseOrder(makerMeta.maker, orderHashHex(t.MakerOrderHash), release)
		if !s.engine.Resting(makerMeta.marketID, makerMeta.tokenID, t.MakerOrderHash) {
			s.mu.Lock()
			delete(s.orders, t.MakerOrderHash)
			s.mu.Unlock()
		}
	}

	takerRelease := matching.LockedAmountFor(takerOrder, takerFilled)
	takerMaker := clobtypes.NormalizeAddress(takerOrder.Maker)
	s.risk.ReleaseOrder(takerMaker, orderHashHex(takerHash), takerRelease)
	if !s.engine.Resting(takerOrder.MarketID, takerOrder.TokenID.Uint64(), takerHash) {
		s.mu.Lock()
		delete(s.orders, takerHash)
		s.mu.Unlock()
	}
}

// ExpiredOrder identifies one entry removed by an expiry sweep.
type ExpiredOrder struct {
	Hash  clobtypes.OrderHash
	Order *clobtypes.Order
}

// ExpireDue cancels every tracked resting order whose expiration has
// passed, releasing locks and risk exposure as a cancel would. Returns the
// entries actually removed. Orders that lose the race to a concurrent fill
// are skipped silently, same as a late cancel.
func (s *Service) ExpireDue() []ExpiredOrder {
	now := s.now().Unix()

	s.mu.RLock()
	var due []clobtypes.OrderHash
	for hash, meta := range s.orders {
		if meta.order.Expiration != 0 && meta.order.Expiration < now {
			due = append(due, hash)
		}
	}
	s.mu.RUnlock()

	var expired []ExpiredOrder
	for _, hash := range due {
		s.mu.RLock()
		meta, ok := s.orders[hash]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		removed, remaining, err := s.engine.CancelOrder(meta.marketID, meta.tokenID, hash, meta.maker)
		if err != nil {
			s.log.Error("expiry cancel failed", zap.String("order", orderHashHex(hash)), zap.Error(err))
			continue
		}
		if removed && remaining.Sign() > 0 {
			s.risk.ReleaseOrder(meta.maker, orderHashHex(hash), matching.LockedAmountFor(meta.order, remaining))
		}
		s.mu.Lock()
		delete(s.orders, hash)
		s.mu.Unlock()
		if removed {
			expired = append(expired, ExpiredOrder{Hash: hash, Order: meta.order})
		}
	}
	return expired
}

// RestoreOrder re-registers a persisted resting order after a restart:
// the entry returns to its book position and the maker's risk exposure is
// re-established, without re-running validation or re-locking balances
// (the restored ledger rows already carry the lock).
func (s *Service) RestoreOrder(order *clobtypes.Order, orderHash clobtypes.OrderHash, remaining *big.Int, timestamp int64) {
	maker := clobtypes.NormalizeAddress(order.Maker)
	s.engine.RestoreOrder(order, orderHash, remaining, timestamp)
	s.risk.RestoreOrder(maker, orderHashHex(orderHash), matching.LockedAmountFor(order, remaining))

	s.mu.Lock()
	s.orders[orderHash] = &orderMeta{order: order, marketID: order.MarketID, tokenID: order.TokenID.Uint64(), maker: maker}
	s.mu.Unlock()
}

// Order returns the signed order stored under orderHash, if the service
// still tracks it (resting or just submitted).
func (s *Service) Order(orderHash clobtypes.OrderHash) (*clobtypes.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.orders[orderHash]
	if !ok {
		return nil, false
	}
	return meta.order, true
}

// CancelOrder cancels a resting order on behalf of caller. Lookups against
// an unknown hash, or one the caller does not own, are rejected without
// touching the engine.
func (s *Service) CancelOrder(orderHash clobtypes.OrderHash, caller common.Address) error {
	s.mu.RLock()
	meta, ok := s.orders[orderHash]
	s.mu.RUnlock()
	if !ok {
		return reject(ErrCodeOrderNotFound, "no such order")
	}
	callerAddr := clobtypes.NormalizeAddress(caller)
	if callerAddr != meta.maker {
		return reject(ErrCodeOrderNotOwned, "caller is not the order's maker")
	}

	removed, remaining, err := s.engine.CancelOrder(meta.marketID, meta.tokenID, orderHash, callerAddr)
	if err != nil {
		return err
	}
	if !removed {
		s.mu.Lock()
		delete(s.orders, orderHash)
		s.mu.Unlock()
		return reject(ErrCodeOrderNotFound, "order already filled or cancelled")
	}

	if remaining.Sign() > 0 {
		s.risk.ReleaseOrder(meta.maker, orderHashHex(orderHash), matching.LockedAmountFor(meta.order, remaining))
	}

	s.mu.Lock()
	delete(s.orders, orderHash)
	s.mu.Unlock()
	return nil
}
