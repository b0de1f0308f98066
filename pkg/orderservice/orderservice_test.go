package orderservice

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
	"github.com/ctfexchange/clob-engine/pkg/crypto"
	"github.com/ctfexchange/clob-engine/pkg/ledger"
	"github.com/ctfexchange/clob-engine/pkg/matching"
	"github.com/ctfexchange/clob-engine/pkg/risk"
)

const (
	collateral = uint64(0)
	yesToken   = uint64(1)
)

func scaled(pct int64) *big.Int {
	amt := new(big.Int).Mul(big.NewInt(pct), clobtypes.ONE)
	return amt.Div(amt, big.NewInt(100))
}

type testHarness struct {
	svc    *Service
	ledger *ledger.Ledger
	risk   *risk.Engine
	signer *crypto.EIP712Signer
	clock  time.Time
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	l := ledger.New(zap.NewNop())
	clock := time.Unix(1_700_000_000, 0)
	r := risk.New(zap.NewNop(), func() time.Time { return clock })
	e := matching.New(zap.NewNop(), l, func() time.Time { return clock })
	sig := crypto.NewEIP712Signer(crypto.DefaultDomain())
	svc := New(zap.NewNop(), sig, l, r, e, func() time.Time { return clock })
	return &testHarness{svc: svc, ledger: l, risk: r, signer: sig, clock: clock}
}

func (h *testHarness) sign(t *testing.T, key *crypto.Signer, o *clobtypes.Order) {
	t.Helper()
	sigBytes, err := h.signer.SignOrder(key, crypto.ToEIP712(o))
	if err != nil {
		t.Fatalf("sign order: %v", err)
	}
	o.Signature = sigBytes
}

func newUnsignedOrder(maker *crypto.Signer, side clobtypes.Side, tokenID uint64, makerAmount, takerAmount *big.Int, nonce int64) *clobtypes.Order {
	return &clobtypes.Order{
		Salt:        big.NewInt(1),
		Maker:       maker.Address(),
		Signer:      maker.Address(),
		MarketID:    [32]byte{1},
		TokenID:     new(big.Int).SetUint64(tokenID),
		Side:        side,
		MakerAmount: makerAmount,
		TakerAmount: takerAmount,
		Nonce:       big.NewInt(nonce),
		FeeRateBps:  0,
	}
}

func TestSubmitOrderAccepted(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := clobtypes.NormalizeAddress(key.Address())
	h.ledger.Credit(addr, yesToken, scaled(10000))

	order := newUnsignedOrder(key, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 0)
	h.sign(t, key, order)

	result, err := h.svc.SubmitOrder(order)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(result.Trades) != 0 {
		t.Fatalf("expected no trades for a resting order, got %d", len(result.Trades))
	}
	if got := h.ledger.GetNonce(addr); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("nonce after accept = %s, want 1", got)
	}
	if exposure := h.risk.Exposure(addr); exposure.Cmp(order.MakerAmount) != 0 {
		t.Fatalf("exposure after accept = %s, want %s", exposure, order.MakerAmount)
	}
}

func TestSubmitOrderBadSignatureRejected(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()
	otherKey, _ := crypto.GenerateKey()
	addr := clobtypes.NormalizeAddress(key.Address())
	h.ledger.Credit(addr, yesToken, scaled(10000))

	order := newUnsignedOrder(key, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 0)
	h.sign(t, otherKey, order) // signed by the wrong key

	_, err := h.svc.SubmitOrder(order)
	var rej *ErrRejected
	if !errors.As(err, &rej) || rej.Code != ErrCodeInvalidSignature {
		t.Fatalf("expected INVALID_SIGNATURE, got %v", err)
	}
}

func TestSubmitOrderBadNonceRejected(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()
	addr := clobtypes.NormalizeAddress(key.Address())
	h.ledger.Credit(addr, yesToken, scaled(10000))
	h.ledger.SetNonce(addr, big.NewInt(5))

	stale := newUnsignedOrder(key, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 4)
	h.sign(t, key, stale)
	_, err := h.svc.SubmitOrder(stale)
	var rej *ErrRejected
	if !errors.As(err, &rej) || rej.Code != ErrCodeInvalidNonce {
		t.Fatalf("stale nonce: expected INVALID_NONCE, got %v", err)
	}

	future := newUnsignedOrder(key, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 6)
	h.sign(t, key, future)
	_, err = h.svc.SubmitOrder(future)
	if !errors.As(err, &rej) || rej.Code != ErrCodeInvalidNonce {
		t.Fatalf("future nonce: expected INVALID_NONCE, got %v", err)
	}
}

func TestSubmitOrderInsufficientBalanceRejected(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()

	order := newUnsignedOrder(key, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 0)
	h.sign(t, key, order)

	_, err := h.svc.SubmitOrder(order)
	var rej *ErrRejected
	if !errors.As(err, &rej) || rej.Code != ErrCodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", err)
	}
}

func TestSubmitOrderExpiredRejected(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()
	addr := clobtypes.NormalizeAddress(key.Address())
	h.ledger.Credit(addr, yesToken, scaled(10000))

	order := newUnsignedOrder(key, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 0)
	order.Expiration = h.clock.Add(-time.Hour).Unix()
	h.sign(t, key, order)

	_, err := h.svc.SubmitOrder(order)
	var rej *ErrRejected
	if !errors.As(err, &rej) || rej.Code != ErrCodeOrderExpired {
		t.Fatalf("expected ORDER_EXPIRED, got %v", err)
	}
}

func TestSubmitOrderRiskLimitRejected(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()
	addr := clobtypes.NormalizeAddress(key.Address())
	h.ledger.Credit(addr, yesToken, new(big.Int).Exp(big.NewInt(10), big.NewInt(26), nil))

	tooLarge := new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil) // exceeds STANDARD tier's max order size (1e23)
	order := newUnsignedOrder(key, clobtypes.Sell, yesToken, tooLarge, scaled(5000), 0)
	h.sign(t, key, order)

	_, err := h.svc.SubmitOrder(order)
	var rej *ErrRejected
	if !errors.As(err, &rej) || rej.Code != ErrCodeRiskLimitExceeded {
		t.Fatalf("expected RISK_LIMIT_EXCEEDED, got %v", err)
	}
}

// TestSubmitOrderCrossesAndReleasesExposure runs a full taker/maker cross
// through the service and checks that both sides' risk exposure and
// nonces update correctly.
func TestSubmitOrderCrossesAndReleasesExposure(t *testing.T) {
	h := newHarness(t)
	bobKey, _ := crypto.GenerateKey()
	aliceKey, _ := crypto.GenerateKey()
	bobAddr := clobtypes.NormalizeAddress(bobKey.Address())
	aliceAddr := clobtypes.NormalizeAddress(aliceKey.Address())

	h.ledger.Credit(bobAddr, yesToken, scaled(10000))
	h.ledger.Credit(aliceAddr, collateral, scaled(100000))

	bobOrder := newUnsignedOrder(bobKey, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 0)
	h.sign(t, bobKey, bobOrder)
	if _, err := h.svc.SubmitOrder(bobOrder); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	aliceOrder := newUnsignedOrder(aliceKey, clobtypes.Buy, yesToken, scaled(6000), scaled(10000), 0)
	h.sign(t, aliceKey, aliceOrder)
	result, err := h.svc.SubmitOrder(aliceOrder)
	if err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(result.Trades))
	}

	if exp := h.risk.Exposure(bobAddr); exp.Sign() != 0 {
		t.Fatalf("bob exposure after full fill = %s, want 0", exp)
	}
	if exp := h.risk.Exposure(aliceAddr); exp.Sign() != 0 {
		t.Fatalf("alice exposure after full fill = %s, want 0", exp)
	}
}

// TestRacingSubmissionsConsumeOneNonce races two distinct orders from the
// same maker, both carrying the current nonce. Exactly one may be accepted;
// the loser sees INVALID_NONCE.
func TestRacingSubmissionsConsumeOneNonce(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()
	addr := clobtypes.NormalizeAddress(key.Address())
	h.ledger.Credit(addr, yesToken, scaled(100000))

	first := newUnsignedOrder(key, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 0)
	second := newUnsignedOrder(key, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 0)
	second.Salt = big.NewInt(2)
	h.sign(t, key, first)
	h.sign(t, key, second)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, o := range []*clobtypes.Order{first, second} {
		wg.Add(1)
		go func(o *clobtypes.Order) {
			defer wg.Done()
			_, err := h.svc.SubmitOrder(o)
			errs <- err
		}(o)
	}
	wg.Wait()
	close(errs)

	accepted, nonceRejected := 0, 0
	for err := range errs {
		if err == nil {
			accepted++
			continue
		}
		var rej *ErrRejected
		if errors.As(err, &rej) && rej.Code == ErrCodeInvalidNonce {
			nonceRejected++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || nonceRejected != 1 {
		t.Fatalf("accepted=%d nonceRejected=%d, want exactly one of each", accepted, nonceRejected)
	}
	if got := h.ledger.GetNonce(addr); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("nonce = %s, want 1", got)
	}
}

func TestCancelOrderByNonOwnerRejected(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()
	addr := clobtypes.NormalizeAddress(key.Address())
	h.ledger.Credit(addr, yesToken, scaled(10000))

	order := newUnsignedOrder(key, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 0)
	h.sign(t, key, order)
	result, err := h.svc.SubmitOrder(order)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	other, _ := crypto.GenerateKey()
	err = h.svc.CancelOrder(result.OrderHash, other.Address())
	var rej *ErrRejected
	if !errors.As(err, &rej) || rej.Code != ErrCodeOrderNotOwned {
		t.Fatalf("expected ORDER_NOT_OWNED, got %v", err)
	}
}

func TestCancelOrderReleasesLockAndExposure(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()
	addr := clobtypes.NormalizeAddress(key.Address())
	h.ledger.Credit(addr, yesToken, scaled(10000))

	order := newUnsignedOrder(key, clobtypes.Sell, yesToken, scaled(10000), scaled(5000), 0)
	h.sign(t, key, order)
	result, err := h.svc.SubmitOrder(order)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := h.svc.CancelOrder(result.OrderHash, key.Address()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	bal := h.ledger.GetBalance(addr, yesToken)
	if bal.Locked.Sign() != 0 {
		t.Fatalf("locked after cancel = %s, want 0", bal.Locked)
	}
	if exp := h.risk.Exposure(addr); exp.Sign() != 0 {
		t.Fatalf("exposure after cancel = %s, want 0", exp)
	}

	if err := h.svc.CancelOrder(result.OrderHash, key.Address()); err == nil {
		t.Fatalf("expected ORDER_NOT_FOUND on double cancel")
	}
}
