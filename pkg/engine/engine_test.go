package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/pkg/broadcaster"
	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
	"github.com/ctfexchange/clob-engine/pkg/crypto"
	"github.com/ctfexchange/clob-engine/pkg/settlement"
	"github.com/ctfexchange/clob-engine/pkg/storage"
)

const (
	collateral = uint64(0)
	yesToken   = uint64(1)
)

func scaled(pct int64) *big.Int {
	amt := new(big.Int).Mul(big.NewInt(pct), clobtypes.ONE)
	return amt.Div(amt, big.NewInt(100))
}

type fakeSink struct {
	commits  int
	executes int
	fail     bool
}

func (f *fakeSink) CommitRoot(context.Context, [32]byte, *big.Int) error {
	f.commits++
	if f.fail {
		return errors.New("chain unavailable")
	}
	return nil
}

func (f *fakeSink) ExecuteTrade(context.Context, *clobtypes.Trade) error {
	f.executes++
	return nil
}

func newTestEngine(t *testing.T, store *storage.Store, sink *fakeSink) *Engine {
	t.Helper()
	clock := time.Unix(1_700_000_000, 0)
	e, err := New(zap.NewNop(), Options{
		Domain: crypto.DefaultDomain(),
		Sink:   sink,
		Store:  store,
		Retry:  settlement.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Now:    func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func signedOrder(t *testing.T, e *Engine, key *crypto.Signer, side clobtypes.Side, makerAmount, takerAmount, nonce *big.Int) *clobtypes.Order {
	t.Helper()
	o := &clobtypes.Order{
		Salt:        big.NewInt(7),
		Maker:       key.Address(),
		Signer:      key.Address(),
		MarketID:    [32]byte{1},
		TokenID:     new(big.Int).SetUint64(yesToken),
		Side:        side,
		MakerAmount: makerAmount,
		TakerAmount: takerAmount,
		Nonce:       nonce,
	}
	signer := crypto.NewEIP712Signer(crypto.DefaultDomain())
	sig, err := signer.SignOrder(key, crypto.ToEIP712(o))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	o.Signature = sig
	return o
}

func TestSubmitCrossEnqueuesAndBroadcasts(t *testing.T) {
	sink := &fakeSink{}
	e := newTestEngine(t, nil, sink)

	alice, _ := crypto.GenerateKey()
	bob, _ := crypto.GenerateKey()
	e.Deposit(alice.Address(), collateral, scaled(100000))
	e.Deposit(bob.Address(), yesToken, scaled(10000))

	var kinds []broadcaster.EventKind
	e.Broadcaster().SubscribeOrderbook([32]byte{1}, yesToken, func(ev broadcaster.Event) broadcaster.DeliveryResult {
		kinds = append(kinds, ev.Kind)
		return broadcaster.DeliveryOK
	})

	// Bob rests SELL 100 @ 0.5; Alice lifts with BUY limit 0.6.
	sell := signedOrder(t, e, bob, clobtypes.Sell, scaled(10000), scaled(5000), big.NewInt(0))
	if _, err := e.SubmitOrder(sell); err != nil {
		t.Fatalf("submit sell: %v", err)
	}
	buy := signedOrder(t, e, alice, clobtypes.Buy, scaled(6000), scaled(10000), big.NewInt(0))
	res, err := e.SubmitOrder(buy)
	if err != nil {
		t.Fatalf("submit buy: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}

	if got := e.Settlement().PendingCount(); got != 1 {
		t.Fatalf("pending settlement trades = %d, want 1", got)
	}

	sawAdded, sawTrade, sawRemoved, sawPrice := false, false, false, false
	for _, k := range kinds {
		switch k {
		case broadcaster.EventOrderAdded:
			sawAdded = true
		case broadcaster.EventTrade:
			sawTrade = true
		case broadcaster.EventOrderRemoved:
			sawRemoved = true
		case broadcaster.EventPriceUpdate:
			sawPrice = true
		}
	}
	if !sawAdded || !sawTrade || !sawRemoved || !sawPrice {
		t.Fatalf("event kinds = %v, want add+trade+remove+price", kinds)
	}
}

func TestBalanceEventsFollowTrades(t *testing.T) {
	e := newTestEngine(t, nil, &fakeSink{})

	alice, _ := crypto.GenerateKey()
	bob, _ := crypto.GenerateKey()
	e.Deposit(alice.Address(), collateral, scaled(100000))
	e.Deposit(bob.Address(), yesToken, scaled(10000))

	aliceAddr := clobtypes.NormalizeAddress(alice.Address())
	var updates []broadcaster.BalanceUpdatePayload
	e.Broadcaster().SubscribeBalance(aliceAddr, func(ev broadcaster.Event) broadcaster.DeliveryResult {
		updates = append(updates, ev.Data.(broadcaster.BalanceUpdatePayload))
		return broadcaster.DeliveryOK
	})

	sell := signedOrder(t, e, bob, clobtypes.Sell, scaled(10000), scaled(5000), big.NewInt(0))
	e.SubmitOrder(sell)
	buy := signedOrder(t, e, alice, clobtypes.Buy, scaled(5000), scaled(10000), big.NewInt(0))
	if _, err := e.SubmitOrder(buy); err != nil {
		t.Fatalf("submit buy: %v", err)
	}

	if len(updates) == 0 {
		t.Fatal("no balance updates delivered")
	}
	var sawOutcome bool
	for _, u := range updates {
		if u.TokenID == yesToken && u.Available.Cmp(scaled(10000)) == 0 {
			sawOutcome = true
		}
	}
	if !sawOutcome {
		t.Fatalf("alice's outcome-token credit not announced: %+v", updates)
	}
}

func TestCutEpochCommitsAndAnnounces(t *testing.T) {
	sink := &fakeSink{}
	e := newTestEngine(t, nil, sink)

	alice, _ := crypto.GenerateKey()
	bob, _ := crypto.GenerateKey()
	e.Deposit(alice.Address(), collateral, scaled(100000))
	e.Deposit(bob.Address(), yesToken, scaled(10000))

	var committed []broadcaster.EpochCommittedPayload
	e.Broadcaster().SubscribeSettlement(func(ev broadcaster.Event) broadcaster.DeliveryResult {
		committed = append(committed, ev.Data.(broadcaster.EpochCommittedPayload))
		return broadcaster.DeliveryOK
	})

	sell := signedOrder(t, e, bob, clobtypes.Sell, scaled(10000), scaled(5000), big.NewInt(0))
	e.SubmitOrder(sell)
	buy := signedOrder(t, e, alice, clobtypes.Buy, scaled(5000), scaled(10000), big.NewInt(0))
	e.SubmitOrder(buy)

	epoch, err := e.CutEpoch(context.Background())
	if err != nil {
		t.Fatalf("cut: %v", err)
	}
	if epoch == nil {
		t.Fatal("no epoch cut")
	}
	if epoch.Status != clobtypes.EpochSettled {
		t.Fatalf("status = %s, want settled", epoch.Status)
	}
	if sink.commits != 1 || sink.executes != len(epoch.Trades) {
		t.Fatalf("sink commits=%d executes=%d", sink.commits, sink.executes)
	}
	if len(committed) != 1 || committed[0].EpochID != epoch.EpochID {
		t.Fatalf("committed events = %+v", committed)
	}
}

func TestCancelExcludesFromSettlement(t *testing.T) {
	e := newTestEngine(t, nil, &fakeSink{})

	bob, _ := crypto.GenerateKey()
	e.Deposit(bob.Address(), yesToken, scaled(10000))

	sell := signedOrder(t, e, bob, clobtypes.Sell, scaled(10000), scaled(5000), big.NewInt(0))
	res, err := e.SubmitOrder(sell)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.CancelOrder(res.OrderHash, bob.Address()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	bobAddr := clobtypes.NormalizeAddress(bob.Address())
	bal := e.Ledger().GetBalance(bobAddr, yesToken)
	if bal.Locked.Sign() != 0 || bal.Available.Cmp(scaled(10000)) != 0 {
		t.Fatalf("balance after cancel = %+v", bal)
	}
}

func TestExpireOrdersReleasesLock(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	e, err := New(zap.NewNop(), Options{
		Domain: crypto.DefaultDomain(),
		Sink:   &fakeSink{},
		Retry:  settlement.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Now:    func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	bob, _ := crypto.GenerateKey()
	bobAddr := clobtypes.NormalizeAddress(bob.Address())
	e.Deposit(bob.Address(), yesToken, scaled(10000))

	sell := signedOrder(t, e, bob, clobtypes.Sell, scaled(10000), scaled(5000), big.NewInt(0))
	sell.Expiration = clock.Add(time.Hour).Unix()
	signer := crypto.NewEIP712Signer(crypto.DefaultDomain())
	sig, _ := signer.SignOrder(bob, crypto.ToEIP712(sell))
	sell.Signature = sig

	res, err := e.SubmitOrder(sell)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	e.ExpireOrders()
	if !e.Matching().Resting([32]byte{1}, yesToken, res.OrderHash) {
		t.Fatal("unexpired order swept")
	}

	clock = clock.Add(2 * time.Hour)
	e.ExpireOrders()
	if e.Matching().Resting([32]byte{1}, yesToken, res.OrderHash) {
		t.Fatal("expired order still resting")
	}
	bal := e.Ledger().GetBalance(bobAddr, yesToken)
	if bal.Locked.Sign() != 0 || bal.Available.Cmp(scaled(10000)) != 0 {
		t.Fatalf("balance after expiry = %+v", bal)
	}
}

func TestWithdrawBoundedByRisk(t *testing.T) {
	e := newTestEngine(t, nil, &fakeSink{})
	alice, _ := crypto.GenerateKey()

	huge := new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil) // above STANDARD daily cap
	e.Deposit(alice.Address(), collateral, huge)
	if err := e.Withdraw(alice.Address(), collateral, huge); err == nil {
		t.Fatal("withdrawal above daily cap accepted")
	}

	small := big.NewInt(1000)
	if err := e.Withdraw(alice.Address(), collateral, small); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	e := newTestEngine(t, store, &fakeSink{})
	bob, _ := crypto.GenerateKey()
	bobAddr := clobtypes.NormalizeAddress(bob.Address())
	e.Deposit(bob.Address(), yesToken, scaled(10000))

	sell := signedOrder(t, e, bob, clobtypes.Sell, scaled(10000), scaled(5000), big.NewInt(0))
	res, err := e.SubmitOrder(sell)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A second engine over the same store sees the same world.
	e2 := newTestEngine(t, store, &fakeSink{})
	if err := e2.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}

	bal := e2.Ledger().GetBalance(bobAddr, yesToken)
	if bal.Locked.Cmp(scaled(10000)) != 0 {
		t.Fatalf("restored lock = %s, want %s", bal.Locked, scaled(10000))
	}
	if got := e2.Ledger().GetNonce(bobAddr); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("restored nonce = %s, want 1", got)
	}
	if !e2.Matching().Resting([32]byte{1}, yesToken, res.OrderHash) {
		t.Fatal("restored order not resting")
	}

	// And the restored order can still be cancelled by its maker.
	if err := e2.CancelOrder(res.OrderHash, bob.Address()); err != nil {
		t.Fatalf("cancel restored order: %v", err)
	}
	bal = e2.Ledger().GetBalance(bobAddr, yesToken)
	if bal.Locked.Sign() != 0 {
		t.Fatalf("lock not released on restored cancel: %s", bal.Locked)
	}
}
