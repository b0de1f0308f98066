package ledger

import (
	"math/big"
	"sync"
	"testing"

	"go.uber.org/zap"
)

const (
	collateral = uint64(0)
	outcomeYes = uint64(1)
)

func newTestLedger() *Ledger {
	return New(zap.NewNop())
}

func TestCreditDebit(t *testing.T) {
	l := newTestLedger()
	if err := l.Credit("alice", collateral, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	bal := l.GetBalance("alice", collateral)
	if bal.Available.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("available = %s, want 100", bal.Available)
	}

	if err := l.Debit("alice", collateral, big.NewInt(40)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	bal = l.GetBalance("alice", collateral)
	if bal.Available.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("available after debit = %s, want 60", bal.Available)
	}

	if err := l.Debit("alice", collateral, big.NewInt(1000)); err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDebitUnknownUser(t *testing.T) {
	l := newTestLedger()
	if err := l.Debit("ghost", collateral, big.NewInt(1)); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestInvalidAmount(t *testing.T) {
	l := newTestLedger()
	l.Credit("alice", collateral, big.NewInt(10))
	cases := []*big.Int{big.NewInt(0), big.NewInt(-1)}
	for _, amt := range cases {
		if err := l.Credit("alice", collateral, amt); err != ErrInvalidAmount {
			t.Errorf("credit(%s): expected ErrInvalidAmount, got %v", amt, err)
		}
		if err := l.Lock("alice", collateral, amt); err != ErrInvalidAmount {
			t.Errorf("lock(%s): expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

// TestLockConservation exercises testable property 1: available+locked is
// invariant under any sequence of lock/unlock calls.
func TestLockConservation(t *testing.T) {
	l := newTestLedger()
	l.Credit("alice", outcomeYes, big.NewInt(1000))

	total := func() *big.Int {
		bal := l.GetBalance("alice", outcomeYes)
		return new(big.Int).Add(bal.Available, bal.Locked)
	}

	before := total()
	if err := l.Lock("alice", outcomeYes, big.NewInt(300)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if got := total(); got.Cmp(before) != 0 {
		t.Fatalf("sum changed after lock: got %s, want %s", got, before)
	}
	if err := l.Unlock("alice", outcomeYes, big.NewInt(120)); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got := total(); got.Cmp(before) != 0 {
		t.Fatalf("sum changed after unlock: got %s, want %s", got, before)
	}

	if err := l.Unlock("alice", outcomeYes, big.NewInt(10_000)); err != ErrInsufficientLocked {
		t.Fatalf("expected ErrInsufficientLocked, got %v", err)
	}
}

// TestTransferConservation exercises testable property 2: the sum of
// balance(tokenId) across all users is invariant under transfer.
func TestTransferConservation(t *testing.T) {
	l := newTestLedger()
	l.Credit("alice", collateral, big.NewInt(500))
	l.Credit("bob", collateral, big.NewInt(200))

	sumAll := func() *big.Int {
		a := l.GetBalance("alice", collateral)
		b := l.GetBalance("bob", collateral)
		s := new(big.Int).Add(a.Available, a.Locked)
		s.Add(s, b.Available)
		s.Add(s, b.Locked)
		return s
	}
	before := sumAll()

	if err := l.Transfer("alice", "bob", collateral, big.NewInt(150), false); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := sumAll(); got.Cmp(before) != 0 {
		t.Fatalf("sum changed after transfer: got %s, want %s", got, before)
	}

	bob := l.GetBalance("bob", collateral)
	if bob.Available.Cmp(big.NewInt(350)) != 0 {
		t.Fatalf("bob available = %s, want 350", bob.Available)
	}

	l.Lock("alice", collateral, big.NewInt(100))
	if err := l.Transfer("alice", "bob", collateral, big.NewInt(80), true); err != nil {
		t.Fatalf("transfer from locked: %v", err)
	}
	if got := sumAll(); got.Cmp(before) != 0 {
		t.Fatalf("sum changed after locked transfer: got %s, want %s", got, before)
	}
}

func TestTransferInsufficient(t *testing.T) {
	l := newTestLedger()
	l.Credit("alice", collateral, big.NewInt(10))
	if err := l.Transfer("alice", "bob", collateral, big.NewInt(100), false); err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

// TestNonceMonotone exercises testable property 8 at the ledger layer:
// setNonce only raises the stored value.
func TestNonceMonotone(t *testing.T) {
	l := newTestLedger()
	l.SetNonce("alice", big.NewInt(5))
	l.SetNonce("alice", big.NewInt(3)) // ignored, lower than current
	if got := l.GetNonce("alice"); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("nonce = %s, want 5 (lower set should be ignored)", got)
	}
	l.SetNonce("alice", big.NewInt(9))
	if got := l.GetNonce("alice"); got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("nonce = %s, want 9", got)
	}
}

func TestIncrementNonce(t *testing.T) {
	l := newTestLedger()
	if got := l.IncrementNonce("alice"); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("first increment = %s, want 1", got)
	}
	if got := l.IncrementNonce("alice"); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("second increment = %s, want 2", got)
	}
}

// TestConcurrentLockUnlock races lock/unlock calls on the same row and
// verifies the conservation invariant still holds under -race.
func TestConcurrentLockUnlock(t *testing.T) {
	l := newTestLedger()
	l.Credit("alice", outcomeYes, big.NewInt(10_000))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.Lock("alice", outcomeYes, big.NewInt(10))
		}()
		go func() {
			defer wg.Done()
			l.Unlock("alice", outcomeYes, big.NewInt(10))
		}()
	}
	wg.Wait()

	bal := l.GetBalance("alice", outcomeYes)
	total := new(big.Int).Add(bal.Available, bal.Locked)
	if total.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("total after concurrent lock/unlock = %s, want 10000", total)
	}
}
