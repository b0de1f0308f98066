package matching

import (
	"math/big"
	"testing"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
)

// TestFeeSymmetricAroundHalf checks fee(p) == fee(ONE-p) and that the fee
// peaks at price 0.5.
func TestFeeSymmetricAroundHalf(t *testing.T) {
	amount := tokens(100)
	const bps = int64(100)

	for _, p := range []int64{1000, 2500, 4000, 4999} {
		low := price(p)
		high := new(big.Int).Sub(clobtypes.ONE, low)
		if Fee(low, amount, bps).Cmp(Fee(high, amount, bps)) != 0 {
			t.Fatalf("fee(%s) != fee(%s)", low, high)
		}
	}

	atHalf := Fee(price(5000), amount, bps)
	for _, p := range []int64{1000, 3000, 4900, 6000, 9000} {
		if Fee(price(p), amount, bps).Cmp(atHalf) > 0 {
			t.Fatalf("fee at %d bps exceeds fee at 5000 bps", p)
		}
	}
}

// TestFeeLinearInAmountAndRate checks doubling the amount or the rate
// doubles the fee.
func TestFeeLinearInAmountAndRate(t *testing.T) {
	p := price(3000)
	amount := tokens(40)

	base := Fee(p, amount, 50)
	if base.Sign() <= 0 {
		t.Fatalf("base fee = %s, want positive", base)
	}

	doubleAmount := Fee(p, tokens(80), 50)
	if doubleAmount.Cmp(new(big.Int).Mul(base, big.NewInt(2))) != 0 {
		t.Fatalf("fee not linear in amount: %s vs 2*%s", doubleAmount, base)
	}

	doubleRate := Fee(p, amount, 100)
	if doubleRate.Cmp(new(big.Int).Mul(base, big.NewInt(2))) != 0 {
		t.Fatalf("fee not linear in rate: %s vs 2*%s", doubleRate, base)
	}
}

func TestFeeZeroCases(t *testing.T) {
	amount := tokens(10)
	if Fee(price(5000), amount, 0).Sign() != 0 {
		t.Fatal("zero bps should produce zero fee")
	}
	if Fee(price(5000), big.NewInt(0), 100).Sign() != 0 {
		t.Fatal("zero amount should produce zero fee")
	}
	if Fee(big.NewInt(0), amount, 100).Sign() != 0 {
		t.Fatal("price 0 has min(p, ONE-p) = 0, fee must be zero")
	}
	if Fee(new(big.Int).Set(clobtypes.ONE), amount, 100).Sign() != 0 {
		t.Fatal("price ONE has min(p, ONE-p) = 0, fee must be zero")
	}
}

// TestFeeExactValue pins the formula: 100 bps on 100 tokens at price 0.5 is
// 100/10000 * 0.5 * 100 = 0.5 token.
func TestFeeExactValue(t *testing.T) {
	got := Fee(price(5000), tokens(100), 100)
	want := new(big.Int).Div(clobtypes.ONE, big.NewInt(2))
	if got.Cmp(want) != 0 {
		t.Fatalf("fee = %s, want %s", got, want)
	}
}
