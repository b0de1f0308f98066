package matching

import (
	"math/big"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
)

// Fee computes the per-trade fee: symmetric around price
// 0.5, maximized there, linear in amount and rate subject to integer
// division rounding.
//
//	fee = feeRateBps * min(price, ONE-price) * amount / (BPS_DIVISOR * ONE)
func Fee(price, amount *big.Int, feeRateBps int64) *big.Int {
	if feeRateBps <= 0 || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	complement := new(big.Int).Sub(clobtypes.ONE, price)
	m := price
	if complement.Cmp(price) < 0 {
		m = complement
	}

	num := big.NewInt(feeRateBps)
	num.Mul(num, m)
	num.Mul(num, amount)

	den := big.NewInt(clobtypes.BPSDivisor)
	den.Mul(den, clobtypes.ONE)

	return num.Div(num, den)
}
