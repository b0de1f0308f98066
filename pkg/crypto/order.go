package crypto

import (
	"math/big"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
)

// ToEIP712 projects a clobtypes.Order onto the typed-data struct that gets
// hashed and signed. The two types are kept separate because clobtypes.Order
// also carries the signature and a Go-native Side/SigType, neither of which
// participates in the EIP-712 struct hash directly.
func ToEIP712(o *clobtypes.Order) *OrderEIP712 {
	expiration := big.NewInt(o.Expiration)
	return &OrderEIP712{
		Salt:        o.Salt,
		Maker:       o.Maker,
		Signer:      o.Signer,
		Taker:       o.Taker,
		MarketID:    o.MarketID,
		TokenID:     o.TokenID,
		Side:        uint8(o.Side),
		MakerAmount: o.MakerAmount,
		TakerAmount: o.TakerAmount,
		Expiration:  expiration,
		Nonce:       o.Nonce,
		FeeRateBps:  big.NewInt(o.FeeRateBps),
		SigType:     uint8(o.SigType),
	}
}

// HashClobOrder computes an order's EIP-712 digest directly from a
// clobtypes.Order, returning it as the fixed-size hash used for lookups.
func (e *EIP712Signer) HashClobOrder(o *clobtypes.Order) (clobtypes.OrderHash, error) {
	h, err := e.HashOrder(ToEIP712(o))
	if err != nil {
		return clobtypes.OrderHash{}, err
	}
	var out clobtypes.OrderHash
	copy(out[:], h)
	return out, nil
}

// VerifyClobOrderSignature verifies o.Signature against o's own fields.
func (e *EIP712Signer) VerifyClobOrderSignature(o *clobtypes.Order) (bool, error) {
	return e.VerifyOrderSignature(ToEIP712(o), o.Signature)
}
