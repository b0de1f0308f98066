// Package clobtypes holds the data model shared across the ledger, matching
// engine, order service, settlement builder, and broadcaster: addresses,
// monetary amounts, orders, book entries, trades, and epochs.
package clobtypes

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ONE is the fixed-point scale factor for amounts and prices: 10^18.
var ONE = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// BPSDivisor is the basis-point denominator used by fee calculations.
const BPSDivisor = int64(10000)

// CollateralTokenID is the reserved tokenId used as the settlement asset.
const CollateralTokenID = uint64(0)

// Side is the direction of an order.
type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// MatchType is the economic classification of a trade: a normal
// complementary fill, a mint of a full outcome set from collateral, or a
// merge of a full set back to collateral.
type MatchType uint8

const (
	Complementary MatchType = iota + 1
	Mint
	Merge
)

func (m MatchType) String() string {
	switch m {
	case Complementary:
		return "COMPLEMENTARY"
	case Mint:
		return "MINT"
	case Merge:
		return "MERGE"
	default:
		return "UNKNOWN"
	}
}

// SigType identifies the signing scheme used for an order, mirroring the
// CTF Exchange wire format's sigType field. Only EOA is implemented; the
// others are reserved for parity with the on-chain contract.
type SigType uint8

const (
	SigTypeEOA SigType = iota
	SigTypePolyProxy
	SigTypePolyGnosisSafe
)

// NormalizeAddress lower-cases an address. Addresses compare
// case-insensitively everywhere, so they are canonicalized once at the
// boundary and stored lowercase.
func NormalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// Balance is the off-chain balance of one (user, tokenId) pair.
type Balance struct {
	Available *big.Int `json:"available"`
	Locked    *big.Int `json:"locked"`
}

// ZeroBalance returns a freshly allocated zero balance.
func ZeroBalance() Balance {
	return Balance{Available: big.NewInt(0), Locked: big.NewInt(0)}
}

// Order is a signed, immutable off-chain order. Field order matches the
// typed-data struct the signature is computed over.
type Order struct {
	Salt        *big.Int       `json:"salt"`
	Maker       common.Address `json:"maker"`
	Signer      common.Address `json:"signer"`
	Taker       common.Address `json:"taker"` // zero address = open order
	MarketID    [32]byte       `json:"marketId"`
	TokenID     *big.Int       `json:"tokenId"`
	Side        Side           `json:"side"`
	MakerAmount *big.Int       `json:"makerAmount"`
	TakerAmount *big.Int       `json:"takerAmount"`
	Expiration  int64          `json:"expiration"` // unix seconds, 0 = none
	Nonce       *big.Int       `json:"nonce"`
	FeeRateBps  int64          `json:"feeRateBps"`
	SigType     SigType        `json:"sigType"`
	Signature   []byte         `json:"signature"`
}

// OrderHash identifies an order for lookups (maker order hash / taker
// order hash in Trade). It is the EIP-712 digest computed by pkg/crypto.
type OrderHash [32]byte

// Price returns the order's normalized limit price in [0, ONE]:
// price(BUY) = makerAmount*ONE/takerAmount, price(SELL) = takerAmount*ONE/makerAmount.
func (o *Order) Price() *big.Int {
	num, den := o.MakerAmount, o.TakerAmount
	if o.Side == Sell {
		num, den = o.TakerAmount, o.MakerAmount
	}
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	p := new(big.Int).Mul(num, ONE)
	return p.Div(p, den)
}

// BookEntry is a resting order in the matching engine.
type BookEntry struct {
	OrderID   OrderHash
	Order     *Order
	Remaining *big.Int
	Timestamp int64 // insertion order, nanoseconds
}

// Trade is the result of crossing a taker order against a resting maker entry.
type Trade struct {
	ID             string
	TakerOrderHash OrderHash
	MakerOrderHash OrderHash
	Maker          common.Address
	Taker          common.Address
	MarketID       [32]byte
	TokenID        *big.Int
	Amount         *big.Int // quantity of TokenID filled, in outcome-token units
	Price          *big.Int // normalized, the maker's price
	MatchType      MatchType
	Fee            *big.Int
	FeeRateBps     int64
	Timestamp      int64
}

// EpochStatus is the lifecycle state of a settlement batch.
type EpochStatus string

const (
	EpochPending   EpochStatus = "pending"
	EpochCommitted EpochStatus = "committed"
	EpochSettled   EpochStatus = "settled"
	EpochFailed    EpochStatus = "failed"
)

// Proof is a Merkle inclusion proof for one user's net credit in an epoch.
type Proof struct {
	Amount *big.Int
	Path   [][32]byte
}

// Epoch is a finalized batch of trades with its Merkle root and proofs.
type Epoch struct {
	EpochID       uint64
	Trades        []*Trade
	BalanceDeltas map[string]*big.Int // address(lowercase) -> signed delta
	MerkleRoot    [32]byte
	Proofs        map[string]Proof // address(lowercase) -> proof
	Status        EpochStatus
	FailedTrades  []string // trade IDs that failed execution
	Timestamp     int64
}
