package api

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
)

// OrderRequest is the POST /orders wire form of a signed order. Amount
// fields are decimal strings in base units; marketId, orderHash and
// signature are 0x-prefixed hex.
type OrderRequest struct {
	Salt        string `json:"salt"`
	Maker       string `json:"maker"`
	Signer      string `json:"signer"`
	Taker       string `json:"taker,omitempty"`
	MarketID    string `json:"marketId"`
	TokenID     string `json:"tokenId"`
	Side        string `json:"side"` // "BUY" | "SELL"
	MakerAmount string `json:"makerAmount"`
	TakerAmount string `json:"takerAmount"`
	Expiration  int64  `json:"expiration"`
	Nonce       string `json:"nonce"`
	FeeRateBps  int64  `json:"feeRateBps"`
	SigType     uint8  `json:"sigType"`
	Signature   string `json:"signature"`
}

func parseBig(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s is not a decimal integer: %q", field, s)
	}
	return n, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s is not a valid address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseHex32(field, s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("%s must be 32 bytes of hex", field)
	}
	copy(out[:], raw)
	return out, nil
}

// ToOrder validates and converts the request into the engine's order type.
func (r *OrderRequest) ToOrder() (*clobtypes.Order, error) {
	salt, err := parseBig("salt", r.Salt)
	if err != nil {
		return nil, err
	}
	maker, err := parseAddress("maker", r.Maker)
	if err != nil {
		return nil, err
	}
	signer, err := parseAddress("signer", r.Signer)
	if err != nil {
		return nil, err
	}
	var taker common.Address
	if r.Taker != "" {
		if taker, err = parseAddress("taker", r.Taker); err != nil {
			return nil, err
		}
	}
	marketID, err := parseHex32("marketId", r.MarketID)
	if err != nil {
		return nil, err
	}
	tokenID, err := parseBig("tokenId", r.TokenID)
	if err != nil {
		return nil, err
	}
	var side clobtypes.Side
	switch strings.ToUpper(r.Side) {
	case "BUY":
		side = clobtypes.Buy
	case "SELL":
		side = clobtypes.Sell
	default:
		return nil, fmt.Errorf("side must be BUY or SELL, got %q", r.Side)
	}
	makerAmount, err := parseBig("makerAmount", r.MakerAmount)
	if err != nil {
		return nil, err
	}
	takerAmount, err := parseBig("takerAmount", r.TakerAmount)
	if err != nil {
		return nil, err
	}
	nonce, err := parseBig("nonce", r.Nonce)
	if err != nil {
		return nil, err
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(r.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signature is not hex")
	}

	return &clobtypes.Order{
		Salt:        salt,
		Maker:       maker,
		Signer:      signer,
		Taker:       taker,
		MarketID:    marketID,
		TokenID:     tokenID,
		Side:        side,
		MakerAmount: makerAmount,
		TakerAmount: takerAmount,
		Expiration:  r.Expiration,
		Nonce:       nonce,
		FeeRateBps:  r.FeeRateBps,
		SigType:     clobtypes.SigType(r.SigType),
		Signature:   signature,
	}, nil
}

// SubmitOrderResponse reports an accepted submission.
type SubmitOrderResponse struct {
	Status    string      `json:"status"`
	OrderHash string      `json:"orderHash"`
	Trades    []TradeInfo `json:"trades"`
}

// TradeInfo is one fill in a submission response or trade query.
type TradeInfo struct {
	ID        string `json:"id"`
	Maker     string `json:"maker"`
	Taker     string `json:"taker"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	MatchType string `json:"matchType"`
	Fee       string `json:"fee"`
	Timestamp int64  `json:"timestamp"`
}

// CancelOrderRequest is the POST /orders/cancel payload.
type CancelOrderRequest struct {
	OrderHash string `json:"orderHash"`
	Maker     string `json:"maker"`
}

// RegisterMarketRequest is the POST /markets payload declaring a binary
// market's complementary outcome-token pair.
type RegisterMarketRequest struct {
	MarketID string `json:"marketId"`
	TokenA   uint64 `json:"tokenA"`
	TokenB   uint64 `json:"tokenB"`
}

// SetMarketStatusRequest is the POST /markets/{marketId}/status payload.
type SetMarketStatusRequest struct {
	Status string `json:"status"` // "active" | "paused" | "settling" | "settled"
}

// PriceLevel is one [price, quantity] point of a book snapshot, both as
// decimal strings in base units.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// OrderbookSnapshot is the GET /books response.
type OrderbookSnapshot struct {
	MarketID  string       `json:"marketId"`
	TokenID   uint64       `json:"tokenId"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// BalanceInfo is the GET /accounts/{address}/balances/{tokenId} response.
type BalanceInfo struct {
	Address   string `json:"address"`
	TokenID   uint64 `json:"tokenId"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// ProofResponse is the GET /epochs/{id}/proof/{address} response.
type ProofResponse struct {
	EpochID uint64   `json:"epochId"`
	Address string   `json:"address"`
	Amount  string   `json:"amount"`
	Path    []string `json:"path"`
}

// ErrorResponse is returned for all errors, with Code set to the engine's
// structured rejection code when one applies.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WSRequest is a client→server WebSocket message: subscribe/unsubscribe to
// channels, or a heartbeat keeping the connection's subscriptions alive.
// Channel grammar: "orderbook:<marketIdHex>:<tokenId>", "balance:<address>",
// "settlement".
type WSRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe" | "heartbeat"
	Channels []string `json:"channels,omitempty"`
}
