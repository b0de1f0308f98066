package broadcaster

import (
	"encoding/json"
	"math/big"
	"time"
)

// EventKind tags the payload variant carried by an Event.
type EventKind string

const (
	EventOrderAdded     EventKind = "order_added"
	EventOrderRemoved   EventKind = "order_removed"
	EventOrderUpdated   EventKind = "order_updated"
	EventTrade          EventKind = "trade"
	EventPriceUpdate    EventKind = "price_update"
	EventBalanceUpdate  EventKind = "balance_update"
	EventEpochCommitted EventKind = "epoch_committed"
)

// Event is the tagged sum delivered to subscribers. Routing keys (market,
// token, user) are populated per kind; Data holds the kind-specific payload.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	MarketID  string // hex, orderbook-scoped kinds only
	TokenID   uint64 // orderbook-scoped kinds only
	User      string // balance-scoped kinds only
	Data      interface{}
}

// MarshalJSON renders the wire envelope:
//
//	{ "event": <kind>, "timestamp": <ISO-8601>, <routing keys>, "data": <payload> }
func (e Event) MarshalJSON() ([]byte, error) {
	env := map[string]interface{}{
		"event":     string(e.Kind),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":      e.Data,
	}
	if e.MarketID != "" {
		env["marketId"] = e.MarketID
		env["tokenId"] = e.TokenID
	}
	if e.User != "" {
		env["user"] = e.User
	}
	return json.Marshal(env)
}

// OrderEventPayload describes an order add/remove/update on a book.
type OrderEventPayload struct {
	OrderHash string   `json:"orderHash"`
	Maker     string   `json:"maker"`
	Side      string   `json:"side"`
	Price     *big.Int `json:"price"`
	Remaining *big.Int `json:"remaining"`
}

// TradeEventPayload describes one matched trade.
type TradeEventPayload struct {
	TradeID   string   `json:"tradeId"`
	Maker     string   `json:"maker"`
	Taker     string   `json:"taker"`
	Amount    *big.Int `json:"amount"`
	Price     *big.Int `json:"price"`
	MatchType string   `json:"matchType"`
	Fee       *big.Int `json:"fee"`
}

// PriceUpdatePayload carries the post-trade top of book.
type PriceUpdatePayload struct {
	BestBid *big.Int `json:"bestBid,omitempty"`
	BestAsk *big.Int `json:"bestAsk,omitempty"`
	Last    *big.Int `json:"last,omitempty"`
}

// BalanceUpdatePayload carries a user's new balance for one token.
type BalanceUpdatePayload struct {
	TokenID   uint64   `json:"tokenId"`
	Available *big.Int `json:"available"`
	Locked    *big.Int `json:"locked"`
}

// EpochCommittedPayload announces a committed settlement batch.
type EpochCommittedPayload struct {
	EpochID    uint64 `json:"epochId"`
	MerkleRoot string `json:"merkleRoot"`
	TradeCount int    `json:"tradeCount"`
	TxID       string `json:"txId,omitempty"`
}
