package storage

import "fmt"

// Key schema. One prefix per record family so prefix scans never collide:
//
//	bal:<user>:<tokenId>   → Balance (available/locked)
//	nonce:<user>           → NonceRecord (user, nonce)
//	ord:<orderHash>        → open book entry (order, remaining, timestamp)
//	epoch:<id>             → settlement batch record (status, proofs)
//
// User addresses are lowercase-canonical before they reach this layer, so
// the keys are case-stable. Epoch ids are zero-padded for lexicographic
// iteration in cut order.
const (
	prefixBalance = "bal:"
	prefixNonce   = "nonce:"
	prefixOrder   = "ord:"
	prefixEpoch   = "epoch:"
)

func balanceKey(user string, tokenID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", prefixBalance, user, tokenID))
}

func nonceKey(user string) []byte {
	return []byte(prefixNonce + user)
}

func orderKey(orderHashHex string) []byte {
	return []byte(prefixOrder + orderHashHex)
}

func epochKey(epochID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEpoch, epochID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
