// Package merkle builds deterministic binary Merkle trees over a batch's
// net-credit leaves and produces/verifies per-user inclusion proofs.
// Leaves are sorted by hash and every inner hash sorts its two children,
// so proofs carry no left/right flags and any implementation following
// the same rules reproduces the root bit-for-bit.
package merkle

import (
	"bytes"
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
)

// ErrLeafNotFound is returned by Proof when address/amount do not match any
// leaf the tree was built from.
var ErrLeafNotFound = errors.New("merkle: leaf not found")

// ErrEmptyLeafSet is returned by New when given no leaves; callers (the
// settlement builder) should treat this as "abort the cut".
var ErrEmptyLeafSet = errors.New("merkle: no leaves")

// Leaf is one (address, net-credit amount) pair. Only strictly positive
// amounts belong in a tree.
type Leaf struct {
	Address string
	Amount  *big.Int
}

func leafHash(address string, amount *big.Int) [32]byte {
	addrBytes := common.HexToAddress(address).Bytes() // 20 bytes, canonicalizes case
	amtBytes := make([]byte, 32)
	amount.FillBytes(amtBytes)
	return crypto.Keccak256Hash(append(addrBytes, amtBytes...))
}

func innerHash(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(append(append([]byte{}, a[:]...), b[:]...))
}

type record struct {
	hash    [32]byte
	address string
	amount  *big.Int
}

// Tree is a built, immutable Merkle tree over a fixed leaf set.
type Tree struct {
	levels [][][32]byte // levels[0] = sorted leaf hashes, levels[last] = {root}
	index  map[[32]byte]int
}

// New builds a tree from leaves. Non-positive amounts are rejected; callers
// are expected to have already filtered to positive net-credit leaves.
func New(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyLeafSet
	}

	records := make([]record, 0, len(leaves))
	for _, l := range leaves {
		if l.Amount == nil || l.Amount.Sign() <= 0 {
			return nil, errors.New("merkle: leaf amount must be positive")
		}
		records = append(records, record{
			hash:    leafHash(l.Address, l.Amount),
			address: clobtypes.NormalizeAddress(common.HexToAddress(l.Address)),
			amount:  new(big.Int).Set(l.Amount),
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return bytes.Compare(records[i].hash[:], records[j].hash[:]) < 0
	})

	level0 := make([][32]byte, len(records))
	index := make(map[[32]byte]int, len(records))
	for i, r := range records {
		level0[i] = r.hash
		index[r.hash] = i
	}

	t := &Tree{levels: [][][32]byte{level0}, index: index}

	level := level0
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, innerHash(level[i], level[i+1]))
			} else {
				next = append(next, innerHash(level[i], level[i]))
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the tree's 32-byte root.
func (t *Tree) Root() [32]byte {
	last := t.levels[len(t.levels)-1]
	return last[0]
}

// Proof returns the ordered sibling path from address/amount's leaf to the
// root. The caller recomputes the root via VerifyProof using only the
// leaf's own (address, amount) and this path — no side flags are carried,
// since every inner hash sorts its two children first.
func (t *Tree) Proof(address string, amount *big.Int) (clobtypes.Proof, error) {
	hash := leafHash(address, amount)
	pos, ok := t.index[hash]
	if !ok {
		return clobtypes.Proof{}, ErrLeafNotFound
	}

	var path [][32]byte
	cur := pos
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		var siblingIdx int
		if cur%2 == 0 {
			siblingIdx = cur + 1
			if siblingIdx >= len(level) {
				siblingIdx = cur // odd-count level: self-duplicate
			}
		} else {
			siblingIdx = cur - 1
		}
		path = append(path, level[siblingIdx])
		cur /= 2
	}
	return clobtypes.Proof{Amount: new(big.Int).Set(amount), Path: path}, nil
}

// VerifyProof reports whether proof attests that (address, amount) is
// included in the tree with the given root. It needs no Tree instance.
func VerifyProof(address string, amount *big.Int, proof clobtypes.Proof, root [32]byte) bool {
	hash := leafHash(address, amount)
	for _, sibling := range proof.Path {
		hash = innerHash(hash, sibling)
	}
	return hash == root
}
