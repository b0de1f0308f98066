// Package ledger is the single source of truth for off-chain balances and
// nonces: available/locked amounts per (user, tokenId), and a monotone
// nonce per user.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientLocked  = errors.New("insufficient locked balance")
)

type balanceKey struct {
	user    string
	tokenID uint64
}

// Ledger tracks balances and nonces. Each (user, tokenId) row is guarded by
// its own mutex so unrelated transfers never contend.
type Ledger struct {
	log *zap.Logger

	mu     sync.RWMutex
	rows   map[balanceKey]*row
	nonces map[string]*nonceEntry
}

type nonceEntry struct {
	mu    sync.Mutex
	value *big.Int
}

type row struct {
	mu        sync.Mutex
	available *big.Int
	locked    *big.Int
}

// New constructs an empty ledger.
func New(log *zap.Logger) *Ledger {
	return &Ledger{
		log:    log.With(zap.String("component", "ledger")),
		rows:   make(map[balanceKey]*row),
		nonces: make(map[string]*nonceEntry),
	}
}

func key(user string, tokenID uint64) balanceKey {
	return balanceKey{user: user, tokenID: tokenID}
}

// getRow returns the row for (user, tokenId), creating it lazily on first
// access. create=false callers (debit/lock/unlock) get ErrUserNotFound
// instead when the row doesn't exist yet.
func (l *Ledger) getRow(user string, tokenID uint64, create bool) (*row, bool) {
	k := key(user, tokenID)

	l.mu.RLock()
	r, ok := l.rows[k]
	l.mu.RUnlock()
	if ok {
		return r, true
	}
	if !create {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[k]; ok {
		return r, true
	}
	r = &row{available: big.NewInt(0), locked: big.NewInt(0)}
	l.rows[k] = r
	return r, true
}

func positive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

// Credit increases a user's available balance by amount, creating the row
// if this is the first credit for (user, tokenId).
func (l *Ledger) Credit(user string, tokenID uint64, amount *big.Int) error {
	if !positive(amount) {
		return ErrInvalidAmount
	}
	r, _ := l.getRow(user, tokenID, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available.Add(r.available, amount)
	return nil
}

// Debit decreases a user's available balance by amount.
func (l *Ledger) Debit(user string, tokenID uint64, amount *big.Int) error {
	if !positive(amount) {
		return ErrInvalidAmount
	}
	r, ok := l.getRow(user, tokenID, false)
	if !ok {
		return ErrUserNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	r.available.Sub(r.available, amount)
	return nil
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(user string, tokenID uint64, amount *big.Int) error {
	if !positive(amount) {
		return ErrInvalidAmount
	}
	r, ok := l.getRow(user, tokenID, false)
	if !ok {
		return ErrUserNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	r.available.Sub(r.available, amount)
	r.locked.Add(r.locked, amount)
	return nil
}

// Unlock moves amount from locked back to available.
func (l *Ledger) Unlock(user string, tokenID uint64, amount *big.Int) error {
	if !positive(amount) {
		return ErrInvalidAmount
	}
	r, ok := l.getRow(user, tokenID, false)
	if !ok {
		return ErrUserNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked.Cmp(amount) < 0 {
		return ErrInsufficientLocked
	}
	r.locked.Sub(r.locked, amount)
	r.available.Add(r.available, amount)
	return nil
}

// Transfer moves amount from `from` to `to`'s available balance, debiting
// from's available or locked balance depending on fromLocked. It is the
// conservation-preserving primitive: the sum of balance(tokenId) across all
// users never changes.
//
// Rows are always locked in a fixed global order (by key's string/uint64
// pair) regardless of transfer direction, so two transfers racing in
// opposite directions between the same two rows cannot deadlock.
func (l *Ledger) Transfer(from, to string, tokenID uint64, amount *big.Int, fromLocked bool) error {
	if !positive(amount) {
		return ErrInvalidAmount
	}
	if from == to {
		return fmt.Errorf("transfer: from and to must differ")
	}

	fromRow, ok := l.getRow(from, tokenID, false)
	if !ok {
		return ErrUserNotFound
	}
	toRow, _ := l.getRow(to, tokenID, true)

	first, second := fromRow, toRow
	if to < from {
		first, second = toRow, fromRow
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	if fromLocked {
		if fromRow.locked.Cmp(amount) < 0 {
			return ErrInsufficientLocked
		}
		fromRow.locked.Sub(fromRow.locked, amount)
	} else {
		if fromRow.available.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		fromRow.available.Sub(fromRow.available, amount)
	}
	toRow.available.Add(toRow.available, amount)
	return nil
}

// GetBalance returns a snapshot of (user, tokenId)'s balance, or a zero
// balance if the row has never been created. Read-only, no side effect.
func (l *Ledger) GetBalance(user string, tokenID uint64) clobtypes.Balance {
	r, ok := l.getRow(user, tokenID, false)
	if !ok {
		return clobtypes.ZeroBalance()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return clobtypes.Balance{
		Available: new(big.Int).Set(r.available),
		Locked:    new(big.Int).Set(r.locked),
	}
}

// HasSufficient reports whether user's available balance covers amount.
func (l *Ledger) HasSufficient(user string, tokenID uint64, amount *big.Int) bool {
	r, ok := l.getRow(user, tokenID, false)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available.Cmp(amount) >= 0
}

// Row is one (user, tokenId) balance snapshot, as produced by Snapshot.
type Row struct {
	User    string
	TokenID uint64
	Balance clobtypes.Balance
}

// Snapshot returns a point-in-time copy of every balance row. Rows are
// copied one at a time under their own locks, so the snapshot is
// row-consistent but not globally atomic; that is sufficient for
// reconciliation sweeps and persistence checkpoints.
func (l *Ledger) Snapshot() []Row {
	l.mu.RLock()
	keys := make([]balanceKey, 0, len(l.rows))
	rows := make([]*row, 0, len(l.rows))
	for k, r := range l.rows {
		keys = append(keys, k)
		rows = append(rows, r)
	}
	l.mu.RUnlock()

	out := make([]Row, 0, len(keys))
	for i, r := range rows {
		r.mu.Lock()
		out = append(out, Row{
			User:    keys[i].user,
			TokenID: keys[i].tokenID,
			Balance: clobtypes.Balance{
				Available: new(big.Int).Set(r.available),
				Locked:    new(big.Int).Set(r.locked),
			},
		})
		r.mu.Unlock()
	}
	return out
}

// Nonces returns a copy of the nonce table for persistence checkpoints.
func (l *Ledger) Nonces() map[string]*big.Int {
	l.mu.RLock()
	entries := make(map[string]*nonceEntry, len(l.nonces))
	for u, e := range l.nonces {
		entries[u] = e
	}
	l.mu.RUnlock()

	out := make(map[string]*big.Int, len(entries))
	for u, e := range entries {
		e.mu.Lock()
		out[u] = new(big.Int).Set(e.value)
		e.mu.Unlock()
	}
	return out
}

func (l *Ledger) nonceFor(user string) *nonceEntry {
	l.mu.RLock()
	e, ok := l.nonces[user]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.nonces[user]; ok {
		return e
	}
	e = &nonceEntry{value: big.NewInt(0)}
	l.nonces[user] = e
	return e
}

// GetNonce returns user's current nonce, 0 if never set.
func (l *Ledger) GetNonce(user string) *big.Int {
	e := l.nonceFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.value)
}

// SetNonce raises user's stored nonce to n if n is greater than the
// current value; lower values are silently ignored (monotone non-decreasing).
func (l *Ledger) SetNonce(user string, n *big.Int) {
	e := l.nonceFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	if n.Cmp(e.value) > 0 {
		e.value = new(big.Int).Set(n)
	}
}

// IncrementNonce raises user's nonce by one and returns the new value.
func (l *Ledger) IncrementNonce(user string) *big.Int {
	e := l.nonceFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = new(big.Int).Add(e.value, big.NewInt(1))
	return new(big.Int).Set(e.value)
}
