// Package storage persists the engine's recoverable state in Pebble: ledger
// rows, the nonce table, open book entries with their locked amounts, and
// settlement batch records. Values are JSON, loads are prefix scans, and
// every write is synchronous.
package storage

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
)

// Store is a Pebble-backed persistence target. All writes are synchronous:
// a crash after a returned write never loses the record.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) set(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("storage: set: %w", err)
	}
	return nil
}

func (s *Store) scan(prefix []byte, each func(value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("storage: iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := each(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// BalanceRecord is one persisted ledger row.
type BalanceRecord struct {
	User      string   `json:"user"`
	TokenID   uint64   `json:"tokenId"`
	Available *big.Int `json:"available"`
	Locked    *big.Int `json:"locked"`
}

// SaveBalance persists one ledger row.
func (s *Store) SaveBalance(rec BalanceRecord) error {
	return s.set(balanceKey(rec.User, rec.TokenID), rec)
}

// LoadBalances returns every persisted ledger row.
func (s *Store) LoadBalances() ([]BalanceRecord, error) {
	var out []BalanceRecord
	err := s.scan([]byte(prefixBalance), func(value []byte) error {
		var rec BalanceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("storage: unmarshal balance: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// NonceRecord is one persisted user nonce.
type NonceRecord struct {
	User  string   `json:"user"`
	Nonce *big.Int `json:"nonce"`
}

// SaveNonce persists one user's nonce.
func (s *Store) SaveNonce(user string, nonce *big.Int) error {
	return s.set(nonceKey(user), NonceRecord{User: user, Nonce: nonce})
}

// LoadNonces returns the persisted nonce table.
func (s *Store) LoadNonces() (map[string]*big.Int, error) {
	out := make(map[string]*big.Int)
	err := s.scan([]byte(prefixNonce), func(value []byte) error {
		var rec NonceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("storage: unmarshal nonce: %w", err)
		}
		out[rec.User] = rec.Nonce
		return nil
	})
	return out, err
}

// OpenOrderRecord is one persisted resting book entry: the full signed
// order plus the unfilled remainder whose lock must be restored on replay.
type OpenOrderRecord struct {
	OrderHash clobtypes.OrderHash `json:"orderHash"`
	Order     *clobtypes.Order    `json:"order"`
	Remaining *big.Int            `json:"remaining"`
	Timestamp int64               `json:"timestamp"`
}

// SaveOpenOrder persists a resting book entry.
func (s *Store) SaveOpenOrder(rec OpenOrderRecord) error {
	return s.set(orderKey(fmt.Sprintf("%x", rec.OrderHash[:])), rec)
}

// DeleteOpenOrder removes a filled or cancelled entry.
func (s *Store) DeleteOpenOrder(orderHash clobtypes.OrderHash) error {
	key := orderKey(fmt.Sprintf("%x", orderHash[:]))
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("storage: delete order: %w", err)
	}
	return nil
}

// LoadOpenOrders returns every persisted resting entry.
func (s *Store) LoadOpenOrders() ([]OpenOrderRecord, error) {
	var out []OpenOrderRecord
	err := s.scan([]byte(prefixOrder), func(value []byte) error {
		var rec OpenOrderRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("storage: unmarshal order: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// SaveEpoch persists a settlement batch record, including its status and
// proofs. Called again on every status transition, overwriting in place.
func (s *Store) SaveEpoch(epoch *clobtypes.Epoch) error {
	return s.set(epochKey(epoch.EpochID), epoch)
}

// LoadEpochs returns every persisted epoch in cut order.
func (s *Store) LoadEpochs() ([]*clobtypes.Epoch, error) {
	var out []*clobtypes.Epoch
	err := s.scan([]byte(prefixEpoch), func(value []byte) error {
		var e clobtypes.Epoch
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("storage: unmarshal epoch: %w", err)
		}
		out = append(out, &e)
		return nil
	})
	return out, err
}
