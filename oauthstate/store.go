// ABOUTME: Short-lived OAuth authorization state kept in an embedded Badger store
// ABOUTME: Issues single-use state values that expire after a TTL and carry the PKCE verifier
package oauthstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrUnknownState is returned for state values that were never issued, were
// already consumed, or have expired.
var ErrUnknownState = errors.New("unknown or expired oauth state")

const keyPrefix = "oauth-state/"

// Entry is what a state value stands for.
type Entry struct {
	IntegrationID string    `json:"integration_id"`
	Provider      string    `json:"provider"`
	Verifier      string    `json:"verifier"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Store holds pending authorization requests.
type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens (or creates) the store in dir. An empty dir keeps state in memory.
func Open(dir string, ttl time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open oauth state store: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Issue records a new authorization request and returns its state value.
func (s *Store) Issue(integrationID, provider string) (string, Entry, error) {
	state := uuid.NewString()
	entry := Entry{
		IntegrationID: integrationID,
		Provider:      provider,
		Verifier:      oauth2.GenerateVerifier(),
		IssuedAt:      time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", Entry{}, fmt.Errorf("failed to encode oauth state: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(keyPrefix+state), data).WithTTL(s.ttl))
	})
	if err != nil {
		return "", Entry{}, fmt.Errorf("failed to store oauth state: %w", err)
	}
	return state, entry, nil
}

// Consume returns the entry for state and removes it, so a state value
// authorizes at most one callback.
func (s *Store) Consume(state string) (Entry, error) {
	var entry Entry
	key := []byte(keyPrefix + state)

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrUnknownState
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("failed to decode oauth state: %w", err)
		}
		return txn.Delete(key)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
