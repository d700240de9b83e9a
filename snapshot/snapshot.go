// Package snapshot persists the last synchronized listings and messages so
// the client can show something before the first refresh completes.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"marketsync/pkg/market"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// version is bumped when the encoded shape changes incompatibly.
const version = 1

const keyPrefix = "snapshot."

// KV is the persistence used by the store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Snapshot is the cached state of one user.
type Snapshot struct {
	Version              int                        `msgpack:"v"`
	SavedAt              time.Time                  `msgpack:"savedAt"`
	Listings             []market.Listing           `msgpack:"listings"`
	Messages             map[int][]market.Message   `msgpack:"messages"`
	ConversationListings map[int]market.Listing     `msgpack:"conversationListings"`
	Users                map[int]market.UserSummary `msgpack:"users"`
}

// Key returns the persisted key for userID. Signed-out snapshots share one key.
func Key(userID int) string {
	if userID == 0 {
		return keyPrefix + "anonymous"
	}
	return keyPrefix + strconv.Itoa(userID)
}

// Store reads and writes snapshots.
type Store struct {
	kv     KV
	logger *slog.Logger
}

// New creates a snapshot store.
func New(kv KV, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Save writes snap for userID.
func (s *Store) Save(ctx context.Context, userID int, snap *Snapshot) error {
	snap.Version = version
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, Key(userID), data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("Snapshot saved", "user_id", userID, "listings", len(snap.Listings), "bytes", len(data))
	return nil
}

// Load reads the snapshot of userID. Snapshots written by another version
// are treated as missing.
func (s *Store) Load(ctx context.Context, userID int) (*Snapshot, error) {
	data, err := s.kv.Get(ctx, Key(userID))
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != version {
		return nil, fmt.Errorf("snapshot version %d, want %d", snap.Version, version)
	}
	return &snap, nil
}

// Delete removes the snapshot of userID.
func (s *Store) Delete(ctx context.Context, userID int) error {
	if err := s.kv.Delete(ctx, Key(userID)); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Purge removes the snapshots of every user and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	for i, key := range keys {
		if err := s.kv.Delete(ctx, key); err != nil {
			return i, fmt.Errorf("delete snapshot %s: %w", key, err)
		}
	}
	s.logger.Info("Snapshots purged", "count", len(keys))
	return len(keys), nil
}
