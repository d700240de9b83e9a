// Package readstate tracks which conversations a user has already seen.
package readstate

import (
	"context"
	"encoding/json"
	"log/slog"
	"marketsync/pkg/market"
	"sort"
	"strconv"
	"sync"
)

// KV is the persistence used by the tracker.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Key returns the persisted key for a user's read set.
func Key(userID int) string {
	return "readstate." + strconv.Itoa(userID)
}

// Tracker holds the read set of the active user.
type Tracker struct {
	kv     KV
	logger *slog.Logger

	mu     sync.RWMutex
	userID int
	read   map[string]struct{}
}

// New creates a tracker with no active user.
func New(kv KV, logger *slog.Logger) *Tracker {
	return &Tracker{kv: kv, logger: logger, read: map[string]struct{}{}}
}

// Load replaces the in-memory set with the persisted set of userID. Missing
// or undecodable data yields an empty set. A userID of 0 leaves the tracker
// dormant with an empty set.
func (t *Tracker) Load(ctx context.Context, userID int) {
	read := map[string]struct{}{}

	if userID != 0 {
		data, err := t.kv.Get(ctx, Key(userID))
		switch {
		case err != nil:
			t.logger.Debug("No read state loaded", "user_id", userID, "error", err)
		default:
			var ids []string
			if err := json.Unmarshal(data, &ids); err != nil {
				t.logger.Warn("Read state is corrupt, starting empty", "user_id", userID, "error", err)
				break
			}
			for _, id := range ids {
				read[id] = struct{}{}
			}
		}
	}

	t.mu.Lock()
	t.userID = userID
	t.read = read
	t.mu.Unlock()

	t.logger.Info("Read state loaded", "user_id", userID, "read_count", len(read))
}

// MarkRead records conversationID as read for the active user and persists
// the full set. Marking an already-read conversation is a no-op.
func (t *Tracker) MarkRead(ctx context.Context, conversationID string) {
	t.mu.Lock()
	if t.userID == 0 {
		t.mu.Unlock()
		t.logger.Warn("Ignoring mark read without an active user", "conversation_id", conversationID)
		return
	}
	if _, ok := t.read[conversationID]; ok {
		t.mu.Unlock()
		return
	}
	t.read[conversationID] = struct{}{}
	userID := t.userID
	ids := t.sortedLocked()
	t.mu.Unlock()

	data, err := json.Marshal(ids)
	if err != nil {
		t.logger.Warn("Failed to encode read state", "user_id", userID, "error", err)
		return
	}
	if err := t.kv.Set(ctx, Key(userID), data); err != nil {
		t.logger.Warn("Failed to persist read state", "user_id", userID, "error", err)
	}
}

// IsRead reports whether conversationID is in the active user's read set.
func (t *Tracker) IsRead(conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.read[conversationID]
	return ok
}

// IsUnread is the single unread-indicator rule: the last message came from
// someone else and the conversation is not in the read set.
func (t *Tracker) IsUnread(conv market.Conversation, currentUserID int) bool {
	return conv.LastMessage.SenderID != currentUserID && !t.IsRead(conv.ID)
}

// ActiveUser returns the user whose set is loaded, or 0.
func (t *Tracker) ActiveUser() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.userID
}

func (t *Tracker) sortedLocked() []string {
	ids := make([]string, 0, len(t.read))
	for id := range t.read {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
