package syncengine

import (
	"context"
	"fmt"
	"marketsync/pkg/market"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// SendMessage appends an optimistic message to listingID and returns it
// immediately. The backend call runs in the background: on success the entry
// is replaced by the confirmed message, on failure it stays tagged
// StatusFailed. Use Wait to block until outstanding sends finish.
func (e *Engine) SendMessage(ctx context.Context, listingID int, content string) (market.Message, error) {
	if strings.TrimSpace(content) == "" {
		return market.Message{}, ErrEmptyMessage
	}
	sess := e.session.Snapshot()
	if !sess.Authenticated() {
		return market.Message{}, ErrNotAuthenticated
	}

	e.mu.Lock()
	e.nextTempID--
	msg := market.Message{
		ID:        e.nextTempID,
		Content:   content,
		Kind:      market.KindText,
		CreatedAt: e.now(),
		SenderID:  sess.UserID,
		ListingID: listingID,
		Sender:    sess.Profile,
		ClientID:  uuid.NewString(),
		Status:    market.StatusPending,
	}
	e.messages[listingID] = append(e.messages[listingID], msg)
	e.mu.Unlock()
	e.notify(ResourceMessages)

	e.logger.Debug("Message queued", "listing_id", listingID, "client_id", msg.ClientID)

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sendTimeout)
	e.sends.Add(1)
	go func() {
		defer e.sends.Done()
		defer cancel()
		e.deliver(sendCtx, msg)
	}()
	return msg, nil
}

func (e *Engine) deliver(ctx context.Context, msg market.Message) {
	confirmed, err := e.gw.SendMessage(ctx, msg.SenderID, msg.ListingID, msg.Content)
	if err != nil {
		e.logger.Warn("Message send failed",
			"listing_id", msg.ListingID,
			"client_id", msg.ClientID,
			"error", err)
		e.mu.Lock()
		if i := e.clientIndexLocked(msg.ListingID, msg.ClientID); i >= 0 {
			e.messages[msg.ListingID][i].Status = market.StatusFailed
		}
		e.mu.Unlock()
		e.notify(ResourceMessages)
		return
	}

	e.reconcile(msg, *confirmed)
	e.logger.Info("Message sent",
		"listing_id", msg.ListingID,
		"message_id", confirmed.ID,
		"client_id", msg.ClientID)
	e.notify(ResourceMessages)
	e.saveSnapshot(ctx)
}

// reconcile replaces the optimistic entry matching local.ClientID with the
// server's copy. If a fetch already brought the confirmed message in, the
// optimistic entry is dropped instead.
func (e *Engine) reconcile(local, confirmed market.Message) {
	if confirmed.ListingID == 0 {
		confirmed.ListingID = local.ListingID
	}
	if confirmed.SenderID == 0 {
		confirmed.SenderID = local.SenderID
	}
	if confirmed.Sender == nil {
		confirmed.Sender = local.Sender
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = local.CreatedAt
	}
	if confirmed.Kind == "" {
		confirmed.Kind = local.Kind
	}
	confirmed.ClientID = ""
	confirmed.Status = market.StatusSent

	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.messages[local.ListingID]
	i := e.clientIndexLocked(local.ListingID, local.ClientID)
	known := confirmed.ID != 0 && slices.ContainsFunc(list, func(m market.Message) bool {
		return !m.Optimistic() && m.ID == confirmed.ID
	})
	switch {
	case i >= 0 && known:
		e.messages[local.ListingID] = slices.Delete(list, i, i+1)
	case i >= 0:
		list[i] = confirmed
	case !known:
		// the local entry is gone, e.g. after a sign out while in flight
		if e.session.UserID() == local.SenderID {
			e.messages[local.ListingID] = append(list, confirmed)
		}
	}
	e.rememberUserLocked(confirmed.Sender)
}

func (e *Engine) clientIndexLocked(listingID int, clientID string) int {
	for i, m := range e.messages[listingID] {
		if m.ClientID == clientID {
			return i
		}
	}
	return -1
}

// FetchMessages loads the messages of listingID. The confirmed list is only
// replaced when the server returns something and it differs from what is
// held; pending and failed local entries are kept either way.
func (e *Engine) FetchMessages(ctx context.Context, listingID int) error {
	uid := e.session.UserID()
	fetched, err := e.gw.ListMessages(ctx, listingID)
	if err != nil {
		e.logger.Warn("Fetch messages failed", "listing_id", listingID, "error", err)
		return fmt.Errorf("fetch messages: %w", err)
	}
	if len(fetched) == 0 {
		return nil
	}
	for i := range fetched {
		if fetched[i].ListingID == 0 {
			fetched[i].ListingID = listingID
		}
	}
	sortMessages(fetched)

	e.mu.Lock()
	if e.session.UserID() != uid {
		e.mu.Unlock()
		e.logger.Debug("Dropping messages fetched for a previous user", "listing_id", listingID, "user_id", uid)
		return nil
	}
	var confirmed, local []market.Message
	for _, m := range e.messages[listingID] {
		if m.Optimistic() {
			local = append(local, m)
		} else {
			confirmed = append(confirmed, m)
		}
	}
	sortMessages(confirmed)
	changed := !slices.EqualFunc(confirmed, fetched, func(a, b market.Message) bool { return a.ID == b.ID })
	if changed {
		e.messages[listingID] = append(fetched, local...)
		for i := range fetched {
			e.rememberUserLocked(fetched[i].Sender)
		}
	}
	e.mu.Unlock()

	if !changed {
		return nil
	}
	e.logger.Info("Messages replaced", "listing_id", listingID, "count", len(fetched), "pending", len(local))
	e.notify(ResourceMessages)
	e.saveSnapshot(ctx)
	return nil
}

// FetchConversations loads every conversation of the signed-in user and
// merges their messages into the per-listing lists.
func (e *Engine) FetchConversations(ctx context.Context) error {
	uid := e.session.UserID()
	if uid == 0 {
		return ErrNotAuthenticated
	}
	summaries, err := e.gw.UserConversations(ctx, uid)
	if err != nil {
		e.logger.Warn("Fetch conversations failed", "user_id", uid, "error", err)
		return fmt.Errorf("fetch conversations: %w", err)
	}

	e.mu.Lock()
	if e.session.UserID() != uid {
		// user changed while the request was in flight
		e.mu.Unlock()
		return nil
	}
	for _, s := range summaries {
		if s.ListingID == 0 && s.Listing != nil {
			s.ListingID = s.Listing.IDOrZero()
		}
		if s.ListingID == 0 {
			continue
		}
		if s.Listing != nil {
			e.convListings[s.ListingID] = *s.Listing
			e.rememberUserLocked(s.Listing.Owner)
		}
		if s.OtherUser != nil && s.OtherUser.ID != 0 && s.OtherUser.ID != uid {
			e.rememberUserLocked(s.OtherUser)
			if !slices.Contains(e.peers[s.ListingID], s.OtherUser.ID) {
				e.peers[s.ListingID] = append(e.peers[s.ListingID], s.OtherUser.ID)
			}
		}
		msgs := slices.Clone(s.Messages)
		if s.LastMessage != nil {
			msgs = append(msgs, *s.LastMessage)
		}
		for i := range msgs {
			if msgs[i].ListingID == 0 {
				msgs[i].ListingID = s.ListingID
			}
		}
		e.mergeLocked(s.ListingID, msgs)
	}
	e.mu.Unlock()

	e.logger.Info("Conversations fetched", "user_id", uid, "count", len(summaries))
	e.notify(ResourceMessages)
	e.saveSnapshot(ctx)
	return nil
}

// mergeLocked unions msgs into the list of listingID by id. Optimistic
// entries already held are kept.
func (e *Engine) mergeLocked(listingID int, msgs []market.Message) {
	list := e.messages[listingID]
	seen := make(map[int]bool, len(list))
	for _, m := range list {
		if !m.Optimistic() {
			seen[m.ID] = true
		}
	}
	for _, m := range msgs {
		if m.Optimistic() || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		list = append(list, m)
		e.rememberUserLocked(m.Sender)
	}
	sortMessages(list)
	e.messages[listingID] = list
}

// Messages returns the messages of listingID sorted by creation time, then id.
func (e *Engine) Messages(listingID int) []market.Message {
	e.mu.Lock()
	out := slices.Clone(e.messages[listingID])
	e.mu.Unlock()
	sortMessages(out)
	return out
}

func sortMessages(msgs []market.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}
