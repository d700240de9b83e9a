package syncengine

import (
	"context"
	"maps"
	"marketsync/pkg/market"
	"sort"
)

// Projection is the state conversations are derived from.
type Projection struct {
	UserID   int
	Messages map[int][]market.Message
	// Listings by id. Missing listings become stubs carrying only the id.
	Listings map[int]market.Listing
	// Peers lists counterpart hints per listing from the conversation index.
	Peers map[int][]int
	Users map[int]market.UserSummary
}

// BuildConversations groups messages by listing and counterpart and returns
// the conversations ordered by most recent activity first.
//
// A buyer has one conversation per listing, with the owner, holding only the
// messages the two of them exchanged. It exists once the buyer has written or
// the conversation index names the listing. An owner has one per buyer; the
// owner's own replies are attributed to the buyer who wrote last before them.
func BuildConversations(p Projection) []market.Conversation {
	var out []market.Conversation
	for listingID, msgs := range p.Messages {
		if len(msgs) == 0 {
			continue
		}
		sorted := append([]market.Message(nil), msgs...)
		sortMessages(sorted)

		listing, ok := p.Listings[listingID]
		if !ok {
			id := listingID
			listing = market.Listing{ID: &id}
		}

		for counterpart, group := range groupByCounterpart(p, listing, sorted) {
			out = append(out, market.Conversation{
				ID:          market.ConversationID(listingID),
				ListingID:   listingID,
				Listing:     listing,
				Counterpart: lookupUser(p, counterpart, group),
				LastMessage: group[len(group)-1],
				Messages:    group,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LastMessage.CreatedAt.Equal(b.LastMessage.CreatedAt) {
			return a.LastMessage.CreatedAt.After(b.LastMessage.CreatedAt)
		}
		if a.ListingID != b.ListingID {
			return a.ListingID > b.ListingID
		}
		return a.Counterpart.ID < b.Counterpart.ID
	})
	return out
}

func groupByCounterpart(p Projection, listing market.Listing, msgs []market.Message) map[int][]market.Message {
	me := p.UserID
	owner := listing.OwnerIDOrZero()

	firstOther := 0
	for _, m := range msgs {
		if m.SenderID != me {
			firstOther = m.SenderID
			break
		}
	}
	firstPeer := 0
	for _, id := range p.Peers[listing.IDOrZero()] {
		if id != me {
			firstPeer = id
			break
		}
	}

	groups := make(map[int][]market.Message)
	if owner != me || me == 0 {
		counterpart := owner
		if counterpart == 0 || counterpart == me {
			counterpart = firstOther
		}
		if counterpart == 0 {
			counterpart = firstPeer
		}
		// other buyers' threads on the same listing are not mine
		joined := firstPeer != 0
		var thread []market.Message
		for _, m := range msgs {
			if me != 0 && m.SenderID == me {
				joined = true
				thread = append(thread, m)
			} else if m.SenderID == counterpart {
				thread = append(thread, m)
			}
		}
		if joined && len(thread) > 0 {
			groups[counterpart] = thread
		}
		return groups
	}

	fallback := firstOther
	if fallback == 0 {
		fallback = firstPeer
	}
	last := 0
	for _, m := range msgs {
		if m.SenderID != me {
			last = m.SenderID
			groups[last] = append(groups[last], m)
			continue
		}
		switch {
		case last != 0:
			groups[last] = append(groups[last], m)
		case fallback != 0:
			groups[fallback] = append(groups[fallback], m)
		}
	}
	return groups
}

func lookupUser(p Projection, id int, msgs []market.Message) market.UserSummary {
	if u, ok := p.Users[id]; ok {
		return u
	}
	for _, m := range msgs {
		if m.SenderID == id && m.Sender != nil {
			return *m.Sender
		}
	}
	return market.UserSummary{ID: id}
}

// Conversations derives the conversations of the signed-in user from the
// current listing and message state.
func (e *Engine) Conversations() []market.Conversation {
	uid := e.session.UserID()

	e.mu.Lock()
	p := Projection{
		UserID:   uid,
		Messages: make(map[int][]market.Message, len(e.messages)),
		Listings: maps.Clone(e.convListings),
		Peers:    maps.Clone(e.peers),
		Users:    maps.Clone(e.users),
	}
	for id, msgs := range e.messages {
		p.Messages[id] = append([]market.Message(nil), msgs...)
	}
	for _, l := range e.listings {
		if l.ID != nil {
			p.Listings[*l.ID] = l
		}
	}
	e.mu.Unlock()

	return BuildConversations(p)
}

// IsUnread reports whether conv owes the signed-in user an unread indicator.
func (e *Engine) IsUnread(conv market.Conversation) bool {
	return e.readState.IsUnread(conv, e.session.UserID())
}

// UnreadCount returns the number of unread conversations.
func (e *Engine) UnreadCount() int {
	n := 0
	for _, c := range e.Conversations() {
		if e.IsUnread(c) {
			n++
		}
	}
	return n
}

// MarkRead records conversationID as read for the signed-in user.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) {
	e.readState.MarkRead(ctx, conversationID)
	e.notify(ResourceReadState)
}
