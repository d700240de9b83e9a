// Package market contains the core domain types for the campus marketplace client.
package market

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// UserSummary is an immutable snapshot of a user's public profile.
type UserSummary struct {
	ID          int    `json:"id" msgpack:"id"`
	Email       string `json:"email" msgpack:"email"`
	DisplayName string `json:"name,omitempty" msgpack:"name,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty" msgpack:"imageUrl,omitempty"`
	Bio         string `json:"bio,omitempty" msgpack:"bio,omitempty"`
}

// Session is the authenticated identity of the running client.
// Credential and UserID are either both set or both empty.
type Session struct {
	Credential string       `json:"credential,omitempty"`
	UserID     int          `json:"userId,omitempty"`
	Profile    *UserSummary `json:"-"`
}

// Authenticated reports whether the session carries a credential.
func (s Session) Authenticated() bool {
	return s.Credential != "" && s.UserID != 0
}

// Price is a non-negative decimal amount. The backend sends it either as a
// JSON number or as a numeric string.
type Price float64

// ErrNegativePrice is returned when a price below zero is decoded.
var ErrNegativePrice = errors.New("price must not be negative")

// UnmarshalJSON accepts 12.5, "12.50" and null.
func (p *Price) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}
	raw := string(data)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("parse price %q: %w", raw, err)
	}
	if f < 0 {
		return ErrNegativePrice
	}
	*p = Price(f)
	return nil
}

// String formats the price with two decimals.
func (p Price) String() string {
	return strconv.FormatFloat(float64(p), 'f', 2, 64)
}

// Listing is an item offered for sale. ID is nil only for a draft that has
// not been submitted yet.
type Listing struct {
	ID          *int         `json:"id,omitempty" msgpack:"id,omitempty"`
	Title       string       `json:"title" msgpack:"title"`
	Price       Price        `json:"price" msgpack:"price"`
	Description string       `json:"description,omitempty" msgpack:"description,omitempty"`
	Location    string       `json:"location,omitempty" msgpack:"location,omitempty"`
	ImageURLs   []string     `json:"imageUrls,omitempty" msgpack:"imageUrls,omitempty"`
	CreatedAt   *time.Time   `json:"createdAt,omitempty" msgpack:"createdAt,omitempty"`
	OwnerID     *int         `json:"userId,omitempty" msgpack:"userId,omitempty"`
	Owner       *UserSummary `json:"user,omitempty" msgpack:"user,omitempty"`
	ClickCount  *int         `json:"clickCount,omitempty" msgpack:"clickCount,omitempty"`
}

// IDOrZero returns the listing id, or 0 for a draft.
func (l Listing) IDOrZero() int {
	if l.ID == nil {
		return 0
	}
	return *l.ID
}

// OwnerIDOrZero returns the owner id from OwnerID or the embedded owner.
func (l Listing) OwnerIDOrZero() int {
	switch {
	case l.OwnerID != nil:
		return *l.OwnerID
	case l.Owner != nil:
		return l.Owner.ID
	default:
		return 0
	}
}

// MessageKind classifies message payloads.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

// SendStatus tracks the delivery state of a locally composed message.
// Messages decoded from the server are always StatusSent.
type SendStatus string

const (
	StatusSent    SendStatus = ""
	StatusPending SendStatus = "pending"
	StatusFailed  SendStatus = "failed"
)

// Message is a single chat entry attached to a listing.
type Message struct {
	ID        int          `json:"id" msgpack:"id"`
	Content   string       `json:"content,omitempty" msgpack:"content,omitempty"`
	ImageURL  string       `json:"imageUrl,omitempty" msgpack:"imageUrl,omitempty"`
	Kind      MessageKind  `json:"type,omitempty" msgpack:"type,omitempty"`
	CreatedAt time.Time    `json:"createdAt" msgpack:"createdAt"`
	SenderID  int          `json:"userId" msgpack:"userId"`
	ListingID int          `json:"listingId" msgpack:"listingId"`
	Sender    *UserSummary `json:"user,omitempty" msgpack:"user,omitempty"`

	// Client-side bookkeeping for optimistic sends. Never sent to the backend.
	ClientID string     `json:"-" msgpack:"clientId,omitempty"`
	Status   SendStatus `json:"-" msgpack:"status,omitempty"`
}

// Optimistic reports whether the message was composed locally and has not
// been confirmed by the server.
func (m Message) Optimistic() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// Before orders messages by creation time, then by id.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Conversation is a derived grouping of messages about one listing with one
// counterpart. It is never persisted on its own.
type Conversation struct {
	ID          string
	ListingID   int
	Listing     Listing
	Counterpart UserSummary
	LastMessage Message
	Messages    []Message
}

// ConversationID returns the identifier used for read tracking.
func ConversationID(listingID int) string {
	return strconv.Itoa(listingID)
}
