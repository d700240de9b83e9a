// Package syncengine is the client's single source of truth for listings,
// messages and derived conversations. It orchestrates refreshes through the
// gateway, applies optimistic sends and reconciles them with the server.
package syncengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"marketsync/gateway"
	"marketsync/pkg/market"
	"marketsync/snapshot"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotAuthenticated is returned by intents that need a signed-in user.
	ErrNotAuthenticated = errors.New("not signed in")
	// ErrUnknownListing is returned when a listing id is not in the collection.
	ErrUnknownListing = errors.New("unknown listing")
	// ErrInvalidDraft wraps validation failures of user input.
	ErrInvalidDraft = errors.New("invalid input")
	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message is empty")
)

// Gateway is the backend contract used by the engine.
type Gateway interface {
	SignUp(ctx context.Context, in gateway.SignUpRequest) error
	Login(ctx context.Context, email, password string) (*gateway.LoginResponse, error)
	ForgotPassword(ctx context.Context, email string) (string, error)
	ListListings(ctx context.Context) ([]market.Listing, error)
	CreateListing(ctx context.Context, d gateway.ListingDraft) (*market.Listing, error)
	UpdateListing(ctx context.Context, id int, e gateway.ListingEdit) (*market.Listing, error)
	DeleteListing(ctx context.Context, id int) error
	ListMessages(ctx context.Context, listingID int) ([]market.Message, error)
	SendMessage(ctx context.Context, userID, listingID int, content string) (*market.Message, error)
	UserConversations(ctx context.Context, userID int) ([]gateway.ConversationSummary, error)
	UpdateProfile(ctx context.Context, userID int, p gateway.ProfileUpdate) (*market.UserSummary, error)
	RegisterPushToken(ctx context.Context, userID int, token string) error
	RecordClick(ctx context.Context, listingID int) error
}

// Sessions is the session store used by the engine.
type Sessions interface {
	Restore(ctx context.Context)
	SignIn(ctx context.Context, credential string, profile market.UserSummary) error
	SignOut(ctx context.Context)
	UpdateProfile(ctx context.Context, profile market.UserSummary) error
	Snapshot() market.Session
	UserID() int
}

// ReadState is the read tracker used by the engine.
type ReadState interface {
	Load(ctx context.Context, userID int)
	MarkRead(ctx context.Context, conversationID string)
	IsUnread(conv market.Conversation, currentUserID int) bool
}

// Snapshots persists offline snapshots. Optional.
type Snapshots interface {
	Save(ctx context.Context, userID int, snap *snapshot.Snapshot) error
	Load(ctx context.Context, userID int) (*snapshot.Snapshot, error)
	Delete(ctx context.Context, userID int) error
}

// Resource names the piece of state an OnChange notification is about.
type Resource string

const (
	ResourceListings  Resource = "listings"
	ResourceMessages  Resource = "messages"
	ResourceSession   Resource = "session"
	ResourceReadState Resource = "readstate"
)

// State is the load state of the listing collection.
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateLoaded
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "empty"
	}
}

// Config holds engine dependencies and tuning.
type Config struct {
	Gateway   Gateway
	Session   Sessions
	ReadState ReadState
	Snapshots Snapshots // may be nil
	Logger    *slog.Logger

	// RetryAttempts bounds listing refresh attempts on transient failures.
	// 0 means 3; 1 disables retries.
	RetryAttempts uint
	RetryDelay    time.Duration
	// SendTimeout bounds each asynchronous message send.
	SendTimeout time.Duration
	// PushToken, when set, is registered after every sign in.
	PushToken string
	// OnChange is called after each state mutation, outside the engine lock.
	OnChange func(Resource)
	// Now is the clock used for optimistic timestamps.
	Now func() time.Time
}

// Engine owns the in-memory listing and message collections.
type Engine struct {
	gw        Gateway
	session   Sessions
	readState ReadState
	snapshots Snapshots
	logger    *slog.Logger
	validate  *validator.Validate
	onChange  func(Resource)
	now       func() time.Time

	retryAttempts uint
	retryDelay    time.Duration
	sendTimeout   time.Duration
	pushToken     string

	sends sync.WaitGroup

	mu            sync.Mutex
	listings      []market.Listing
	listingsState State
	listingsErr   error
	listingsStale bool
	messages      map[int][]market.Message
	convListings  map[int]market.Listing
	peers         map[int][]int
	users         map[int]market.UserSummary
	nextTempID    int
}

// New creates an engine. Call Start before use.
func New(cfg *Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = gateway.DefaultTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		gw:            cfg.Gateway,
		session:       cfg.Session,
		readState:     cfg.ReadState,
		snapshots:     cfg.Snapshots,
		logger:        logger,
		validate:      validator.New(),
		onChange:      cfg.OnChange,
		now:           now,
		retryAttempts: attempts,
		retryDelay:    delay,
		sendTimeout:   sendTimeout,
		pushToken:     cfg.PushToken,
	}
	e.resetLocked()
	return e
}

// Start restores the session, loads its read state, warms the collections
// from the offline snapshot and then refreshes listings and conversations
// concurrently. Refresh failures are returned but leave the engine usable.
func (e *Engine) Start(ctx context.Context) error {
	e.session.Restore(ctx)
	uid := e.session.UserID()
	e.readState.Load(ctx, uid)
	e.warm(ctx, uid)

	var g errgroup.Group
	g.Go(func() error { return e.RefreshListings(ctx) })
	if uid != 0 {
		g.Go(func() error { return e.FetchConversations(ctx) })
	}
	return g.Wait()
}

// Wait blocks until every outstanding asynchronous send has completed.
func (e *Engine) Wait() {
	e.sends.Wait()
}

func (e *Engine) notify(r Resource) {
	if e.onChange != nil {
		e.onChange(r)
	}
}

// resetLocked drops all per-user state.
func (e *Engine) resetLocked() {
	e.messages = make(map[int][]market.Message)
	e.convListings = make(map[int]market.Listing)
	e.peers = make(map[int][]int)
	e.users = make(map[int]market.UserSummary)
}

func (e *Engine) rememberUserLocked(u *market.UserSummary) {
	if u == nil || u.ID == 0 {
		return
	}
	e.users[u.ID] = *u
}

func (e *Engine) warm(ctx context.Context, uid int) {
	if e.snapshots == nil {
		return
	}
	snap, err := e.snapshots.Load(ctx, uid)
	if err != nil {
		e.logger.Debug("No offline snapshot loaded", "user_id", uid, "error", err)
		return
	}

	e.mu.Lock()
	if e.listingsState == StateEmpty && len(snap.Listings) > 0 {
		e.listings = snap.Listings
		e.listingsStale = true
	}
	for id, msgs := range snap.Messages {
		e.mergeLocked(id, msgs)
	}
	for id, l := range snap.ConversationListings {
		e.convListings[id] = l
	}
	for id, u := range snap.Users {
		e.users[id] = u
	}
	e.mu.Unlock()

	e.logger.Info("Warmed from offline snapshot",
		"user_id", uid,
		"listings", len(snap.Listings),
		"conversations", len(snap.Messages),
		"saved_at", snap.SavedAt.Format(time.RFC3339))
	e.notify(ResourceListings)
	e.notify(ResourceMessages)
}

func (e *Engine) saveSnapshot(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	uid := e.session.UserID()

	e.mu.Lock()
	snap := &snapshot.Snapshot{
		SavedAt:              e.now(),
		Listings:             append([]market.Listing(nil), e.listings...),
		Messages:             make(map[int][]market.Message, len(e.messages)),
		ConversationListings: make(map[int]market.Listing, len(e.convListings)),
		Users:                make(map[int]market.UserSummary, len(e.users)),
	}
	for id, msgs := range e.messages {
		var confirmed []market.Message
		for _, m := range msgs {
			if !m.Optimistic() {
				confirmed = append(confirmed, m)
			}
		}
		if len(confirmed) > 0 {
			snap.Messages[id] = confirmed
		}
	}
	for id, l := range e.convListings {
		snap.ConversationListings[id] = l
	}
	for id, u := range e.users {
		snap.Users[id] = u
	}
	e.mu.Unlock()

	if err := e.snapshots.Save(ctx, uid, snap); err != nil {
		e.logger.Warn("Failed to save offline snapshot", "user_id", uid, "error", err)
	}
}
