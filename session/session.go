// Package session owns the authenticated identity and its persisted form.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"marketsync/pkg/market"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Key is the persisted record holding credential, user id and profile.
const Key = "auth.session"

// KV is the persistence used by the store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// record is written as a single value so credential, user id and profile
// are never persisted partially. The profile stays raw so a stale profile
// shape cannot fail the whole restore.
type record struct {
	Credential string          `json:"credential"`
	UserID     int             `json:"userId"`
	Profile    json.RawMessage `json:"profile,omitempty"`
}

// Store holds the process-wide session. Create one at startup and pass it to
// everything that needs credentials.
type Store struct {
	kv     KV
	logger *slog.Logger

	mu      sync.RWMutex
	current market.Session
}

// New creates an empty, unauthenticated store.
func New(kv KV, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Restore hydrates the session from persisted storage. Storage and decode
// failures leave the store unauthenticated; a bad profile blob only drops
// the profile.
func (s *Store) Restore(ctx context.Context) {
	data, err := s.kv.Get(ctx, Key)
	if err != nil {
		s.logger.Info("No persisted session restored", "error", err)
		s.set(market.Session{})
		return
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("Persisted session is corrupt, starting signed out", "error", err)
		s.set(market.Session{})
		return
	}
	if rec.Credential == "" || rec.UserID == 0 {
		s.logger.Info("Persisted session incomplete, starting signed out", "has_credential", rec.Credential != "", "user_id", rec.UserID)
		s.set(market.Session{})
		return
	}

	sess := market.Session{Credential: rec.Credential, UserID: rec.UserID}
	if len(rec.Profile) > 0 {
		var profile market.UserSummary
		if err := json.Unmarshal(rec.Profile, &profile); err != nil {
			s.logger.Warn("Persisted profile could not be decoded, continuing without it", "user_id", rec.UserID, "error", err)
		} else {
			sess.Profile = &profile
		}
	}

	if exp, err := CredentialExpiry(rec.Credential); err == nil && !exp.IsZero() && exp.Before(time.Now()) {
		s.logger.Warn("Restored credential is past its expiry", "user_id", rec.UserID, "expired_at", exp.Format(time.RFC3339))
	}

	s.set(sess)
	s.logger.Info("Session restored", "user_id", sess.UserID, "has_profile", sess.Profile != nil)
}

// SignIn replaces the session with credential and profile and persists it.
// The in-memory session is updated even if persisting fails.
func (s *Store) SignIn(ctx context.Context, credential string, profile market.UserSummary) error {
	if credential == "" || profile.ID == 0 {
		return errors.New("sign in requires a credential and a user id")
	}
	p := profile
	s.set(market.Session{Credential: credential, UserID: profile.ID, Profile: &p})
	s.persist(ctx)
	s.logger.Info("Signed in", "user_id", profile.ID)
	return nil
}

// SignOut clears the session and its persisted record. Read state is left
// alone; it is scoped per user.
func (s *Store) SignOut(ctx context.Context) {
	prev := s.Snapshot()
	s.set(market.Session{})
	if err := s.kv.Delete(ctx, Key); err != nil {
		s.logger.Warn("Failed to delete persisted session", "error", err)
	}
	s.logger.Info("Signed out", "user_id", prev.UserID)
}

// UpdateProfile replaces the profile snapshot of the signed-in user.
func (s *Store) UpdateProfile(ctx context.Context, profile market.UserSummary) error {
	s.mu.Lock()
	if !s.current.Authenticated() {
		s.mu.Unlock()
		return errors.New("update profile: not signed in")
	}
	if profile.ID != s.current.UserID {
		s.mu.Unlock()
		return fmt.Errorf("update profile: user id %d does not match session user %d", profile.ID, s.current.UserID)
	}
	p := profile
	s.current.Profile = &p
	s.mu.Unlock()

	s.persist(ctx)
	return nil
}

// AuthorizationHeader returns the headers to attach to backend requests:
// empty when signed out, otherwise a bearer Authorization header.
func (s *Store) AuthorizationHeader() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.current.Authenticated() {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + s.current.Credential}
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() market.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.current
	if sess.Profile != nil {
		p := *sess.Profile
		sess.Profile = &p
	}
	return sess
}

// UserID returns the signed-in user id, or 0.
func (s *Store) UserID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.UserID
}

// Authenticated reports whether a user is signed in.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Authenticated()
}

func (s *Store) set(sess market.Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
}

func (s *Store) persist(ctx context.Context) {
	sess := s.Snapshot()
	rec := record{Credential: sess.Credential, UserID: sess.UserID}
	if sess.Profile != nil {
		raw, err := json.Marshal(sess.Profile)
		if err != nil {
			s.logger.Warn("Failed to encode profile, persisting without it", "error", err)
		} else {
			rec.Profile = raw
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("Failed to encode session", "error", err)
		return
	}
	if err := s.kv.Set(ctx, Key, data); err != nil {
		s.logger.Warn("Failed to persist session, it will not survive a restart", "user_id", sess.UserID, "error", err)
	}
}

// CredentialExpiry reads the exp claim of a JWT bearer credential without
// verifying its signature. A zero time means the credential carries no exp.
func CredentialExpiry(credential string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse credential: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// CredentialExpiry reports the expiry of the current credential.
func (s *Store) CredentialExpiry() (time.Time, error) {
	s.mu.RLock()
	cred := s.current.Credential
	s.mu.RUnlock()
	if cred == "" {
		return time.Time{}, errors.New("not signed in")
	}
	return CredentialExpiry(cred)
}
