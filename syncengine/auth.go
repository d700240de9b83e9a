package syncengine

import (
	"context"
	"fmt"
	"marketsync/gateway"
	"marketsync/pkg/market"
	"strings"
)

const (
	genericSignInFailure = "Sign in failed. Please try again."
	genericSignUpFailure = "Sign up failed. Please try again."
)

// AuthError is returned by SignIn and SignUp. Message is safe to show to the
// user: the server's own text when it sent one, else a generic line.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func authError(generic string, err error) *AuthError {
	msg := gateway.ServerMessage(err)
	if msg == "" {
		msg = generic
	}
	return &AuthError{Message: msg, Err: err}
}

// SignIn authenticates with the backend, installs the new session and loads
// the read state of the signed-in user. Per-user message state of a previous
// user is dropped.
func (e *Engine) SignIn(ctx context.Context, email, password string) (*market.UserSummary, error) {
	email = strings.TrimSpace(email)
	resp, err := e.gw.Login(ctx, email, password)
	if err != nil {
		e.logger.Warn("Sign in failed", "email", email, "error", err)
		return nil, authError(genericSignInFailure, err)
	}
	if err := e.session.SignIn(ctx, resp.Token, resp.User); err != nil {
		e.logger.Warn("Sign in response rejected", "email", email, "error", err)
		return nil, authError(genericSignInFailure, err)
	}
	uid := resp.User.ID

	e.mu.Lock()
	e.resetLocked()
	e.rememberUserLocked(&resp.User)
	e.mu.Unlock()

	e.readState.Load(ctx, uid)
	e.warm(ctx, uid)

	e.logger.Info("Sign in complete", "user_id", uid, "push_token", e.pushToken != "")
	e.notify(ResourceSession)
	e.notify(ResourceMessages)
	e.notify(ResourceReadState)

	if e.pushToken != "" {
		if err := e.gw.RegisterPushToken(ctx, uid, e.pushToken); err != nil {
			e.logger.Warn("Push token registration failed", "user_id", uid, "error", err)
		}
	}
	user := resp.User
	return &user, nil
}

// SignUp validates and submits a new account. It does not sign in.
func (e *Engine) SignUp(ctx context.Context, in gateway.SignUpRequest) error {
	in.Email = strings.TrimSpace(in.Email)
	if err := e.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDraft, err)
	}
	if err := e.gw.SignUp(ctx, in); err != nil {
		e.logger.Warn("Sign up failed", "email", in.Email, "error", err)
		return authError(genericSignUpFailure, err)
	}
	e.logger.Info("Account created", "email", in.Email)
	return nil
}

// SignOut clears the session and all per-user state. Persisted read state
// stays on disk for the next sign in of the same user.
func (e *Engine) SignOut(ctx context.Context) {
	uid := e.session.UserID()
	e.session.SignOut(ctx)
	e.readState.Load(ctx, 0)

	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()

	if e.snapshots != nil && uid != 0 {
		if err := e.snapshots.Delete(ctx, uid); err != nil {
			e.logger.Warn("Failed to delete offline snapshot", "user_id", uid, "error", err)
		}
	}
	e.logger.Info("Per-user state cleared", "user_id", uid)
	e.notify(ResourceSession)
	e.notify(ResourceMessages)
	e.notify(ResourceReadState)
}

// ForgotPassword asks the backend to send a reset email and returns its
// confirmation text.
func (e *Engine) ForgotPassword(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidDraft)
	}
	msg, err := e.gw.ForgotPassword(ctx, email)
	if err != nil {
		return "", fmt.Errorf("forgot password: %w", err)
	}
	return msg, nil
}

// UpdateProfile submits profile changes for the signed-in user and replaces
// the session profile with the server's copy.
func (e *Engine) UpdateProfile(ctx context.Context, upd gateway.ProfileUpdate) (*market.UserSummary, error) {
	uid := e.session.UserID()
	if uid == 0 {
		return nil, ErrNotAuthenticated
	}
	if err := e.validate.Struct(upd); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDraft, err)
	}

	u, err := e.gw.UpdateProfile(ctx, uid, upd)
	if err != nil {
		e.logger.Warn("Profile update failed", "user_id", uid, "error", err)
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if u.ID == 0 {
		u.ID = uid
	}
	if err := e.session.UpdateProfile(ctx, *u); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.rememberUserLocked(u)
	e.mu.Unlock()

	e.logger.Info("Profile updated", "user_id", uid)
	e.notify(ResourceSession)
	return u, nil
}
