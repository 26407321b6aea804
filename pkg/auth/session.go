// Package auth holds the signed-in user's credentials as an explicit value
// passed to the components that need them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/kv"
)

// Storage keys for persisted credentials.
const (
	TokenKey = "token"
	UserKey  = "user"
)

// ErrNotAuthenticated is returned when an operation needs a signed-in user.
var ErrNotAuthenticated = errors.New("not authenticated")

// User identifies the signed-in account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Session is the credential context: the access token and the user it
// belongs to. It is safe for concurrent use and persists to a kv.Store so a
// later process can resume it.
type Session struct {
	mu    sync.RWMutex
	store kv.Store
	token string
	user  *User
	log   *logger.Logger
}

// NewSession loads any persisted credentials from store.
func NewSession(ctx context.Context, store kv.Store, log *logger.Logger) (*Session, error) {
	s := &Session{store: store, log: logger.OrNop(log)}

	tok, err := store.Get(ctx, TokenKey)
	switch {
	case err == nil:
		s.token = tok
	case errors.Is(err, kv.ErrNotFound):
		return s, nil
	default:
		return nil, fmt.Errorf("load token: %w", err)
	}

	var u User
	if err := kv.GetJSON(ctx, store, UserKey, &u); err == nil && u.ID != "" {
		s.user = &u
	} else if id, jerr := UserIDFromToken(tok); jerr == nil {
		s.user = &User{ID: id}
	}
	return s, nil
}

// Token returns the current access token, or "".
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// User returns a copy of the signed-in user, or nil.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// UserID returns the signed-in user's id, or "".
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// RequireUserID returns the user id or ErrNotAuthenticated.
func (s *Session) RequireUserID() (string, error) {
	id := s.UserID()
	if id == "" {
		return "", ErrNotAuthenticated
	}
	return id, nil
}

// Authenticated reports whether a token is held.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// SignIn stores a token and user. When user is nil or has no id, the id is
// taken from the token's claims.
func (s *Session) SignIn(ctx context.Context, token string, user *User) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("token cannot be empty")
	}
	u := User{}
	if user != nil {
		u = *user
	}
	if u.ID == "" {
		id, err := UserIDFromToken(token)
		if err != nil {
			return fmt.Errorf("resolve user id: %w", err)
		}
		u.ID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Set(ctx, TokenKey, token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	if err := kv.SetJSON(ctx, s.store, UserKey, u); err != nil {
		return fmt.Errorf("persist user: %w", err)
	}
	s.token = token
	s.user = &u
	s.log.Info("signed in", "user", u.ID)
	return nil
}

// SetToken replaces the access token after a refresh, keeping the user.
func (s *Session) SetToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Set(ctx, TokenKey, token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	s.token = token
	return nil
}

// Clear drops the credentials in memory and in storage.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.user = nil
	return errors.Join(
		s.store.Delete(ctx, TokenKey),
		s.store.Delete(ctx, UserKey),
	)
}
