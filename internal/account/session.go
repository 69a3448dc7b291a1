package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/smartlink/internal/apperr"
	"go.uber.org/zap"
)

const credentialsKey = "account.credentials"

// Backend is the subset of the remote backend used for authentication.
type Backend interface {
	Login(ctx context.Context, req LoginRequest) (*AuthResult, error)
	Register(ctx context.Context, req RegisterRequest) (*AuthResult, error)
}

// TokenStore persists credentials across daemon restarts.
type TokenStore interface {
	PutState(key, value string) error
	GetState(key string) (string, error)
	DeleteState(key string) error
}

// Session holds the credentials of the logged-in user. All backend calls
// read their bearer token from it.
type Session struct {
	mu      sync.RWMutex
	creds   *Credentials
	backend Backend
	store   TokenStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewSession creates an empty session. store may be nil.
func NewSession(b Backend, store TokenStore, logger *zap.Logger) *Session {
	return &Session{
		backend: b,
		store:   store,
		logger:  logger.Named("account"),
		now:     time.Now,
	}
}

// Login authenticates against the backend and stores the credentials.
func (s *Session) Login(ctx context.Context, req LoginRequest) (User, error) {
	if err := apperr.Validate("login", req); err != nil {
		return User{}, err
	}
	res, err := s.backend.Login(ctx, req)
	if err != nil {
		return User{}, fmt.Errorf("login: %w", err)
	}
	return s.adopt(res)
}

// Register creates an account and logs in with it.
func (s *Session) Register(ctx context.Context, req RegisterRequest) (User, error) {
	if err := apperr.Validate("register", req); err != nil {
		return User{}, err
	}
	res, err := s.backend.Register(ctx, req)
	if err != nil {
		return User{}, fmt.Errorf("register: %w", err)
	}
	return s.adopt(res)
}

func (s *Session) adopt(res *AuthResult) (User, error) {
	if res == nil || res.Token == "" {
		return User{}, &apperr.AuthenticationError{Op: "login", Err: errors.New("backend returned no token")}
	}
	creds := Credentials{Token: res.Token, User: res.User}
	if claims, ok := InspectToken(res.Token); ok {
		creds.ExpiresAt = claims.ExpiresAt
		if creds.User.ID == "" {
			creds.User.ID = claims.Subject
		}
	}
	if creds.User.ID == "" {
		return User{}, &apperr.AuthenticationError{Op: "login", Err: errors.New("backend returned no user id")}
	}

	s.mu.Lock()
	s.creds = &creds
	s.mu.Unlock()

	s.persist(creds)
	s.logger.Info("session established", zap.String("user_id", creds.User.ID), zap.Time("expires_at", creds.ExpiresAt))
	return creds.User, nil
}

func (s *Session) persist(creds Credentials) {
	if s.store == nil {
		return
	}
	data, err := json.Marshal(creds)
	if err != nil {
		s.logger.Warn("failed to encode credentials", zap.Error(err))
		return
	}
	if err := s.store.PutState(credentialsKey, string(data)); err != nil {
		s.logger.Warn("failed to persist credentials", zap.Error(err))
	}
}

// Restore loads persisted credentials. It reports whether a usable session was found.
func (s *Session) Restore() (bool, error) {
	if s.store == nil {
		return false, nil
	}
	raw, err := s.store.GetState(credentialsKey)
	if err != nil || raw == "" {
		return false, nil
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return false, fmt.Errorf("decode stored credentials: %w", err)
	}
	if creds.Token == "" || creds.Expired(s.now()) {
		s.logger.Info("stored credentials expired, login required")
		_ = s.store.DeleteState(credentialsKey)
		return false, nil
	}
	s.mu.Lock()
	s.creds = &creds
	s.mu.Unlock()
	return true, nil
}

// Credentials returns the current credentials or an AuthenticationError.
func (s *Session) Credentials() (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return Credentials{}, &apperr.AuthenticationError{Op: "session", Err: apperr.ErrNotAuthenticated}
	}
	if s.creds.Expired(s.now()) {
		return Credentials{}, &apperr.AuthenticationError{Op: "session", Err: errors.New("token expired")}
	}
	return *s.creds, nil
}

// Invalidate drops the credentials after the backend rejected the token.
func (s *Session) Invalidate(reason error) {
	s.mu.Lock()
	had := s.creds != nil
	s.creds = nil
	s.mu.Unlock()
	if had {
		s.logger.Warn("session invalidated", zap.Error(reason))
	}
	if s.store != nil {
		_ = s.store.DeleteState(credentialsKey)
	}
}

// Logout forgets the credentials locally.
func (s *Session) Logout() {
	s.mu.Lock()
	s.creds = nil
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.DeleteState(credentialsKey); err != nil {
			s.logger.Warn("failed to delete stored credentials", zap.Error(err))
		}
	}
	s.logger.Info("logged out")
}
