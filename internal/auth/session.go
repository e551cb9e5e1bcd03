// Package auth holds the signed-in session: a JWT whose subject is the user
// id. Signing in and connectivity changes drive the status machine.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

var (
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNoSubject    = errors.New("token has no subject")
)

// IssueToken signs an HS256 session token for userID.
func IssueToken(signingKey, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(signingKey))
}

// ParseToken validates a session token and returns its subject and expiry.
func ParseToken(signingKey, tokenStr string) (string, time.Time, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return []byte(signingKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", time.Time{}, ErrNoSubject
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return sub, exp, nil
}

// Session is the signed-in user of this daemon.
type Session struct {
	signingKey string
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger

	mu        sync.RWMutex
	userID    string
	expiresAt time.Time
	online    bool
}

// NewSession creates a signed-out session. The daemon starts online.
func NewSession(signingKey string, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		signingKey: signingKey,
		machine:    machine,
		bus:        b,
		logger:     logger,
		online:     true,
	}
}

// UserID returns the signed-in user id, or "" when signed out.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// IsLoggedIn reports whether a user is signed in.
func (s *Session) IsLoggedIn() bool {
	return s.UserID() != ""
}

// ExpiresAt returns the expiry of the session token.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Online reports the last connectivity state set.
func (s *Session) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Login validates token and signs its subject in. The status machine moves
// to READY, or OFFLINE while connectivity is down.
func (s *Session) Login(token string) error {
	userID, exp, err := ParseToken(s.signingKey, token)
	if err != nil {
		s.logger.Warn("login failed", zap.Error(err))
		s.bus.Emit(bus.SessionAuthFailed, err.Error())
		if s.machine.Current() == status.Booting {
			_ = s.machine.Transition(status.AuthRequired)
		}
		return err
	}

	s.mu.Lock()
	s.userID = userID
	s.expiresAt = exp
	online := s.online
	s.mu.Unlock()

	s.logger.Info("logged in", zap.String("user_id", userID), zap.Time("expires_at", exp))
	s.bus.Emit(bus.SessionAuthenticated, userID)
	return s.connect(online)
}

// RequireLogin moves a booting daemon without credentials to AUTH_REQUIRED.
func (s *Session) RequireLogin() error {
	return s.machine.Walk(status.AuthRequired)
}

// Logout signs the user out.
func (s *Session) Logout() error {
	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return ErrNotLoggedIn
	}
	userID := s.userID
	s.userID = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()

	s.logger.Info("logged out", zap.String("user_id", userID))
	s.bus.Emit(bus.SessionLoggedOut, userID)
	return s.machine.Transition(status.AuthRequired)
}

// SetOnline records connectivity. Coming back online while signed in
// reconnects and announces it so the outbox drains.
func (s *Session) SetOnline(online bool) error {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	loggedIn := s.userID != ""
	s.mu.Unlock()

	if !changed {
		return nil
	}
	s.logger.Info("connectivity changed", zap.Bool("online", online))
	var err error
	if loggedIn {
		err = s.connect(online)
	}
	s.bus.Emit(bus.SessionOnline, online)
	return err
}

func (s *Session) connect(online bool) error {
	switch cur := s.machine.Current(); {
	case online && cur == status.Ready, !online && cur == status.Offline:
		return nil
	case !online && cur == status.Ready:
		return s.machine.Transition(status.Offline)
	case !online:
		return s.machine.Walk(status.Connecting, status.Offline)
	}
	return s.machine.Walk(status.Connecting, status.Ready)
}
