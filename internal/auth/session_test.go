package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
)

const testKey = "test-signing-key"

func newSession(t *testing.T) (*Session, *status.Machine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := status.NewMachine(b)
	return NewSession(testKey, m, b, nil), m, b
}

func TestIssueAndParseToken(t *testing.T) {
	tok, err := IssueToken(testKey, "alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sub, exp, err := ParseToken(testKey, tok)
	if err != nil {
		t.Fatal(err)
	}
	if sub != "alice" {
		t.Errorf("subject = %q, want alice", sub)
	}
	if exp.Before(time.Now()) {
		t.Errorf("expiry %v already passed", exp)
	}
}

func TestParseTokenRejects(t *testing.T) {
	expired, _ := IssueToken(testKey, "alice", -time.Minute)
	wrongKey, _ := IssueToken("other-key", "alice", time.Hour)
	noSub, _ := IssueToken(testKey, "", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":   expired,
		"wrong key": wrongKey,
		"garbage":   "not-a-token",
		"alg none":  none,
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := ParseToken(testKey, tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
	if _, _, err := ParseToken(testKey, noSub); !errors.Is(err, ErrNoSubject) {
		t.Errorf("no subject: err = %v, want ErrNoSubject", err)
	}
}

func TestLoginReachesReady(t *testing.T) {
	s, m, b := newSession(t)
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	tok, _ := IssueToken(testKey, "alice", time.Hour)
	if err := s.Login(tok); err != nil {
		t.Fatal(err)
	}
	if m.Current() != status.Ready {
		t.Errorf("state = %s, want READY", m.Current())
	}
	if s.UserID() != "alice" || !s.IsLoggedIn() {
		t.Errorf("user = %q", s.UserID())
	}

	var sawReady bool
	timeout := time.After(time.Second)
	for !sawReady {
		select {
		case evt := <-ch:
			if c, ok := evt.Payload.(status.StatusChange); ok && c.To == status.Ready {
				sawReady = true
			}
		case <-timeout:
			t.Fatal("timeout waiting for READY event")
		}
	}
}

func TestLoginFailureRequiresAuth(t *testing.T) {
	s, m, _ := newSession(t)
	if err := s.Login("garbage"); err == nil {
		t.Fatal("expected error")
	}
	if m.Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", m.Current())
	}
	if s.IsLoggedIn() {
		t.Error("logged in after failed login")
	}
}

func TestConnectivity(t *testing.T) {
	s, m, _ := newSession(t)
	tok, _ := IssueToken(testKey, "alice", time.Hour)
	if err := s.Login(tok); err != nil {
		t.Fatal(err)
	}

	if err := s.SetOnline(false); err != nil {
		t.Fatal(err)
	}
	if m.Current() != status.Offline {
		t.Errorf("state = %s, want OFFLINE", m.Current())
	}
	if err := s.SetOnline(false); err != nil {
		t.Fatalf("repeated offline: %v", err)
	}
	if err := s.SetOnline(true); err != nil {
		t.Fatal(err)
	}
	if m.Current() != status.Ready {
		t.Errorf("state = %s, want READY", m.Current())
	}

	// Logging in again while ready keeps the state.
	if err := s.Login(tok); err != nil {
		t.Fatal(err)
	}
	if m.Current() != status.Ready {
		t.Errorf("state = %s, want READY", m.Current())
	}
}

func TestLoginWhileOffline(t *testing.T) {
	s, m, _ := newSession(t)
	if err := s.SetOnline(false); err != nil {
		t.Fatal(err)
	}
	if m.Current() != status.Booting {
		t.Errorf("state = %s, want BOOTING before login", m.Current())
	}
	tok, _ := IssueToken(testKey, "alice", time.Hour)
	if err := s.Login(tok); err != nil {
		t.Fatal(err)
	}
	if m.Current() != status.Offline {
		t.Errorf("state = %s, want OFFLINE", m.Current())
	}
}

func TestLogout(t *testing.T) {
	s, m, _ := newSession(t)
	if err := s.Logout(); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("err = %v, want ErrNotLoggedIn", err)
	}
	tok, _ := IssueToken(testKey, "alice", time.Hour)
	if err := s.Login(tok); err != nil {
		t.Fatal(err)
	}
	if err := s.Logout(); err != nil {
		t.Fatal(err)
	}
	if m.Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", m.Current())
	}
	if s.UserID() != "" {
		t.Errorf("user = %q after logout", s.UserID())
	}
}
