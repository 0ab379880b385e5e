package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisSessionStoreLifecycle(t *testing.T) {
	redis := miniredis.RunT(t)
	s := NewRedisSessionStore(redis.Addr(), "", time.Minute)

	token, err := s.NewSession("alice")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if token == "" {
		t.Fatalf("expected non-empty token")
	}
	username, ok, err := s.GetUsernameByToken(token)
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if !ok || username != "alice" {
		t.Fatalf("unexpected resolution: ok=%v username=%q", ok, username)
	}

	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUsernameByToken(token); err != nil || ok {
		t.Fatalf("expected token gone after delete: ok=%v err=%v", ok, err)
	}
}

func TestRedisSessionStoreExpiresTokens(t *testing.T) {
	redis := miniredis.RunT(t)
	s := NewRedisSessionStore(redis.Addr(), "", time.Second)

	token, err := s.NewSession("bob")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	redis.FastForward(2 * time.Second)
	if _, ok, err := s.GetUsernameByToken(token); err != nil || ok {
		t.Fatalf("expected expired token to miss: ok=%v err=%v", ok, err)
	}
}
