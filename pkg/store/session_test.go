package store

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"nfseportal/pkg/domain"
)

func newTestSessionStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	redis := miniredis.RunT(t)
	s, err := NewRedisSessionStore(redis.Addr(), "", "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s, redis
}

func TestSessionRoundTrip(t *testing.T) {
	s, _ := newTestSessionStore(t)
	user := domain.User{ID: "7", Email: "maria@example.com", Name: "Maria Silva"}

	token, sess, err := s.NewSession(user, "upstream-at")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if sess.UpstreamToken != "upstream-at" {
		t.Fatalf("upstream token = %q", sess.UpstreamToken)
	}

	got, err := s.GetSession(token)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != sess.ID || got.User != user || got.UpstreamToken != "upstream-at" {
		t.Fatalf("session = %+v", got)
	}
}

func TestSessionRejectsGarbageToken(t *testing.T) {
	s, _ := newTestSessionStore(t)
	if _, err := s.GetSession("not-a-jwt"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionRejectsForeignSignature(t *testing.T) {
	s, redis := newTestSessionStore(t)
	other, err := NewRedisSessionStore(redis.Addr(), "", "other-secret", time.Hour)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	token, _, err := other.NewSession(domain.User{ID: "1"}, "at")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := s.GetSession(token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound for foreign signature", err)
	}
}

func TestDeleteSessionInvalidatesToken(t *testing.T) {
	s, _ := newTestSessionStore(t)
	token, _, err := s.NewSession(domain.User{ID: "1"}, "at")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSession(token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound after delete", err)
	}
}

func TestRenewSessionIssuesWorkingToken(t *testing.T) {
	s, _ := newTestSessionStore(t)
	_, sess, err := s.NewSession(domain.User{ID: "1", Name: "A"}, "at")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	token, renewed, err := s.RenewSession(sess.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.ID != sess.ID || renewed.UpstreamToken != "at" {
		t.Fatalf("renewed = %+v", renewed)
	}
	if _, err := s.GetSession(token); err != nil {
		t.Fatalf("renewed token rejected: %v", err)
	}
	if _, _, err := s.RenewSession("ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("renew ghost = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionExpiresWithTTL(t *testing.T) {
	s, redis := newTestSessionStore(t)
	token, _, err := s.NewSession(domain.User{ID: "1"}, "at")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	redis.FastForward(2 * time.Hour)
	if _, err := s.GetSession(token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound after TTL", err)
	}
}
