package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"nfseportal/internal/util"
	"nfseportal/pkg/domain"
)

// ErrSessionNotFound is returned when a token references no live session.
var ErrSessionNotFound = errors.New("session not found")

// Session is the server-side record behind one signed-in user. The upstream
// bearer token never leaves the server; clients only hold the JWT that keys
// this record.
type Session struct {
	ID            string      `json:"id"`
	User          domain.User `json:"user"`
	UpstreamToken string      `json:"upstreamToken"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// SessionStore persists sessions and issues the access tokens that reference
// them.
type SessionStore interface {
	NewSession(user domain.User, upstreamToken string) (token string, session Session, err error)
	GetSession(token string) (Session, error)
	// RenewSession extends an existing session's TTL and signs a fresh
	// access token for it; used by the refresh flow.
	RenewSession(sessionID string) (token string, session Session, err error)
	DeleteSession(token string) error
}

// RedisSessionStore keeps session records in Redis with TTL and signs access
// tokens as HS256 JWTs carrying the session id.
type RedisSessionStore struct {
	client *redis.Client
	secret []byte
	ttl    time.Duration
}

// NewRedisSessionStore builds a Redis-backed session store.
func NewRedisSessionStore(addr, password, jwtSecret string, ttl time.Duration) (*RedisSessionStore, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("session store redis addr required")
	}
	if strings.TrimSpace(jwtSecret) == "" {
		return nil, errors.New("session store jwt secret required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSessionStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		secret: []byte(jwtSecret),
		ttl:    ttl,
	}, nil
}

// NewSession stores a session record and returns a signed JWT referencing it.
func (s *RedisSessionStore) NewSession(user domain.User, upstreamToken string) (string, Session, error) {
	session := Session{
		ID:            util.NewID(),
		User:          user,
		UpstreamToken: upstreamToken,
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(session)
	if err != nil {
		return "", Session{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, sessionRedisKey(session.ID), data, s.ttl).Err(); err != nil {
		return "", Session{}, fmt.Errorf("store session: %w", err)
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		ID:        session.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, session, nil
}

// GetSession verifies the JWT and loads the referenced session record.
func (s *RedisSessionStore) GetSession(token string) (Session, error) {
	sessionID, err := s.parseSessionID(token)
	if err != nil {
		return Session{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := s.client.Get(ctx, sessionRedisKey(sessionID)).Bytes()
	if err == redis.Nil {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

// RenewSession loads the session by id, extends its TTL, and signs a fresh
// access token for it.
func (s *RedisSessionStore) RenewSession(sessionID string) (string, Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := s.client.Get(ctx, sessionRedisKey(sessionID)).Bytes()
	if err == redis.Nil {
		return "", Session{}, ErrSessionNotFound
	}
	if err != nil {
		return "", Session{}, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return "", Session{}, fmt.Errorf("decode session: %w", err)
	}
	if err := s.client.Expire(ctx, sessionRedisKey(sessionID), s.ttl).Err(); err != nil {
		return "", Session{}, err
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   session.User.ID,
		ID:        session.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, session, nil
}

// DeleteSession removes the record; the JWT becomes useless once the record
// is gone even though the signature still verifies.
func (s *RedisSessionStore) DeleteSession(token string) error {
	sessionID, err := s.parseSessionID(token)
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, sessionRedisKey(sessionID)).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

func (s *RedisSessionStore) parseSessionID(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrSessionNotFound
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.ID == "" {
		return "", ErrSessionNotFound
	}
	return claims.ID, nil
}

func sessionRedisKey(sessionID string) string {
	return "nfseportal:session:" + sessionID
}
