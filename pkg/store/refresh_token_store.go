package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRefreshToken means the token is unknown or expired.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay means a superseded token of a rotation family
	// was presented; the whole family is revoked.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

// RefreshTokenStore issues and rotates opaque refresh tokens.
type RefreshTokenStore interface {
	NewToken(userID string, ttl time.Duration) (string, error)
	// RotateToken invalidates the presented token and issues a successor,
	// returning (newToken, userID).
	RotateToken(token string, ttl time.Duration) (string, string, error)
	DeleteToken(token string) error
}

// RedisRefreshTokenStore stores refresh token families in Redis. A family is
// one login; rotation moves the family's current token forward, and replay
// of an older token burns the family.
type RedisRefreshTokenStore struct {
	client *redis.Client
}

// NewRedisRefreshTokenStore builds a Redis-backed refresh token store.
func NewRedisRefreshTokenStore(addr, password string) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
	}
}

// NewToken issues and stores a new refresh token family.
func (s *RedisRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	token, err := randomToken(32)
	if err != nil {
		return "", err
	}
	familyID, err := randomToken(16)
	if err != nil {
		return "", err
	}
	hash := refreshTokenHash(token)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, refreshTokenKey(hash), familyID, ttl)
	pipe.HSet(ctx, refreshFamilyKey(familyID), map[string]any{
		"userId":      userID,
		"currentHash": hash,
	})
	pipe.Expire(ctx, refreshFamilyKey(familyID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return token, nil
}

// RotateToken validates the token and issues a successor in the same family.
// Presenting a stale token revokes the family.
func (s *RedisRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	hash := refreshTokenHash(token)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	familyID, err := s.client.Get(ctx, refreshTokenKey(hash)).Result()
	if err == redis.Nil {
		return "", "", ErrInvalidRefreshToken
	}
	if err != nil {
		return "", "", err
	}

	familyData, err := s.client.HGetAll(ctx, refreshFamilyKey(familyID)).Result()
	if err != nil {
		return "", "", err
	}
	userID := familyData["userId"]
	currentHash := familyData["currentHash"]
	if userID == "" || currentHash == "" {
		return "", "", ErrInvalidRefreshToken
	}
	if currentHash != hash {
		s.revokeFamily(ctx, familyID, currentHash, hash)
		return "", "", ErrRefreshTokenReplay
	}

	newToken, err := randomToken(32)
	if err != nil {
		return "", "", err
	}
	// The superseded token key is kept (until its TTL) so that replaying it
	// is distinguishable from an unknown token and burns the family.
	newHash := refreshTokenHash(newToken)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, refreshTokenKey(newHash), familyID, ttl)
	pipe.HSet(ctx, refreshFamilyKey(familyID), "currentHash", newHash)
	pipe.Expire(ctx, refreshFamilyKey(familyID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", "", err
	}
	return newToken, userID, nil
}

// DeleteToken revokes the token and its family (logout).
func (s *RedisRefreshTokenStore) DeleteToken(token string) error {
	hash := refreshTokenHash(token)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	familyID, err := s.client.Get(ctx, refreshTokenKey(hash)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	s.revokeFamily(ctx, familyID, hash)
	return nil
}

func (s *RedisRefreshTokenStore) revokeFamily(ctx context.Context, familyID string, hashes ...string) {
	pipe := s.client.TxPipeline()
	for _, h := range hashes {
		pipe.Del(ctx, refreshTokenKey(h))
	}
	pipe.Del(ctx, refreshFamilyKey(familyID))
	_, _ = pipe.Exec(ctx)
}

func randomToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func refreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func refreshTokenKey(hash string) string {
	return "nfseportal:refresh:token:" + hash
}

func refreshFamilyKey(familyID string) string {
	return "nfseportal:refresh:family:" + familyID
}
