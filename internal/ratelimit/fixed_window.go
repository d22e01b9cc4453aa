// Package ratelimit guards the portal's public auth endpoints with a
// Redis-backed fixed-window counter, so the limit holds across replicas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// One round trip: count the hit and start the window on its first hit.
var countHit = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindow allows at most limit hits per key per window.
type FixedWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewFixedWindow builds a limiter on the given Redis. The prefix namespaces
// the counters, e.g. "nfseportal:ratelimit:login".
func NewFixedWindow(addr, password, prefix string, limit int, window time.Duration) (*FixedWindow, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if addr = strings.TrimSpace(addr); addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "nfseportal:ratelimit"
	}
	return &FixedWindow{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		limit:  limit,
		window: window,
	}, nil
}

// RetryAfter is how long a blocked caller should wait at worst: one window.
func (l *FixedWindow) RetryAfter() time.Duration {
	return l.window
}

// Allow counts a hit for the key and reports whether it is within quota.
// When Redis is unreachable the answer is no; these endpoints are the ones
// an attacker hammers, so failing open would defeat the limiter exactly when
// it matters.
func (l *FixedWindow) Allow(key string) bool {
	if l == nil {
		return false
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "unknown"
	}

	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	counter := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := countHit.Run(ctx, l.client, []string{counter}, windowMs).Int64()
	if err != nil {
		return false
	}
	return count <= int64(l.limit)
}
