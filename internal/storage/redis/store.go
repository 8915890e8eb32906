// Package redis keeps the hot, short-lived state (rate counters and QR
// sessions) in Redis. Every read-modify-write runs as a Lua script so it is
// atomic on the server.
package redis

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Dial connects and pings the server.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", addr)
	}
	return client, nil
}

type Store struct {
	client goredis.UniversalClient
	// qrRetention keeps terminal sessions readable after they expire so a
	// late claim still reports ALREADY_CLAIMED instead of TOKEN_INVALID.
	qrRetention time.Duration
	keyPrefix   string
}

func NewStore(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:      client,
		qrRetention: 24 * time.Hour,
		keyPrefix:   "haggle:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Option func(*Store)

func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.keyPrefix = prefix
	}
}

func WithQRRetention(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.qrRetention = d
		}
	}
}

func (s *Store) key(parts ...string) string {
	k := s.keyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}
