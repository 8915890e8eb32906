package redis

import (
	"context"
	"time"

	"github.com/marketbridge/haggle/internal/domain"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// hitScript mirrors domain.RateCounter.Hit.
//
// KEYS[1] counter hash
// ARGV[1] now (unix ms), ARGV[2] limit, ARGV[3] window (ms)
// Returns {allowed, count, window_start}.
var hitScript = goredis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start') or '0')
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

if count == 0 or now >= start + window then
	count = 0
	start = now
end

local allowed = 0
if count < limit then
	count = count + 1
	allowed = 1
end

redis.call('HSET', KEYS[1], 'count', count, 'window_start', start)
redis.call('PEXPIRE', KEYS[1], start + window - now)
return {allowed, count, start}
`)

func (s *Store) rateKey(category domain.RateCategory, actorKey string) string {
	return s.key("rate", string(category), actorKey)
}

// Hit applies one request to the (category, actor) counter. Counters carry a
// TTL of the remaining window, so idle actors cost nothing.
func (s *Store) Hit(ctx context.Context, category domain.RateCategory, actorKey string, limit int, window time.Duration, now time.Time) (domain.RateCounter, bool, error) {
	res, err := hitScript.Run(ctx, s.client,
		[]string{s.rateKey(category, actorKey)},
		now.UnixMilli(), limit, window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.RateCounter{}, false, errors.Wrap(err, "run rate script")
	}
	if len(res) != 3 {
		return domain.RateCounter{}, false, errors.Errorf("unexpected rate script result %v", res)
	}

	counter := domain.RateCounter{
		Category:    category,
		ActorKey:    actorKey,
		Count:       int(res[1]),
		WindowStart: time.UnixMilli(res[2]).UTC(),
		Window:      window,
		Limit:       limit,
	}
	return counter, res[0] == 1, nil
}

func (s *Store) Reset(ctx context.Context, category domain.RateCategory, actorKey string) error {
	if err := s.client.Del(ctx, s.rateKey(category, actorKey)).Err(); err != nil {
		return errors.Wrap(err, "delete rate counter")
	}
	return nil
}
