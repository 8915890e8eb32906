package memory

import (
	"context"
	"time"

	"github.com/marketbridge/haggle/internal/domain"
)

func rateKey(category domain.RateCategory, actorKey string) string {
	return "rate:" + string(category) + ":" + actorKey
}

func (s *Store) Hit(_ context.Context, category domain.RateCategory, actorKey string, limit int, window time.Duration, now time.Time) (domain.RateCounter, bool, error) {
	key := rateKey(category, actorKey)
	s.locks.lock(key)
	defer s.locks.unlock(key)

	cur, ok := get(s, s.rates, key)
	if !ok {
		cur = domain.RateCounter{Category: category, ActorKey: actorKey}
	}
	next, allowed := cur.Hit(now, limit, window)

	s.mu.Lock()
	s.rates[key] = next
	s.mu.Unlock()
	return next, allowed, nil
}

func (s *Store) Reset(_ context.Context, category domain.RateCategory, actorKey string) error {
	key := rateKey(category, actorKey)
	s.locks.lock(key)
	defer s.locks.unlock(key)

	s.mu.Lock()
	delete(s.rates, key)
	s.mu.Unlock()
	return nil
}
