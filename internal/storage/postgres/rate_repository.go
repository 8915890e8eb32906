package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketbridge/haggle/internal/domain"
)

// RateCounterRepository keeps fixed-window counters in rate_counters. Each
// hit locks the counter row for its read-modify-write.
type RateCounterRepository struct {
	db
}

func NewRateCounterRepository(pool *pgxpool.Pool) *RateCounterRepository {
	return &RateCounterRepository{db{pool: pool}}
}

func (r *RateCounterRepository) Hit(ctx context.Context, category domain.RateCategory, actorKey string, limit int, window time.Duration, now time.Time) (domain.RateCounter, bool, error) {
	var (
		next    domain.RateCounter
		allowed bool
	)
	err := r.WithTx(ctx, func(txCtx context.Context) error {
		const ensure = `
INSERT INTO rate_counters (category, actor_key, count, window_start, window_ms, limit_count)
VALUES ($1, $2, 0, $3, $4, $5)
ON CONFLICT (category, actor_key) DO NOTHING`
		if _, err := r.exec(txCtx, ensure, category, actorKey, now, window.Milliseconds(), limit); err != nil {
			return fmt.Errorf("ensure rate counter: %w", err)
		}

		const lock = `
SELECT count, window_start
FROM rate_counters
WHERE category = $1 AND actor_key = $2
FOR UPDATE`
		cur := domain.RateCounter{Category: category, ActorKey: actorKey}
		if err := r.queryRow(txCtx, lock, category, actorKey).Scan(&cur.Count, &cur.WindowStart); err != nil {
			return fmt.Errorf("lock rate counter: %w", err)
		}

		next, allowed = cur.Hit(now, limit, window)

		const update = `
UPDATE rate_counters
SET count = $3, window_start = $4, window_ms = $5, limit_count = $6
WHERE category = $1 AND actor_key = $2`
		if _, err := r.exec(txCtx, update, category, actorKey, next.Count, next.WindowStart, window.Milliseconds(), limit); err != nil {
			return fmt.Errorf("update rate counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.RateCounter{}, false, err
	}
	return next, allowed, nil
}

func (r *RateCounterRepository) Reset(ctx context.Context, category domain.RateCategory, actorKey string) error {
	if _, err := r.exec(ctx, `DELETE FROM rate_counters WHERE category = $1 AND actor_key = $2`, category, actorKey); err != nil {
		return fmt.Errorf("reset rate counter: %w", err)
	}
	return nil
}
