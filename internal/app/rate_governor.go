package app

import (
	"context"
	"fmt"
	"time"

	"github.com/marketbridge/haggle/internal/clock"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/sirupsen/logrus"
)

// RateCounterStore applies one hit to a (category, actor) counter as a single
// atomic read-modify-write.
type RateCounterStore interface {
	Hit(ctx context.Context, category domain.RateCategory, actorKey string, limit int, window time.Duration, now time.Time) (domain.RateCounter, bool, error)
	Reset(ctx context.Context, category domain.RateCategory, actorKey string) error
}

// RatePolicy is the quota for one category.
type RatePolicy struct {
	Limit  int
	Window time.Duration
}

// DefaultRatePolicies are used for categories the caller does not configure.
var DefaultRatePolicies = map[domain.RateCategory]RatePolicy{
	domain.RateCategoryAuth:        {Limit: 5, Window: 15 * time.Minute},
	domain.RateCategoryAPI:         {Limit: 100, Window: 15 * time.Minute},
	domain.RateCategoryVoice:       {Limit: 10, Window: time.Minute},
	domain.RateCategoryUpload:      {Limit: 20, Window: 15 * time.Minute},
	domain.RateCategoryNegotiation: {Limit: 30, Window: time.Minute},
	domain.RateCategoryPayment:     {Limit: 3, Window: time.Minute},
	domain.RateCategoryTranslation: {Limit: 50, Window: time.Minute},
}

// RateLimitError is returned by Admit when a quota is exhausted.
type RateLimitError struct {
	Category domain.RateCategory
	ActorKey string
	RetryAt  time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: category=%s actor=%s retry_at=%s", e.Category, e.ActorKey, e.RetryAt.Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error {
	return domain.ErrRateLimited
}

type RateGovernor struct {
	store    RateCounterStore
	clock    clock.Clock
	policies map[domain.RateCategory]RatePolicy
	logger   logrus.FieldLogger
}

func NewRateGovernor(store RateCounterStore, clk clock.Clock, opts ...RateGovernorOption) *RateGovernor {
	g := &RateGovernor{
		store:    store,
		clock:    clk,
		policies: make(map[domain.RateCategory]RatePolicy, len(DefaultRatePolicies)),
		logger:   logrus.StandardLogger(),
	}
	for category, policy := range DefaultRatePolicies {
		g.policies[category] = policy
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type RateGovernorOption func(*RateGovernor)

// WithRatePolicy overrides the quota of a single category.
func WithRatePolicy(category domain.RateCategory, policy RatePolicy) RateGovernorOption {
	return func(g *RateGovernor) {
		if policy.Limit > 0 && policy.Window > 0 {
			g.policies[category] = policy
		}
	}
}

func WithRateGovernorLogger(logger logrus.FieldLogger) RateGovernorOption {
	return func(g *RateGovernor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Policy returns the configured quota for category.
func (g *RateGovernor) Policy(category domain.RateCategory) (RatePolicy, bool) {
	p, ok := g.policies[category]
	return p, ok
}

// Allow counts one request for (category, actorKey) and reports whether it
// is within limit for the current window.
func (g *RateGovernor) Allow(ctx context.Context, category domain.RateCategory, actorKey string, limit int, window time.Duration) (bool, error) {
	_, ok, err := g.hit(ctx, category, actorKey, limit, window)
	return ok, err
}

func (g *RateGovernor) hit(ctx context.Context, category domain.RateCategory, actorKey string, limit int, window time.Duration) (domain.RateCounter, bool, error) {
	if limit <= 0 || window <= 0 {
		return domain.RateCounter{}, false, domain.ErrInvalidRatePolicy
	}
	if category == "" || actorKey == "" {
		return domain.RateCounter{}, false, domain.ErrInvalidID
	}
	counter, ok, err := g.store.Hit(ctx, category, actorKey, limit, window, g.clock.Now())
	if err != nil {
		return domain.RateCounter{}, false, fmt.Errorf("rate counter hit: %w", err)
	}
	return counter, ok, nil
}

// Admit applies the configured policy for category. Categories without a
// policy are not limited.
func (g *RateGovernor) Admit(ctx context.Context, category domain.RateCategory, actorKey string) error {
	policy, ok := g.policies[category]
	if !ok {
		return nil
	}
	counter, allowed, err := g.hit(ctx, category, actorKey, policy.Limit, policy.Window)
	if err != nil {
		return err
	}
	if !allowed {
		g.logger.WithFields(logrus.Fields{
			"category": category,
			"actor":    actorKey,
			"limit":    policy.Limit,
			"window":   policy.Window.String(),
		}).Warn("rate limit exceeded")
		return &RateLimitError{Category: category, ActorKey: actorKey, RetryAt: counter.ResetAt()}
	}
	return nil
}

// Reset clears a counter. Missing counters are a no-op.
func (g *RateGovernor) Reset(ctx context.Context, category domain.RateCategory, actorKey string) error {
	if category == "" || actorKey == "" {
		return domain.ErrInvalidID
	}
	if err := g.store.Reset(ctx, category, actorKey); err != nil {
		return fmt.Errorf("rate counter reset: %w", err)
	}
	g.logger.WithFields(logrus.Fields{"category": category, "actor": actorKey}).Info("rate counter reset")
	return nil
}
