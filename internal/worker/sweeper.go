// Package worker runs the periodic maintenance that keeps expired
// negotiations and reservations from holding stock.
package worker

import (
	"context"
	"time"

	"github.com/marketbridge/haggle/internal/clock"
	"github.com/sirupsen/logrus"
)

type NegotiationExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

type ReservationSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type Sweeper struct {
	negotiations NegotiationExpirer
	reservations ReservationSweeper
	clock        clock.Clock
	interval     time.Duration
	logger       logrus.FieldLogger
}

func NewSweeper(n NegotiationExpirer, r ReservationSweeper, clk clock.Clock, interval time.Duration, logger logrus.FieldLogger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sweeper{negotiations: n, reservations: r, clock: clk, interval: interval, logger: logger}
}

// Result counts what one pass changed.
type Result struct {
	Negotiations int
	Reservations int
}

// RunOnce expires overdue negotiations first, so their reservations are
// released with them, then sweeps reservations nobody references anymore.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	now := s.clock.Now()
	var res Result

	n, err := s.negotiations.ExpireStale(ctx, now)
	res.Negotiations = n
	if err != nil {
		return res, err
	}
	r, err := s.reservations.SweepExpired(ctx, now)
	res.Reservations = r
	return res, err
}

// Run sweeps every interval until ctx is cancelled. Failed passes are logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval.String()).Info("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("sweep failed")
				continue
			}
			if res.Negotiations > 0 || res.Reservations > 0 {
				s.logger.WithFields(logrus.Fields{
					"negotiations": res.Negotiations,
					"reservations": res.Reservations,
				}).Info("sweep finished")
			}
		}
	}
}
