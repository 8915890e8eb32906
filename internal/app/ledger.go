package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketbridge/haggle/internal/clock"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/sirupsen/logrus"
)

// LedgerRepository stores products and their reservations. Reservations of a
// product are only created or deleted while that product is locked with
// GetProductForUpdate inside WithTx.
type LedgerRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateProduct(ctx context.Context, product domain.Product) error
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductForUpdate(ctx context.Context, productID string) (domain.Product, error)
	UpdateProductStock(ctx context.Context, product domain.Product) error
	CreateReservation(ctx context.Context, res domain.Reservation) error
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	DeleteReservation(ctx context.Context, reservationID string) error
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

type Ledger struct {
	repo       LedgerRepository
	clock      clock.Clock
	logger     logrus.FieldLogger
	sweepBatch int
}

const defaultSweepBatch = 100

func NewLedger(repo LedgerRepository, clk clock.Clock, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		repo:       repo,
		clock:      clk,
		logger:     logrus.StandardLogger(),
		sweepBatch: defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type LedgerOption func(*Ledger)

func WithLedgerLogger(logger logrus.FieldLogger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLedgerSweepBatch bounds how many reservations one sweep query loads.
func WithLedgerSweepBatch(n int) LedgerOption {
	return func(l *Ledger) {
		if n > 0 {
			l.sweepBatch = n
		}
	}
}

type CreateProductInput struct {
	Name              string
	QuantityAvailable int
}

func (l *Ledger) CreateProduct(ctx context.Context, in CreateProductInput) (domain.Product, error) {
	if in.Name == "" {
		return domain.Product{}, domain.ErrProductNameRequired
	}
	if in.QuantityAvailable < 0 {
		return domain.Product{}, domain.ErrInvalidQuantity
	}

	now := l.clock.Now()
	product := domain.Product{
		ID:                newID(),
		Name:              in.Name,
		QuantityAvailable: in.QuantityAvailable,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := l.repo.CreateProduct(ctx, product); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (l *Ledger) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if productID == "" {
		return domain.Product{}, domain.ErrInvalidID
	}
	return l.repo.GetProduct(ctx, productID)
}

func (l *Ledger) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return l.repo.ListProducts(ctx)
}

// Restock adds delta units to a product's available quantity.
func (l *Ledger) Restock(ctx context.Context, productID string, delta int) (domain.Product, error) {
	if delta <= 0 {
		return domain.Product{}, domain.ErrInvalidQuantity
	}

	var result domain.Product
	err := l.repo.WithTx(ctx, func(txCtx context.Context) error {
		product, err := l.repo.GetProductForUpdate(txCtx, productID)
		if err != nil {
			return err
		}
		product.QuantityAvailable += delta
		product.UpdatedAt = l.clock.Now()
		if err := l.repo.UpdateProductStock(txCtx, product); err != nil {
			return err
		}
		result = product
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return result, nil
}

type ReserveInput struct {
	ProductID string
	Quantity  int
	HolderID  string
	TTL       time.Duration
}

// Reserve holds Quantity units of a product for HolderID until now+TTL.
func (l *Ledger) Reserve(ctx context.Context, in ReserveInput) (domain.Reservation, error) {
	if in.Quantity <= 0 {
		return domain.Reservation{}, domain.ErrInvalidQuantity
	}
	if in.ProductID == "" || in.HolderID == "" {
		return domain.Reservation{}, domain.ErrInvalidID
	}
	if in.TTL <= 0 {
		return domain.Reservation{}, fmt.Errorf("reserve: non-positive ttl %s", in.TTL)
	}

	now := l.clock.Now()
	var result domain.Reservation

	err := l.repo.WithTx(ctx, func(txCtx context.Context) error {
		product, err := l.repo.GetProductForUpdate(txCtx, in.ProductID)
		if err != nil {
			return err
		}
		if product.Free() < in.Quantity {
			return domain.ErrInsufficientStock
		}

		product.QuantityReserved += in.Quantity
		product.UpdatedAt = now
		if err := l.repo.UpdateProductStock(txCtx, product); err != nil {
			return err
		}

		res := domain.Reservation{
			ID:        newID(),
			ProductID: in.ProductID,
			Quantity:  in.Quantity,
			HolderID:  in.HolderID,
			ExpiresAt: now.Add(in.TTL),
			CreatedAt: now,
		}
		if err := l.repo.CreateReservation(txCtx, res); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	l.logger.WithFields(logrus.Fields{
		"reservation_id": result.ID,
		"product_id":     result.ProductID,
		"holder_id":      result.HolderID,
		"quantity":       result.Quantity,
	}).Debug("stock reserved")
	return result, nil
}

// Release returns the reserved units to the free pool. Unknown or already
// released reservations are a no-op.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	released := false
	err := l.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		released, err = l.settle(txCtx, reservationID, false)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrReservationNotFound) {
			return nil
		}
		return err
	}
	if released {
		l.logger.WithField("reservation_id", reservationID).Debug("reservation released")
	}
	return nil
}

// Commit turns a reservation into a permanent deduction. It fails with
// ErrReservationNotFound when the reservation was already released, swept,
// or is past ExpiresAt; an expired reservation is released on the way out.
// Callers must re-check stock before retrying.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return domain.ErrReservationNotFound
	}
	now := l.clock.Now()
	expired := false
	err := l.repo.WithTx(ctx, func(txCtx context.Context) error {
		res, err := l.repo.GetReservation(txCtx, reservationID)
		if err != nil {
			return err
		}
		if res.Expired(now) {
			expired = true
			_, err = l.settle(txCtx, reservationID, false)
			return err
		}
		_, err = l.settle(txCtx, reservationID, true)
		return err
	})
	if err != nil {
		return err
	}
	if expired {
		l.logger.WithField("reservation_id", reservationID).Debug("expired reservation released on commit")
		return domain.ErrReservationNotFound
	}
	l.logger.WithField("reservation_id", reservationID).Debug("reservation committed")
	return nil
}

// settle removes a reservation under its product's lock, either returning the
// units (release) or deducting them (commit). Must run inside WithTx.
func (l *Ledger) settle(ctx context.Context, reservationID string, commit bool) (bool, error) {
	res, err := l.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	product, err := l.repo.GetProductForUpdate(ctx, res.ProductID)
	if err != nil {
		return false, err
	}
	// Re-read under the product lock: a concurrent release may have won.
	res, err = l.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}

	product.QuantityReserved -= res.Quantity
	if commit {
		product.QuantityAvailable -= res.Quantity
	}
	if !product.Valid() {
		return false, fmt.Errorf("settle reservation %s: stock invariant violated (available=%d reserved=%d)",
			reservationID, product.QuantityAvailable, product.QuantityReserved)
	}
	product.UpdatedAt = l.clock.Now()

	if err := l.repo.UpdateProductStock(ctx, product); err != nil {
		return false, err
	}
	if err := l.repo.DeleteReservation(ctx, reservationID); err != nil {
		return false, err
	}
	return true, nil
}

// SweepExpired releases every reservation whose ExpiresAt <= now and returns
// how many were released. Safe to run concurrently with itself.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	released := 0
	for {
		batch, err := l.repo.ListExpiredReservations(ctx, now, l.sweepBatch)
		if err != nil {
			return released, fmt.Errorf("list expired reservations: %w", err)
		}

		progress := 0
		for _, res := range batch {
			ok, err := l.sweepOne(ctx, res.ID, now)
			if err != nil {
				l.logger.WithError(err).WithField("reservation_id", res.ID).Warn("sweep reservation failed")
				continue
			}
			if ok {
				progress++
			}
		}
		released += progress

		if len(batch) < l.sweepBatch || progress == 0 {
			break
		}
	}

	if released > 0 {
		l.logger.WithField("count", released).Info("expired reservations released")
	}
	return released, nil
}

func (l *Ledger) sweepOne(ctx context.Context, reservationID string, now time.Time) (bool, error) {
	released := false
	err := l.repo.WithTx(ctx, func(txCtx context.Context) error {
		res, err := l.repo.GetReservation(txCtx, reservationID)
		if err != nil {
			return err
		}
		if !res.Expired(now) {
			return nil
		}
		released, err = l.settle(txCtx, reservationID, false)
		return err
	})
	if errors.Is(err, domain.ErrReservationNotFound) {
		return false, nil
	}
	return released, err
}
