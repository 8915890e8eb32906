package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/marketbridge/haggle/internal/domain"
)

func productKey(id string) string { return "product:" + id }

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) error {
	if _, exists := get(s, s.products, product.ID); exists {
		return fmt.Errorf("create product: duplicate id %s", product.ID)
	}
	if !product.Valid() {
		return domain.ErrInvalidQuantity
	}
	put(ctx, s, s.products, product.ID, product)
	return nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	p, ok := get(s, s.products, productID)
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetProductForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	s.lockFor(ctx, productKey(productID))
	return s.GetProduct(ctx, productID)
}

func (s *Store) UpdateProductStock(ctx context.Context, product domain.Product) error {
	if _, ok := get(s, s.products, product.ID); !ok {
		return domain.ErrProductNotFound
	}
	if !product.Valid() {
		return domain.ErrInsufficientStock
	}
	put(ctx, s, s.products, product.ID, product)
	return nil
}

func (s *Store) CreateReservation(ctx context.Context, res domain.Reservation) error {
	if _, exists := get(s, s.reservations, res.ID); exists {
		return fmt.Errorf("create reservation: duplicate id %s", res.ID)
	}
	put(ctx, s, s.reservations, res.ID, res)
	return nil
}

func (s *Store) GetReservation(_ context.Context, reservationID string) (domain.Reservation, error) {
	res, ok := get(s, s.reservations, reservationID)
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return res, nil
}

func (s *Store) DeleteReservation(ctx context.Context, reservationID string) error {
	if !remove(ctx, s, s.reservations, reservationID) {
		return domain.ErrReservationNotFound
	}
	return nil
}

func (s *Store) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	var out []domain.Reservation
	for _, res := range s.reservations {
		if res.Expired(now) {
			out = append(out, res)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
