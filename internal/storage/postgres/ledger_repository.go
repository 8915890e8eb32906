package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketbridge/haggle/internal/domain"
)

type LedgerRepository struct {
	db
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{db{pool: pool}}
}

const productColumns = `id, name, quantity_available, quantity_reserved, created_at, updated_at`

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.QuantityAvailable, &p.QuantityReserved, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *LedgerRepository) CreateProduct(ctx context.Context, product domain.Product) error {
	const stmt = `
INSERT INTO products (id, name, quantity_available, quantity_reserved, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.exec(ctx, stmt,
		product.ID,
		product.Name,
		product.QuantityAvailable,
		product.QuantityReserved,
		product.CreatedAt,
		product.UpdatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isCheckViolation(err) {
			return domain.ErrInvalidQuantity
		}
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

func (r *LedgerRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	return r.getProduct(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
}

func (r *LedgerRepository) GetProductForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	return r.getProduct(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID)
}

func (r *LedgerRepository) getProduct(ctx context.Context, query, productID string) (domain.Product, error) {
	p, err := scanProduct(r.queryRow(ctx, query, productID))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Product{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (r *LedgerRepository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.query(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate products: %w", rows.Err())
	}
	return products, nil
}

// UpdateProductStock writes both counters. The products_stock_bounds check
// rejects any write that would break 0 <= reserved <= available.
func (r *LedgerRepository) UpdateProductStock(ctx context.Context, product domain.Product) error {
	const stmt = `
UPDATE products
SET quantity_available = $2, quantity_reserved = $3, updated_at = $4
WHERE id = $1`
	tag, err := r.exec(ctx, stmt, product.ID, product.QuantityAvailable, product.QuantityReserved, product.UpdatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isCheckViolation(err) {
			return domain.ErrInsufficientStock
		}
		return fmt.Errorf("update product stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (r *LedgerRepository) CreateReservation(ctx context.Context, res domain.Reservation) error {
	const stmt = `
INSERT INTO reservations (id, product_id, quantity, holder_id, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.exec(ctx, stmt, res.ID, res.ProductID, res.Quantity, res.HolderID, res.ExpiresAt, res.CreatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return domain.ErrProductNotFound
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

const reservationColumns = `id, product_id, quantity, holder_id, expires_at, created_at`

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(&res.ID, &res.ProductID, &res.Quantity, &res.HolderID, &res.ExpiresAt, &res.CreatedAt)
	return res, err
}

func (r *LedgerRepository) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	res, err := scanReservation(r.queryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, reservationID))
	if err != nil {
		// A malformed id can never name a live reservation.
		if isInvalidUUID(err) || errors.Is(err, pgx.ErrNoRows) {
			return domain.Reservation{}, domain.ErrReservationNotFound
		}
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return res, nil
}

func (r *LedgerRepository) DeleteReservation(ctx context.Context, reservationID string) error {
	tag, err := r.exec(ctx, `DELETE FROM reservations WHERE id = $1`, reservationID)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrReservationNotFound
		}
		return fmt.Errorf("delete reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

func (r *LedgerRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	const query = `
SELECT ` + reservationColumns + `
FROM reservations
WHERE expires_at <= $1
ORDER BY expires_at ASC
LIMIT NULLIF($2::int, 0)`
	rows, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate reservations: %w", rows.Err())
	}
	return out, nil
}
