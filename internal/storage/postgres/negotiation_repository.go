package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/shopspring/decimal"
)

type NegotiationRepository struct {
	db
}

func NewNegotiationRepository(pool *pgxpool.Pool) *NegotiationRepository {
	return &NegotiationRepository{db{pool: pool}}
}

// CreateNegotiation inserts the negotiation together with its opening bids.
func (r *NegotiationRepository) CreateNegotiation(ctx context.Context, n domain.Negotiation) error {
	return r.WithTx(ctx, func(txCtx context.Context) error {
		const stmt = `
INSERT INTO negotiations (id, customer_id, vendor_id, product_id, status, final_price, reservation_id, expires_at, created_at, updated_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)`
		_, err := r.exec(txCtx, stmt,
			n.ID,
			n.CustomerID,
			n.VendorID,
			n.ProductID,
			n.Status,
			priceArg(n.FinalPrice),
			nullable(n.ReservationID),
			n.ExpiresAt,
			n.CreatedAt,
			n.UpdatedAt,
			n.ResolvedAt,
		)
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			if isForeignKeyViolation(err) {
				return domain.ErrProductNotFound
			}
			if isCheckViolation(err) {
				return domain.ErrInvalidBid
			}
			return fmt.Errorf("create negotiation: %w", err)
		}
		for _, bid := range n.Bids {
			if err := r.AppendBid(txCtx, bid); err != nil {
				return err
			}
		}
		return nil
	})
}

const negotiationColumns = `id, customer_id, vendor_id, product_id, status, final_price::text, reservation_id, expires_at, created_at, updated_at, resolved_at`

func (r *NegotiationRepository) GetNegotiation(ctx context.Context, negotiationID string) (domain.Negotiation, error) {
	return r.getNegotiation(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1`, negotiationID)
}

func (r *NegotiationRepository) GetNegotiationForUpdate(ctx context.Context, negotiationID string) (domain.Negotiation, error) {
	return r.getNegotiation(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1 FOR UPDATE`, negotiationID)
}

func (r *NegotiationRepository) getNegotiation(ctx context.Context, query, negotiationID string) (domain.Negotiation, error) {
	var (
		n             domain.Negotiation
		finalPrice    *string
		reservationID *string
	)
	err := r.queryRow(ctx, query, negotiationID).Scan(
		&n.ID,
		&n.CustomerID,
		&n.VendorID,
		&n.ProductID,
		&n.Status,
		&finalPrice,
		&reservationID,
		&n.ExpiresAt,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.ResolvedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Negotiation{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Negotiation{}, domain.ErrNegotiationNotFound
		}
		return domain.Negotiation{}, fmt.Errorf("get negotiation: %w", err)
	}
	n.ReservationID = deref(reservationID)
	if finalPrice != nil {
		price, err := decimal.NewFromString(*finalPrice)
		if err != nil {
			return domain.Negotiation{}, fmt.Errorf("parse final price: %w", err)
		}
		n.FinalPrice = &price
	}

	n.Bids, err = r.listBids(ctx, n.ID)
	if err != nil {
		return domain.Negotiation{}, err
	}
	return n, nil
}

func (r *NegotiationRepository) listBids(ctx context.Context, negotiationID string) ([]domain.Bid, error) {
	const query = `
SELECT negotiation_id, sequence_number, bidder_role, bidder_id, amount::text, created_at
FROM bids
WHERE negotiation_id = $1
ORDER BY sequence_number ASC`
	rows, err := r.query(ctx, query, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer rows.Close()

	var bids []domain.Bid
	for rows.Next() {
		var (
			bid    domain.Bid
			amount string
		)
		if err := rows.Scan(&bid.NegotiationID, &bid.SequenceNumber, &bid.BidderRole, &bid.BidderID, &amount, &bid.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		if bid.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse bid amount: %w", err)
		}
		bids = append(bids, bid)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate bids: %w", rows.Err())
	}
	return bids, nil
}

// AppendBid only accepts the next sequence number for the negotiation; the
// primary key on (negotiation_id, sequence_number) rejects duplicates.
func (r *NegotiationRepository) AppendBid(ctx context.Context, bid domain.Bid) error {
	const stmt = `
INSERT INTO bids (negotiation_id, sequence_number, bidder_role, bidder_id, amount, created_at)
SELECT $1, $2, $3, $4, $5::numeric, $6
WHERE $2 = (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM bids WHERE negotiation_id = $1)`
	tag, err := r.exec(ctx, stmt,
		bid.NegotiationID,
		bid.SequenceNumber,
		bid.BidderRole,
		bid.BidderID,
		bid.Amount.String(),
		bid.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return domain.ErrNegotiationNotFound
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("append bid: sequence %d already taken", bid.SequenceNumber)
		}
		if isCheckViolation(err) {
			return domain.ErrInvalidBid
		}
		return fmt.Errorf("append bid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("append bid: sequence %d is not next", bid.SequenceNumber)
	}
	return nil
}

// UpdateNegotiation writes the mutable columns. Bids are untouched.
func (r *NegotiationRepository) UpdateNegotiation(ctx context.Context, n domain.Negotiation) error {
	const stmt = `
UPDATE negotiations
SET status = $2, final_price = $3::numeric, reservation_id = $4, expires_at = $5, updated_at = $6, resolved_at = $7
WHERE id = $1`
	tag, err := r.exec(ctx, stmt,
		n.ID,
		n.Status,
		priceArg(n.FinalPrice),
		nullable(n.ReservationID),
		n.ExpiresAt,
		n.UpdatedAt,
		n.ResolvedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isCheckViolation(err) {
			return fmt.Errorf("update negotiation %s: %w", n.ID, err)
		}
		return fmt.Errorf("update negotiation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNegotiationNotFound
	}
	return nil
}

func (r *NegotiationRepository) ListOverdueNegotiations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
SELECT id
FROM negotiations
WHERE status IN ('OPEN', 'ACTIVE') AND expires_at <= $1
ORDER BY expires_at ASC
LIMIT NULLIF($2::int, 0)`
	rows, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue negotiations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan negotiation id: %w", err)
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate negotiation ids: %w", rows.Err())
	}
	return ids, nil
}

func priceArg(p *decimal.Decimal) *string {
	if p == nil {
		return nil
	}
	s := p.String()
	return &s
}
