package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketbridge/haggle/internal/domain"
)

type QRRepository struct {
	db
}

func NewQRRepository(pool *pgxpool.Pool) *QRRepository {
	return &QRRepository{db{pool: pool}}
}

func (r *QRRepository) CreateQRSession(ctx context.Context, s domain.QRSession) error {
	const stmt = `
INSERT INTO qr_sessions (token, issuer_party_id, target_party_id, payload, status, expires_at, created_at, claimed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.exec(ctx, stmt,
		s.Token,
		s.IssuerPartyID,
		nullable(s.TargetPartyID),
		s.Payload,
		s.Status,
		s.ExpiresAt,
		s.CreatedAt,
		s.ClaimedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create qr session: duplicate token")
		}
		return fmt.Errorf("create qr session: %w", err)
	}
	return nil
}

func (r *QRRepository) GetQRSession(ctx context.Context, token string) (domain.QRSession, error) {
	const query = `
SELECT token, issuer_party_id, target_party_id, payload, status, expires_at, created_at, claimed_at
FROM qr_sessions
WHERE token = $1`
	var (
		s      domain.QRSession
		target *string
	)
	err := r.queryRow(ctx, query, token).Scan(
		&s.Token,
		&s.IssuerPartyID,
		&target,
		&s.Payload,
		&s.Status,
		&s.ExpiresAt,
		&s.CreatedAt,
		&s.ClaimedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.QRSession{}, domain.ErrQRSessionNotFound
		}
		return domain.QRSession{}, fmt.Errorf("get qr session: %w", err)
	}
	s.TargetPartyID = deref(target)
	return s, nil
}

// SwapQRSession is a compare-and-set on status: the row is only rewritten
// while it still holds the expected status.
func (r *QRRepository) SwapQRSession(ctx context.Context, expected domain.QRStatus, next domain.QRSession) (bool, error) {
	const stmt = `
UPDATE qr_sessions
SET status = $3, target_party_id = $4, claimed_at = $5
WHERE token = $1 AND status = $2`
	tag, err := r.exec(ctx, stmt, next.Token, expected, next.Status, nullable(next.TargetPartyID), next.ClaimedAt)
	if err != nil {
		return false, fmt.Errorf("swap qr session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM qr_sessions WHERE token = $1)`, next.Token).Scan(&exists); err != nil {
		return false, fmt.Errorf("check qr session: %w", err)
	}
	if !exists {
		return false, domain.ErrQRSessionNotFound
	}
	return false, nil
}
