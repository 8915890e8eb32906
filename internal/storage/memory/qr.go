package memory

import (
	"context"
	"fmt"

	"github.com/marketbridge/haggle/internal/domain"
)

func qrKey(token string) string { return "qr:" + token }

func (s *Store) CreateQRSession(ctx context.Context, session domain.QRSession) error {
	if _, exists := get(s, s.qrSessions, session.Token); exists {
		return fmt.Errorf("create qr session: duplicate token")
	}
	put(ctx, s, s.qrSessions, session.Token, session)
	return nil
}

func (s *Store) GetQRSession(_ context.Context, token string) (domain.QRSession, error) {
	session, ok := get(s, s.qrSessions, token)
	if !ok {
		return domain.QRSession{}, domain.ErrQRSessionNotFound
	}
	return session, nil
}

func (s *Store) SwapQRSession(ctx context.Context, expected domain.QRStatus, next domain.QRSession) (bool, error) {
	key := qrKey(next.Token)
	s.locks.lock(key)
	defer s.locks.unlock(key)

	cur, ok := get(s, s.qrSessions, next.Token)
	if !ok {
		return false, domain.ErrQRSessionNotFound
	}
	if cur.Status != expected {
		return false, nil
	}
	put(ctx, s, s.qrSessions, next.Token, next)
	return true, nil
}
