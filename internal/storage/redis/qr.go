package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marketbridge/haggle/internal/domain"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// swapScript replaces a session only while its status matches.
//
// KEYS[1] session key
// ARGV[1] expected status, ARGV[2] replacement JSON
// Returns 1 swapped, 0 status mismatch, -1 missing.
var swapScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return -1
end
local cur = cjson.decode(raw)
if cur['status'] ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return 1
`)

func (s *Store) qrKey(token string) string {
	return s.key("qr", token)
}

func (s *Store) CreateQRSession(ctx context.Context, session domain.QRSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "encode qr session")
	}
	ttl := session.ExpiresAt.Sub(session.CreatedAt) + s.qrRetention
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.qrKey(session.Token), raw, ttl).Result()
	if err != nil {
		return errors.Wrap(err, "store qr session")
	}
	if !ok {
		return errors.New("create qr session: duplicate token")
	}
	return nil
}

func (s *Store) GetQRSession(ctx context.Context, token string) (domain.QRSession, error) {
	raw, err := s.client.Get(ctx, s.qrKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.QRSession{}, domain.ErrQRSessionNotFound
		}
		return domain.QRSession{}, errors.Wrap(err, "load qr session")
	}
	var session domain.QRSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.QRSession{}, errors.Wrapf(err, "decode qr session")
	}
	return session, nil
}

func (s *Store) SwapQRSession(ctx context.Context, expected domain.QRStatus, next domain.QRSession) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, errors.Wrap(err, "encode qr session")
	}
	res, err := swapScript.Run(ctx, s.client, []string{s.qrKey(next.Token)}, string(expected), raw).Int()
	if err != nil {
		return false, errors.Wrap(err, "run qr swap script")
	}
	switch res {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, domain.ErrQRSessionNotFound
	}
}
