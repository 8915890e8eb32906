package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marketbridge/haggle/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) qr(opts ...QRServiceOption) *QRService {
	base := []QRServiceOption{
		WithQRLogger(quietLogger()),
		WithQREvents(h.events),
		WithQRTTL(5 * time.Minute),
	}
	return NewQRService(h.store, h.clock, append(base, opts...)...)
}

func issue(t *testing.T, svc *QRService, payload domain.QRPayload) domain.QRSession {
	t.Helper()
	issued, err := svc.Issue(context.Background(), IssueQRInput{IssuerPartyID: "vendor-1", Payload: payload})
	require.NoError(t, err)
	return issued.Session
}

func basicPayload() domain.QRPayload {
	return domain.QRPayload{ProductID: "p1", SourceLang: "hi", TargetLang: "en"}
}

func TestQRService_Issue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("issues pending token with claim uri", func(t *testing.T) {
		h := newHarness(t)
		svc := h.qr(WithQRClaimBaseURL("https://haggle.example/claim/"))

		issued, err := svc.Issue(ctx, IssueQRInput{IssuerPartyID: "vendor-1", Payload: domain.QRPayload{
			ProductID:  "p1",
			SourceLang: "ta-in",
			TargetLang: "EN",
		}})
		require.NoError(t, err)
		s := issued.Session
		assert.Equal(t, domain.QRStatusPending, s.Status)
		assert.Equal(t, testNow.Add(5*time.Minute), s.ExpiresAt)
		assert.Equal(t, "ta-IN", s.Payload.SourceLang)
		assert.Equal(t, "en", s.Payload.TargetLang)
		assert.GreaterOrEqual(t, len(s.Token), 43)
		assert.Equal(t, "https://haggle.example/claim/"+s.Token, issued.ClaimURI)
	})

	t.Run("tokens are unique", func(t *testing.T) {
		h := newHarness(t)
		svc := h.qr()
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			s := issue(t, svc, basicPayload())
			assert.False(t, seen[s.Token])
			seen[s.Token] = true
		}
	})

	t.Run("rejects bad payloads", func(t *testing.T) {
		h := newHarness(t)
		svc := h.qr()
		negative := decimal.NewFromInt(-1)
		cases := map[string]domain.QRPayload{
			"no subject":      {SourceLang: "en", TargetLang: "hi"},
			"bad language":    {ProductID: "p1", SourceLang: "not a tag!", TargetLang: "hi"},
			"negative asking": {ProductID: "p1", SourceLang: "en", TargetLang: "hi", AskingPrice: &negative},
		}
		for name, payload := range cases {
			_, err := svc.Issue(ctx, IssueQRInput{IssuerPartyID: "vendor-1", Payload: payload})
			assert.ErrorIs(t, err, domain.ErrInvalidPayload, name)
		}
		for _, ttl := range []time.Duration{-time.Second, MaxQRTTL + time.Second} {
			_, err := svc.Issue(ctx, IssueQRInput{IssuerPartyID: "vendor-1", Payload: basicPayload(), TTL: ttl})
			assert.ErrorIs(t, err, domain.ErrInvalidPayload, ttl.String())
		}
	})
}

func TestQRService_Validate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	svc := h.qr()
	s := issue(t, svc, basicPayload())

	got, err := svc.Validate(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.QRStatusPending, got.Status)

	_, err = svc.Validate(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)

	h.clock.Advance(5 * time.Minute)
	_, err = svc.Validate(ctx, s.Token)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)

	// Validate never writes.
	stored, err := h.store.GetQRSession(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.QRStatusPending, stored.Status)
}

func TestQRService_Claim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("second claim is refused", func(t *testing.T) {
		h := newHarness(t)
		svc := h.qr()
		s := issue(t, svc, basicPayload())

		res, err := svc.Claim(ctx, s.Token, "customer-1")
		require.NoError(t, err)
		assert.Equal(t, domain.QRStatusClaimed, res.Session.Status)
		assert.Equal(t, "customer-1", res.Session.TargetPartyID)
		require.NotNil(t, res.Session.ClaimedAt)
		assert.Nil(t, res.Negotiation)

		_, err = svc.Claim(ctx, s.Token, "customer-2")
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

		// A fresh service has no cache and must read the stored state.
		_, err = h.qr().Claim(ctx, s.Token, "customer-2")
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

		_, err = svc.Validate(ctx, s.Token)
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
		assert.Equal(t, []domain.EventType{domain.EventQRClaimed}, h.events.types())
	})

	t.Run("exactly one concurrent claimer wins", func(t *testing.T) {
		h := newHarness(t)
		svc := h.qr()
		s := issue(t, svc, basicPayload())

		const claimers = 30
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := 0; i < claimers; i++ {
			target := fmt.Sprintf("customer-%d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Claim(ctx, s.Token, target)
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
					return
				}
				mu.Lock()
				winners = append(winners, target)
				mu.Unlock()
			}()
		}
		wg.Wait()

		require.Len(t, winners, 1)
		stored, err := h.store.GetQRSession(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, winners[0], stored.TargetPartyID)
	})

	t.Run("expired token is marked expired", func(t *testing.T) {
		h := newHarness(t)
		svc := h.qr()
		s := issue(t, svc, basicPayload())

		h.clock.Advance(6 * time.Minute)
		_, err := svc.Claim(ctx, s.Token, "customer-1")
		assert.ErrorIs(t, err, domain.ErrTokenExpired)

		stored, err := h.store.GetQRSession(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.QRStatusExpired, stored.Status)

		_, err = svc.Claim(ctx, s.Token, "customer-1")
		assert.ErrorIs(t, err, domain.ErrTokenInvalid)
	})

	t.Run("unknown token", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.qr().Claim(ctx, "nope", "customer-1")
		assert.ErrorIs(t, err, domain.ErrTokenInvalid)
	})

	t.Run("claim with asking price opens a negotiation", func(t *testing.T) {
		h := newHarness(t)
		p := h.product(t, 1)
		negotiations := h.negotiations()
		svc := h.qr(WithQRNegotiationStarter(negotiations))
		asking := decimal.NewFromInt(200)
		s := issue(t, svc, domain.QRPayload{ProductID: p.ID, SourceLang: "hi", TargetLang: "en", AskingPrice: &asking})

		res, err := svc.Claim(ctx, s.Token, "customer-9")
		require.NoError(t, err)
		require.NotNil(t, res.Negotiation)
		n := *res.Negotiation
		assert.Equal(t, "customer-9", n.CustomerID)
		assert.Equal(t, "vendor-1", n.VendorID)
		require.Len(t, n.Bids, 1)
		assert.Equal(t, domain.RoleVendor, n.Bids[0].BidderRole)
		assert.True(t, n.Bids[0].Amount.Equal(asking))
		assert.Equal(t, 1, h.stock(t, p.ID).QuantityReserved)
	})

	t.Run("claim stands when negotiation cannot open", func(t *testing.T) {
		h := newHarness(t)
		p := h.product(t, 0)
		svc := h.qr(WithQRNegotiationStarter(h.negotiations()))
		asking := decimal.NewFromInt(200)
		s := issue(t, svc, domain.QRPayload{ProductID: p.ID, SourceLang: "hi", TargetLang: "en", AskingPrice: &asking})

		res, err := svc.Claim(ctx, s.Token, "customer-9")
		assert.ErrorIs(t, err, domain.ErrInsufficientStock)
		assert.Equal(t, domain.QRStatusClaimed, res.Session.Status)
		assert.Nil(t, res.Negotiation)
	})

	t.Run("rate limited claimer", func(t *testing.T) {
		h := newHarness(t)
		svc := h.qr(WithQRAdmitter(denyAdmitter{}))
		s := issue(t, svc, basicPayload())

		_, err := svc.Claim(ctx, s.Token, "customer-1")
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		stored, err := h.store.GetQRSession(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.QRStatusPending, stored.Status)
	})

	t.Run("issuer cannot claim its own token", func(t *testing.T) {
		h := newHarness(t)
		p := h.product(t, 1)
		svc := h.qr(WithQRNegotiationStarter(h.negotiations()))
		asking := decimal.NewFromInt(200)
		s := issue(t, svc, domain.QRPayload{ProductID: p.ID, SourceLang: "hi", TargetLang: "en", AskingPrice: &asking})

		_, err := svc.Claim(ctx, s.Token, "vendor-1")
		assert.ErrorIs(t, err, domain.ErrNotParticipant)
		stored, err := h.store.GetQRSession(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.QRStatusPending, stored.Status)

		res, err := svc.Claim(ctx, s.Token, "customer-1")
		require.NoError(t, err)
		assert.NotNil(t, res.Negotiation)
	})

	t.Run("claims are charged to the claimant, not the issuer", func(t *testing.T) {
		h := newHarness(t)
		p := h.product(t, 10)
		governor := NewRateGovernor(h.store, h.clock,
			WithRateGovernorLogger(quietLogger()),
			WithRatePolicy(domain.RateCategoryNegotiation, RatePolicy{Limit: 3, Window: time.Minute}),
		)
		svc := h.qr(
			WithQRAdmitter(governor),
			WithQRNegotiationStarter(h.negotiations(WithNegotiationAdmitter(governor))),
		)
		asking := decimal.NewFromInt(200)

		const claims = 5
		for i := 0; i < claims; i++ {
			s := issue(t, svc, domain.QRPayload{ProductID: p.ID, SourceLang: "hi", TargetLang: "en", AskingPrice: &asking})
			res, err := svc.Claim(ctx, s.Token, fmt.Sprintf("customer-%d", i))
			require.NoError(t, err, "claim %d", i)
			require.NotNil(t, res.Negotiation, "claim %d", i)
		}
		assert.Equal(t, claims, h.stock(t, p.ID).QuantityReserved)

		// The vendor still has its whole quota for its own bids.
		for i := 0; i < 3; i++ {
			require.NoError(t, governor.Admit(ctx, domain.RateCategoryNegotiation, "vendor-1"))
		}
		assert.ErrorIs(t, governor.Admit(ctx, domain.RateCategoryNegotiation, "vendor-1"), domain.ErrRateLimited)
	})
}

func TestQRService_Invalidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	svc := h.qr()
	s := issue(t, svc, basicPayload())

	_, err := svc.Invalidate(ctx, s.Token, "someone-else")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	got, err := svc.Invalidate(ctx, s.Token, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.QRStatusInvalid, got.Status)

	_, err = svc.Claim(ctx, s.Token, "customer-1")
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
	assert.NotContains(t, h.events.types(), domain.EventQRClaimed)
}
