package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/marketbridge/haggle/internal/clock"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

// QRRepository stores QR sessions. SwapQRSession replaces the stored session
// with next only if its current status equals expected, atomically.
type QRRepository interface {
	CreateQRSession(ctx context.Context, session domain.QRSession) error
	GetQRSession(ctx context.Context, token string) (domain.QRSession, error)
	SwapQRSession(ctx context.Context, expected domain.QRStatus, next domain.QRSession) (bool, error)
}

// NegotiationStarter opens a negotiation after a successful claim.
type NegotiationStarter interface {
	CreateNegotiation(ctx context.Context, in CreateNegotiationInput) (domain.Negotiation, error)
}

type QRService struct {
	repo     QRRepository
	clock    clock.Clock
	ttl      time.Duration
	baseURL  string
	starter  NegotiationStarter
	admitter Admitter
	events   EventPublisher
	logger   logrus.FieldLogger
	// dead caches sessions in terminal states; they never change again.
	dead *lru.Cache
}

// MaxQRTTL bounds the lifetime a caller may request for a token.
const MaxQRTTL = 7 * 24 * time.Hour

const (
	defaultQRTTL       = 5 * time.Minute
	defaultQRBaseURL   = "haggle://qr"
	defaultQRCacheSize = 4096
	maxClaimAttempts   = 3
)

func NewQRService(repo QRRepository, clk clock.Clock, opts ...QRServiceOption) *QRService {
	svc := &QRService{
		repo:    repo,
		clock:   clk,
		ttl:     defaultQRTTL,
		baseURL: defaultQRBaseURL,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.dead == nil {
		svc.dead, _ = lru.New(defaultQRCacheSize)
	}
	return svc
}

type QRServiceOption func(*QRService)

// WithQRTTL overrides the default lifetime of issued tokens.
func WithQRTTL(d time.Duration) QRServiceOption {
	return func(s *QRService) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithQRClaimBaseURL sets the prefix of the URI encoded into the QR image.
func WithQRClaimBaseURL(base string) QRServiceOption {
	return func(s *QRService) {
		if base != "" {
			s.baseURL = strings.TrimRight(base, "/")
		}
	}
}

func WithQRNegotiationStarter(starter NegotiationStarter) QRServiceOption {
	return func(s *QRService) {
		s.starter = starter
	}
}

func WithQRAdmitter(a Admitter) QRServiceOption {
	return func(s *QRService) {
		s.admitter = a
	}
}

func WithQREvents(p EventPublisher) QRServiceOption {
	return func(s *QRService) {
		s.events = p
	}
}

func WithQRCacheSize(n int) QRServiceOption {
	return func(s *QRService) {
		if n > 0 {
			s.dead, _ = lru.New(n)
		}
	}
}

func WithQRLogger(logger logrus.FieldLogger) QRServiceOption {
	return func(s *QRService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type IssueQRInput struct {
	IssuerPartyID string
	Payload       domain.QRPayload
	// TTL falls back to the service default when zero.
	TTL time.Duration
}

// IssuedQR carries what a client needs to render the code.
type IssuedQR struct {
	Session  domain.QRSession
	ClaimURI string
}

func (s *QRService) Issue(ctx context.Context, in IssueQRInput) (IssuedQR, error) {
	if in.IssuerPartyID == "" {
		return IssuedQR{}, domain.ErrInvalidID
	}
	payload, err := normalizePayload(in.Payload)
	if err != nil {
		return IssuedQR{}, err
	}
	ttl := in.TTL
	if ttl < 0 || ttl > MaxQRTTL {
		return IssuedQR{}, fmt.Errorf("%w: ttl must be between 0 and %s", domain.ErrInvalidPayload, MaxQRTTL)
	}
	if ttl == 0 {
		ttl = s.ttl
	}

	token, err := newToken()
	if err != nil {
		return IssuedQR{}, err
	}
	now := s.clock.Now()
	session := domain.QRSession{
		Token:         token,
		IssuerPartyID: in.IssuerPartyID,
		Payload:       payload,
		Status:        domain.QRStatusPending,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	if err := s.repo.CreateQRSession(ctx, session); err != nil {
		return IssuedQR{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"issuer":      in.IssuerPartyID,
		"product_id":  payload.ProductID,
		"source_lang": payload.SourceLang,
		"target_lang": payload.TargetLang,
		"expires_at":  session.ExpiresAt,
	}).Info("qr session issued")
	return IssuedQR{Session: session, ClaimURI: s.baseURL + "/" + token}, nil
}

// Validate reports whether token is currently claimable without changing it.
// The returned error names the reason when it is not.
func (s *QRService) Validate(ctx context.Context, token string) (domain.QRSession, error) {
	if session, ok := s.cached(token); ok {
		return session, statusError(session.Status)
	}
	session, err := s.load(ctx, token)
	if err != nil {
		return domain.QRSession{}, err
	}
	if session.Claimable(s.clock.Now()) {
		return session, nil
	}
	if session.Status.Terminal() {
		s.remember(session)
		return session, statusError(session.Status)
	}
	return session, domain.ErrTokenExpired
}

// ClaimResult is the claimed session and, when the payload asked for one,
// the negotiation opened for it.
type ClaimResult struct {
	Session     domain.QRSession
	Negotiation *domain.Negotiation
}

// Claim binds targetPartyID to a pending token. Exactly one caller succeeds
// per token; the rest get ErrAlreadyClaimed. The issuer cannot claim its own
// token. The claimant's negotiation quota is charged here, so a negotiation
// opened from the claim is not charged again.
func (s *QRService) Claim(ctx context.Context, token, targetPartyID string) (ClaimResult, error) {
	if targetPartyID == "" {
		return ClaimResult{}, domain.ErrInvalidID
	}
	if s.admitter != nil {
		if err := s.admitter.Admit(ctx, domain.RateCategoryNegotiation, targetPartyID); err != nil {
			return ClaimResult{}, err
		}
	}
	if session, ok := s.cached(token); ok {
		return ClaimResult{}, statusError(session.Status)
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		session, err := s.load(ctx, token)
		if err != nil {
			return ClaimResult{}, err
		}

		now := s.clock.Now()
		if !session.Claimable(now) {
			if session.Status.Terminal() {
				s.remember(session)
				return ClaimResult{}, statusError(session.Status)
			}
			next := session
			next.Status = domain.QRStatusExpired
			swapped, err := s.repo.SwapQRSession(ctx, domain.QRStatusPending, next)
			if err != nil {
				return ClaimResult{}, err
			}
			if !swapped {
				continue
			}
			s.remember(next)
			return ClaimResult{}, domain.ErrTokenExpired
		}
		if session.IssuerPartyID == targetPartyID {
			return ClaimResult{}, fmt.Errorf("%w: issuer cannot claim its own token", domain.ErrNotParticipant)
		}

		next := session
		next.Status = domain.QRStatusClaimed
		next.TargetPartyID = targetPartyID
		next.ClaimedAt = &now
		swapped, err := s.repo.SwapQRSession(ctx, domain.QRStatusPending, next)
		if err != nil {
			return ClaimResult{}, err
		}
		if !swapped {
			continue
		}
		s.remember(next)
		return s.afterClaim(ctx, next)
	}
	return ClaimResult{}, domain.ErrAlreadyClaimed
}

func (s *QRService) afterClaim(ctx context.Context, session domain.QRSession) (ClaimResult, error) {
	s.logger.WithFields(logrus.Fields{
		"issuer": session.IssuerPartyID,
		"target": session.TargetPartyID,
	}).Info("qr session claimed")
	if s.events != nil {
		event := domain.Event{
			ID:          newID(),
			Type:        domain.EventQRClaimed,
			AggregateID: session.Payload.ProductID,
			OccurredAt:  *session.ClaimedAt,
			Attributes: map[string]string{
				"issuer": session.IssuerPartyID,
				"target": session.TargetPartyID,
			},
		}
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.WithError(err).Warn("publish qr claimed event failed")
		}
	}

	result := ClaimResult{Session: session}
	p := session.Payload
	if s.starter == nil || p.ProductID == "" || p.NegotiationID != "" || p.AskingPrice == nil {
		return result, nil
	}

	// The claim stands even if the negotiation cannot be opened.
	n, err := s.starter.CreateNegotiation(ctx, CreateNegotiationInput{
		CustomerID: session.TargetPartyID,
		VendorID:   session.IssuerPartyID,
		ProductID:  p.ProductID,
		ActorID:    session.IssuerPartyID,
		BidderRole: domain.RoleVendor,
		Amount:     *p.AskingPrice,
		Admitted:   true,
	})
	if err != nil {
		return result, fmt.Errorf("start negotiation: %w", err)
	}
	result.Negotiation = &n
	return result, nil
}

// Invalidate lets the issuer revoke a token that has not been claimed.
func (s *QRService) Invalidate(ctx context.Context, token, issuerPartyID string) (domain.QRSession, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		session, err := s.load(ctx, token)
		if err != nil {
			return domain.QRSession{}, err
		}
		if session.IssuerPartyID != issuerPartyID {
			return domain.QRSession{}, domain.ErrNotParticipant
		}
		if session.Status.Terminal() {
			s.remember(session)
			return session, statusError(session.Status)
		}
		next := session
		next.Status = domain.QRStatusInvalid
		swapped, err := s.repo.SwapQRSession(ctx, domain.QRStatusPending, next)
		if err != nil {
			return domain.QRSession{}, err
		}
		if swapped {
			s.remember(next)
			s.logger.WithField("issuer", issuerPartyID).Info("qr session invalidated")
			return next, nil
		}
	}
	return domain.QRSession{}, domain.ErrAlreadyClaimed
}

func (s *QRService) load(ctx context.Context, token string) (domain.QRSession, error) {
	if token == "" {
		return domain.QRSession{}, domain.ErrTokenInvalid
	}
	session, err := s.repo.GetQRSession(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.QRSession{}, domain.ErrTokenInvalid
		}
		return domain.QRSession{}, err
	}
	return session, nil
}

func (s *QRService) cached(token string) (domain.QRSession, bool) {
	v, ok := s.dead.Get(token)
	if !ok {
		return domain.QRSession{}, false
	}
	session, ok := v.(domain.QRSession)
	return session, ok
}

func (s *QRService) remember(session domain.QRSession) {
	if session.Status.Terminal() {
		s.dead.Add(session.Token, session)
	}
}

func statusError(status domain.QRStatus) error {
	switch status {
	case domain.QRStatusPending:
		return nil
	case domain.QRStatusClaimed:
		return domain.ErrAlreadyClaimed
	default:
		return domain.ErrTokenInvalid
	}
}

func normalizePayload(p domain.QRPayload) (domain.QRPayload, error) {
	if p.ProductID == "" && p.NegotiationID == "" {
		return domain.QRPayload{}, fmt.Errorf("%w: product_id or negotiation_id required", domain.ErrInvalidPayload)
	}
	if p.AskingPrice != nil && !p.AskingPrice.IsPositive() {
		return domain.QRPayload{}, fmt.Errorf("%w: asking_price must be positive", domain.ErrInvalidPayload)
	}
	src, err := language.Parse(p.SourceLang)
	if err != nil {
		return domain.QRPayload{}, fmt.Errorf("%w: source_lang: %v", domain.ErrInvalidPayload, err)
	}
	dst, err := language.Parse(p.TargetLang)
	if err != nil {
		return domain.QRPayload{}, fmt.Errorf("%w: target_lang: %v", domain.ErrInvalidPayload, err)
	}
	p.SourceLang = src.String()
	p.TargetLang = dst.String()
	return p, nil
}
