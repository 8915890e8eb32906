package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketbridge/haggle/internal/clock"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NegotiationRepository persists negotiations and their append-only bid
// history. GetNegotiationForUpdate locks the negotiation until the
// surrounding WithTx ends.
type NegotiationRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateNegotiation(ctx context.Context, n domain.Negotiation) error
	GetNegotiation(ctx context.Context, negotiationID string) (domain.Negotiation, error)
	GetNegotiationForUpdate(ctx context.Context, negotiationID string) (domain.Negotiation, error)
	AppendBid(ctx context.Context, bid domain.Bid) error
	UpdateNegotiation(ctx context.Context, n domain.Negotiation) error
	ListOverdueNegotiations(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// StockReserver is the slice of the Ledger the state machine drives.
type StockReserver interface {
	Reserve(ctx context.Context, in ReserveInput) (domain.Reservation, error)
	Release(ctx context.Context, reservationID string) error
	Commit(ctx context.Context, reservationID string) error
}

// Admitter gates a mutating call for an actor.
type Admitter interface {
	Admit(ctx context.Context, category domain.RateCategory, actorKey string) error
}

// EventPublisher receives domain events after their transaction committed.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

type NegotiationService struct {
	repo       NegotiationRepository
	stock      StockReserver
	clock      clock.Clock
	ttl        time.Duration
	quantity   int
	sweepBatch int
	admitter   Admitter
	events     EventPublisher
	logger     logrus.FieldLogger
}

const (
	defaultNegotiationTTL      = 30 * time.Minute
	defaultReservationQuantity = 1
)

func NewNegotiationService(repo NegotiationRepository, stock StockReserver, clk clock.Clock, opts ...NegotiationServiceOption) *NegotiationService {
	svc := &NegotiationService{
		repo:       repo,
		stock:      stock,
		clock:      clk,
		ttl:        defaultNegotiationTTL,
		quantity:   defaultReservationQuantity,
		sweepBatch: defaultSweepBatch,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type NegotiationServiceOption func(*NegotiationService)

// WithNegotiationTTL overrides how long a negotiation (and its reservation)
// stays open.
func WithNegotiationTTL(d time.Duration) NegotiationServiceOption {
	return func(s *NegotiationService) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithReservationQuantity sets the units held per negotiation.
func WithReservationQuantity(n int) NegotiationServiceOption {
	return func(s *NegotiationService) {
		if n > 0 {
			s.quantity = n
		}
	}
}

func WithNegotiationSweepBatch(n int) NegotiationServiceOption {
	return func(s *NegotiationService) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

func WithNegotiationAdmitter(a Admitter) NegotiationServiceOption {
	return func(s *NegotiationService) {
		s.admitter = a
	}
}

func WithNegotiationEvents(p EventPublisher) NegotiationServiceOption {
	return func(s *NegotiationService) {
		s.events = p
	}
}

func WithNegotiationLogger(logger logrus.FieldLogger) NegotiationServiceOption {
	return func(s *NegotiationService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type CreateNegotiationInput struct {
	CustomerID string
	VendorID   string
	ProductID  string
	// ActorID places the opening bid and must be the party for BidderRole.
	ActorID    string
	BidderRole domain.BidderRole
	Amount     decimal.Decimal
	// Admitted is set when the caller already charged this call to a quota.
	Admitted   bool
}

// CreateNegotiation opens a negotiation with its first bid and reserves stock
// for it.
func (s *NegotiationService) CreateNegotiation(ctx context.Context, in CreateNegotiationInput) (domain.Negotiation, error) {
	if in.CustomerID == "" || in.VendorID == "" || in.ProductID == "" {
		return domain.Negotiation{}, domain.ErrInvalidID
	}
	if in.CustomerID == in.VendorID {
		return domain.Negotiation{}, fmt.Errorf("%w: customer and vendor must differ", domain.ErrInvalidBid)
	}
	if err := validateBid(in.BidderRole, in.Amount); err != nil {
		return domain.Negotiation{}, err
	}
	n := domain.Negotiation{CustomerID: in.CustomerID, VendorID: in.VendorID}
	if in.ActorID != n.PartyFor(in.BidderRole) {
		return domain.Negotiation{}, domain.ErrNotParticipant
	}
	if !in.Admitted {
		if err := s.admit(ctx, in.ActorID); err != nil {
			return domain.Negotiation{}, err
		}
	}

	now := s.clock.Now()
	n = domain.Negotiation{
		ID:         newID(),
		CustomerID: in.CustomerID,
		VendorID:   in.VendorID,
		ProductID:  in.ProductID,
		Status:     domain.NegotiationStatusOpen,
		ExpiresAt:  now.Add(s.ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	n.Bids = []domain.Bid{{
		NegotiationID:  n.ID,
		SequenceNumber: 1,
		BidderRole:     in.BidderRole,
		BidderID:       in.ActorID,
		Amount:         in.Amount,
		CreatedAt:      now,
	}}

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.stock.Reserve(txCtx, ReserveInput{
			ProductID: in.ProductID,
			Quantity:  s.quantity,
			HolderID:  n.ID,
			TTL:       s.ttl,
		})
		if err != nil {
			return err
		}
		n.ReservationID = res.ID
		return s.repo.CreateNegotiation(txCtx, n)
	})
	if err != nil {
		return domain.Negotiation{}, err
	}

	s.log(n).WithField("amount", in.Amount.String()).Info("negotiation opened")
	s.publish(ctx, domain.EventNegotiationCreated, n, map[string]string{
		"product_id": n.ProductID,
		"amount":     in.Amount.String(),
	})
	return n, nil
}

type SubmitBidInput struct {
	NegotiationID string
	ActorID       string
	Role          domain.BidderRole
	Amount        decimal.Decimal
}

// SubmitBid appends a counter-offer. Either party may bid any number of
// times in a row; the newest bid is always the current offer.
func (s *NegotiationService) SubmitBid(ctx context.Context, in SubmitBidInput) (domain.Negotiation, error) {
	if err := validateBid(in.Role, in.Amount); err != nil {
		return domain.Negotiation{}, err
	}
	if in.NegotiationID == "" {
		return domain.Negotiation{}, domain.ErrInvalidID
	}
	if err := s.admit(ctx, in.ActorID); err != nil {
		return domain.Negotiation{}, err
	}

	now := s.clock.Now()
	var result domain.Negotiation
	expired := false

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		n, err := s.repo.GetNegotiationForUpdate(txCtx, in.NegotiationID)
		if err != nil {
			return err
		}
		if in.ActorID == "" || n.PartyFor(in.Role) != in.ActorID {
			return domain.ErrNotParticipant
		}
		if !n.Status.CanTransition(domain.NegotiationStatusActive) {
			return domain.ErrNegotiationNotActive
		}
		if n.Overdue(now) {
			// Persist the expiry, then report the bid as rejected.
			expired = true
			result, err = s.expireLocked(txCtx, n, now)
			return err
		}

		bid := domain.Bid{
			NegotiationID:  n.ID,
			SequenceNumber: n.NextSequence(),
			BidderRole:     in.Role,
			BidderID:       in.ActorID,
			Amount:         in.Amount,
			CreatedAt:      now,
		}
		if err := s.repo.AppendBid(txCtx, bid); err != nil {
			return err
		}
		n.Bids = append(n.Bids, bid)
		n.Status = domain.NegotiationStatusActive
		n.UpdatedAt = now
		if err := s.repo.UpdateNegotiation(txCtx, n); err != nil {
			return err
		}
		result = n
		return nil
	})
	if err != nil {
		return domain.Negotiation{}, err
	}
	if expired {
		s.afterExpire(ctx, result)
		return domain.Negotiation{}, domain.ErrNegotiationNotActive
	}

	latest, _ := result.LatestBid()
	s.log(result).WithFields(logrus.Fields{
		"sequence": latest.SequenceNumber,
		"role":     latest.BidderRole,
		"amount":   latest.Amount.String(),
	}).Info("bid submitted")
	s.publish(ctx, domain.EventBidSubmitted, result, map[string]string{
		"sequence": fmt.Sprint(latest.SequenceNumber),
		"role":     string(latest.BidderRole),
		"amount":   latest.Amount.String(),
	})
	return result, nil
}

type ResolveInput struct {
	NegotiationID string
	ActorID       string
	Outcome       domain.Outcome
	// FinalPrice defaults to the latest bid amount on accept.
	FinalPrice *decimal.Decimal
}

// Resolve moves a negotiation into ACCEPTED, REJECTED or CANCELLED. Accept
// commits the reservation; reject and cancel release it.
func (s *NegotiationService) Resolve(ctx context.Context, in ResolveInput) (domain.Negotiation, error) {
	target, ok := in.Outcome.Status()
	if !ok {
		return domain.Negotiation{}, domain.ErrInvalidOutcome
	}
	if in.FinalPrice != nil && !in.FinalPrice.IsPositive() {
		return domain.Negotiation{}, fmt.Errorf("%w: final price must be positive", domain.ErrInvalidBid)
	}
	if in.NegotiationID == "" {
		return domain.Negotiation{}, domain.ErrInvalidID
	}
	if err := s.admit(ctx, in.ActorID); err != nil {
		return domain.Negotiation{}, err
	}

	now := s.clock.Now()
	var result domain.Negotiation
	expired := false

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		n, err := s.repo.GetNegotiationForUpdate(txCtx, in.NegotiationID)
		if err != nil {
			return err
		}
		if !n.IsParticipant(in.ActorID) {
			return domain.ErrNotParticipant
		}
		if !n.Status.CanTransition(target) {
			return domain.ErrNegotiationNotActive
		}
		if n.Overdue(now) {
			expired = true
			result, err = s.expireLocked(txCtx, n, now)
			return err
		}

		switch in.Outcome {
		case domain.OutcomeAccept:
			price := in.FinalPrice
			if price == nil {
				latest, ok := n.LatestBid()
				if !ok {
					return fmt.Errorf("%w: no bid to accept", domain.ErrInvalidBid)
				}
				price = &latest.Amount
			}
			if err := s.commitStock(txCtx, n); err != nil {
				return err
			}
			n.FinalPrice = price
		default:
			if err := s.stock.Release(txCtx, n.ReservationID); err != nil {
				return err
			}
		}

		n.ReservationID = ""
		n.Status = target
		n.UpdatedAt = now
		n.ResolvedAt = &now
		if err := s.repo.UpdateNegotiation(txCtx, n); err != nil {
			return err
		}
		result = n
		return nil
	})
	if err != nil {
		return domain.Negotiation{}, err
	}
	if expired {
		s.afterExpire(ctx, result)
		return domain.Negotiation{}, domain.ErrNegotiationNotActive
	}

	attrs := map[string]string{"status": string(result.Status)}
	entry := s.log(result).WithField("status", result.Status)
	if result.FinalPrice != nil {
		attrs["final_price"] = result.FinalPrice.String()
		entry = entry.WithField("final_price", result.FinalPrice.String())
	}
	entry.Info("negotiation resolved")
	s.publish(ctx, domain.EventNegotiationResolved, result, attrs)
	return result, nil
}

// commitStock converts the negotiation's reservation into a sale. When the
// reservation is already gone, stock is re-checked by reserving and
// committing a fresh unit.
func (s *NegotiationService) commitStock(ctx context.Context, n domain.Negotiation) error {
	if n.ReservationID != "" {
		err := s.stock.Commit(ctx, n.ReservationID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrReservationNotFound) {
			return err
		}
		s.log(n).WithField("reservation_id", n.ReservationID).Warn("reservation lost before accept, re-reserving")
	}

	res, err := s.stock.Reserve(ctx, ReserveInput{
		ProductID: n.ProductID,
		Quantity:  s.quantity,
		HolderID:  n.ID,
		TTL:       s.ttl,
	})
	if err != nil {
		return err
	}
	return s.stock.Commit(ctx, res.ID)
}

// GetNegotiation returns a negotiation with its bids in sequence order. An
// overdue negotiation is expired before it is returned.
func (s *NegotiationService) GetNegotiation(ctx context.Context, negotiationID string) (domain.Negotiation, error) {
	if negotiationID == "" {
		return domain.Negotiation{}, domain.ErrInvalidID
	}
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return domain.Negotiation{}, err
	}
	now := s.clock.Now()
	if !n.Overdue(now) {
		return n, nil
	}
	expired, ok, err := s.expireOne(ctx, negotiationID, now)
	if err != nil {
		return domain.Negotiation{}, err
	}
	if !ok {
		return s.repo.GetNegotiation(ctx, negotiationID)
	}
	return expired, nil
}

// ExpireStale expires every non-terminal negotiation with ExpiresAt <= now
// and releases its reservation. Returns how many were expired.
func (s *NegotiationService) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		ids, err := s.repo.ListOverdueNegotiations(ctx, now, s.sweepBatch)
		if err != nil {
			return total, fmt.Errorf("list overdue negotiations: %w", err)
		}

		progress := 0
		for _, id := range ids {
			_, ok, err := s.expireOne(ctx, id, now)
			if err != nil {
				s.logger.WithError(err).WithField("negotiation_id", id).Warn("expire negotiation failed")
				continue
			}
			if ok {
				progress++
			}
		}
		total += progress

		if len(ids) < s.sweepBatch || progress == 0 {
			break
		}
	}
	return total, nil
}

func (s *NegotiationService) expireOne(ctx context.Context, negotiationID string, now time.Time) (domain.Negotiation, bool, error) {
	var result domain.Negotiation
	expired := false
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		n, err := s.repo.GetNegotiationForUpdate(txCtx, negotiationID)
		if err != nil {
			return err
		}
		if !n.Overdue(now) {
			return nil
		}
		result, err = s.expireLocked(txCtx, n, now)
		if err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return domain.Negotiation{}, false, err
	}
	if expired {
		s.afterExpire(ctx, result)
	}
	return result, expired, nil
}

// expireLocked must run inside WithTx with n locked.
func (s *NegotiationService) expireLocked(ctx context.Context, n domain.Negotiation, now time.Time) (domain.Negotiation, error) {
	if !n.Status.CanTransition(domain.NegotiationStatusExpired) {
		return domain.Negotiation{}, domain.ErrNegotiationNotActive
	}
	if err := s.stock.Release(ctx, n.ReservationID); err != nil {
		return domain.Negotiation{}, err
	}
	n.ReservationID = ""
	n.Status = domain.NegotiationStatusExpired
	n.UpdatedAt = now
	n.ResolvedAt = &now
	if err := s.repo.UpdateNegotiation(ctx, n); err != nil {
		return domain.Negotiation{}, err
	}
	return n, nil
}

func (s *NegotiationService) afterExpire(ctx context.Context, n domain.Negotiation) {
	s.log(n).Info("negotiation expired")
	s.publish(ctx, domain.EventNegotiationExpired, n, nil)
}

func (s *NegotiationService) admit(ctx context.Context, actorID string) error {
	if s.admitter == nil {
		return nil
	}
	if actorID == "" {
		return domain.ErrNotParticipant
	}
	return s.admitter.Admit(ctx, domain.RateCategoryNegotiation, actorID)
}

func (s *NegotiationService) publish(ctx context.Context, typ domain.EventType, n domain.Negotiation, attrs map[string]string) {
	if s.events == nil {
		return
	}
	event := domain.Event{
		ID:          newID(),
		Type:        typ,
		AggregateID: n.ID,
		OccurredAt:  n.UpdatedAt,
		Attributes:  attrs,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log(n).WithError(err).WithField("event", typ).Warn("publish event failed")
	}
}

func (s *NegotiationService) log(n domain.Negotiation) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"negotiation_id": n.ID,
		"product_id":     n.ProductID,
	})
}

func validateBid(role domain.BidderRole, amount decimal.Decimal) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", domain.ErrInvalidBid, role)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidBid)
	}
	return nil
}
