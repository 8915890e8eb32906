package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type NegotiationStatus string

const (
	NegotiationStatusOpen      NegotiationStatus = "OPEN"
	NegotiationStatusActive    NegotiationStatus = "ACTIVE"
	NegotiationStatusAccepted  NegotiationStatus = "ACCEPTED"
	NegotiationStatusRejected  NegotiationStatus = "REJECTED"
	NegotiationStatusExpired   NegotiationStatus = "EXPIRED"
	NegotiationStatusCancelled NegotiationStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s NegotiationStatus) Terminal() bool {
	switch s {
	case NegotiationStatusAccepted, NegotiationStatusRejected, NegotiationStatusExpired, NegotiationStatusCancelled:
		return true
	}
	return false
}

// CanTransition encodes OPEN -> ACTIVE -> terminal. OPEN may also go straight
// to a terminal state; nothing leaves a terminal state.
func (s NegotiationStatus) CanTransition(to NegotiationStatus) bool {
	switch s {
	case NegotiationStatusOpen:
		return to == NegotiationStatusActive || to.Terminal()
	case NegotiationStatusActive:
		return to == NegotiationStatusActive || to.Terminal()
	}
	return false
}

type BidderRole string

const (
	RoleCustomer BidderRole = "customer"
	RoleVendor   BidderRole = "vendor"
)

func (r BidderRole) Valid() bool {
	return r == RoleCustomer || r == RoleVendor
}

type Outcome string

const (
	OutcomeAccept Outcome = "accept"
	OutcomeReject Outcome = "reject"
	OutcomeCancel Outcome = "cancel"
)

// Status maps an outcome onto the terminal status it produces.
func (o Outcome) Status() (NegotiationStatus, bool) {
	switch o {
	case OutcomeAccept:
		return NegotiationStatusAccepted, true
	case OutcomeReject:
		return NegotiationStatusRejected, true
	case OutcomeCancel:
		return NegotiationStatusCancelled, true
	}
	return "", false
}

// Bid is immutable once recorded.
type Bid struct {
	NegotiationID  string
	SequenceNumber int
	BidderRole     BidderRole
	BidderID       string
	Amount         decimal.Decimal
	CreatedAt      time.Time
}

// Negotiation is a bounded bidding session between one customer and one
// vendor over one product. Bids are kept in sequence order.
type Negotiation struct {
	ID            string
	CustomerID    string
	VendorID      string
	ProductID     string
	Status        NegotiationStatus
	Bids          []Bid
	FinalPrice    *decimal.Decimal
	ReservationID string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}

// LatestBid returns the current offer.
func (n Negotiation) LatestBid() (Bid, bool) {
	if len(n.Bids) == 0 {
		return Bid{}, false
	}
	return n.Bids[len(n.Bids)-1], true
}

func (n Negotiation) NextSequence() int {
	if last, ok := n.LatestBid(); ok {
		return last.SequenceNumber + 1
	}
	return 1
}

// PartyFor returns the participant id that is allowed to bid with role.
func (n Negotiation) PartyFor(role BidderRole) string {
	switch role {
	case RoleCustomer:
		return n.CustomerID
	case RoleVendor:
		return n.VendorID
	}
	return ""
}

func (n Negotiation) IsParticipant(actorID string) bool {
	return actorID != "" && (actorID == n.CustomerID || actorID == n.VendorID)
}

// Overdue reports whether a non-terminal negotiation has passed ExpiresAt.
func (n Negotiation) Overdue(now time.Time) bool {
	return !n.Status.Terminal() && !n.ExpiresAt.After(now)
}
