package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidBid           = errors.New("invalid bid")
	ErrNegotiationNotActive = errors.New("negotiation not active")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenInvalid         = errors.New("token invalid")
	ErrAlreadyClaimed       = errors.New("token already claimed")
	ErrRateLimited          = errors.New("rate limited")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidOutcome       = errors.New("invalid outcome")
	ErrNotParticipant       = errors.New("actor is not a participant")
	ErrInvalidID            = errors.New("invalid id")
	ErrInvalidPayload       = errors.New("invalid qr payload")
	ErrProductNameRequired  = errors.New("product name required")
	ErrInvalidRatePolicy    = errors.New("invalid rate policy")
)

// Specific lookups wrap ErrNotFound so callers can match either.
var (
	ErrProductNotFound     = fmt.Errorf("product %w", ErrNotFound)
	ErrNegotiationNotFound = fmt.Errorf("negotiation %w", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("reservation %w", ErrNotFound)
	ErrQRSessionNotFound   = fmt.Errorf("qr session %w", ErrNotFound)
)
