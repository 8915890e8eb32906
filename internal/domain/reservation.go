package domain

import "time"

// Reservation holds units of a product on behalf of a negotiation or order
// until it is committed, released, or swept after ExpiresAt.
type Reservation struct {
	ID        string
	ProductID string
	Quantity  int
	HolderID  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (r Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
