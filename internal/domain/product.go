package domain

import "time"

// Product is the stock record the ledger reserves against.
type Product struct {
	ID                string
	Name              string
	QuantityAvailable int
	QuantityReserved  int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Free is the number of units that can still be reserved.
func (p Product) Free() int {
	return p.QuantityAvailable - p.QuantityReserved
}

// Valid reports whether 0 <= reserved <= available holds.
func (p Product) Valid() bool {
	return p.QuantityReserved >= 0 && p.QuantityReserved <= p.QuantityAvailable
}
