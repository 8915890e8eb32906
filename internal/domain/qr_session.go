package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type QRStatus string

const (
	QRStatusPending QRStatus = "PENDING"
	QRStatusClaimed QRStatus = "CLAIMED"
	QRStatusExpired QRStatus = "EXPIRED"
	QRStatusInvalid QRStatus = "INVALID"
)

func (s QRStatus) Terminal() bool {
	return s != QRStatusPending
}

// QRPayload is what the scanning party's client needs to continue the flow.
// Language tags are canonical BCP 47.
type QRPayload struct {
	ProductID     string           `json:"product_id,omitempty"`
	NegotiationID string           `json:"negotiation_id,omitempty"`
	SourceLang    string           `json:"source_lang"`
	TargetLang    string           `json:"target_lang"`
	AskingPrice   *decimal.Decimal `json:"asking_price,omitempty"`
}

// QRSession binds an issuer's intent to exactly one scanning party.
type QRSession struct {
	Token         string     `json:"token"`
	IssuerPartyID string     `json:"issuer_party_id"`
	TargetPartyID string     `json:"target_party_id,omitempty"`
	Payload       QRPayload  `json:"payload"`
	Status        QRStatus   `json:"status"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
}

func (s QRSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Claimable reports whether a claim at now may succeed.
func (s QRSession) Claimable(now time.Time) bool {
	return s.Status == QRStatusPending && !s.Expired(now)
}
