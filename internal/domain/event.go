package domain

import "time"

type EventType string

const (
	EventNegotiationCreated  EventType = "negotiation.created"
	EventBidSubmitted        EventType = "negotiation.bid_submitted"
	EventNegotiationResolved EventType = "negotiation.resolved"
	EventNegotiationExpired  EventType = "negotiation.expired"
	EventQRClaimed           EventType = "qr.claimed"
)

// Event is published after the transition that produced it has committed.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	AggregateID string            `json:"aggregate_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}
