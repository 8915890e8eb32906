package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/marketbridge/haggle/internal/domain"
)

func negotiationKey(id string) string { return "negotiation:" + id }

func (s *Store) CreateNegotiation(ctx context.Context, n domain.Negotiation) error {
	if _, exists := get(s, s.negotiations, n.ID); exists {
		return fmt.Errorf("create negotiation: duplicate id %s", n.ID)
	}
	for i, bid := range n.Bids {
		if bid.SequenceNumber != i+1 {
			return fmt.Errorf("create negotiation: bid %d has sequence %d", i, bid.SequenceNumber)
		}
	}
	put(ctx, s, s.negotiations, n.ID, cloneNegotiation(n))
	return nil
}

func (s *Store) GetNegotiation(_ context.Context, negotiationID string) (domain.Negotiation, error) {
	n, ok := get(s, s.negotiations, negotiationID)
	if !ok {
		return domain.Negotiation{}, domain.ErrNegotiationNotFound
	}
	return cloneNegotiation(n), nil
}

func (s *Store) GetNegotiationForUpdate(ctx context.Context, negotiationID string) (domain.Negotiation, error) {
	s.lockFor(ctx, negotiationKey(negotiationID))
	return s.GetNegotiation(ctx, negotiationID)
}

// AppendBid accepts only the next sequence number, like the unique
// (negotiation_id, sequence_number) key in Postgres.
func (s *Store) AppendBid(ctx context.Context, bid domain.Bid) error {
	n, ok := get(s, s.negotiations, bid.NegotiationID)
	if !ok {
		return domain.ErrNegotiationNotFound
	}
	if bid.SequenceNumber != n.NextSequence() {
		return fmt.Errorf("append bid: sequence %d, expected %d", bid.SequenceNumber, n.NextSequence())
	}
	n = cloneNegotiation(n)
	n.Bids = append(n.Bids, bid)
	put(ctx, s, s.negotiations, n.ID, n)
	return nil
}

// UpdateNegotiation stores everything but the bid history, which only grows
// through AppendBid.
func (s *Store) UpdateNegotiation(ctx context.Context, n domain.Negotiation) error {
	cur, ok := get(s, s.negotiations, n.ID)
	if !ok {
		return domain.ErrNegotiationNotFound
	}
	next := cloneNegotiation(n)
	next.Bids = cur.Bids
	put(ctx, s, s.negotiations, n.ID, next)
	return nil
}

func (s *Store) ListOverdueNegotiations(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	var overdue []domain.Negotiation
	for _, n := range s.negotiations {
		if n.Overdue(now) {
			overdue = append(overdue, n)
		}
	}
	s.mu.RUnlock()

	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].ExpiresAt.Before(overdue[j].ExpiresAt)
	})
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}
	ids := make([]string, 0, len(overdue))
	for _, n := range overdue {
		ids = append(ids, n.ID)
	}
	return ids, nil
}

func cloneNegotiation(n domain.Negotiation) domain.Negotiation {
	out := n
	out.Bids = append([]domain.Bid(nil), n.Bids...)
	if n.FinalPrice != nil {
		price := *n.FinalPrice
		out.FinalPrice = &price
	}
	if n.ResolvedAt != nil {
		at := *n.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}
