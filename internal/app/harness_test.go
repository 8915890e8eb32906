package app

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/marketbridge/haggle/internal/clock"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/marketbridge/haggle/internal/storage/memory"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	store  *memory.Store
	clock  *clock.Manual
	ledger *Ledger
	events *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	clk := clock.NewManual(testNow)
	return &harness{
		store:  store,
		clock:  clk,
		ledger: NewLedger(store, clk, WithLedgerLogger(quietLogger())),
		events: &recordingPublisher{},
	}
}

func (h *harness) negotiations(opts ...NegotiationServiceOption) *NegotiationService {
	base := []NegotiationServiceOption{
		WithNegotiationLogger(quietLogger()),
		WithNegotiationEvents(h.events),
		WithNegotiationTTL(10 * time.Minute),
	}
	return NewNegotiationService(h.store, h.ledger, h.clock, append(base, opts...)...)
}

func (h *harness) product(t *testing.T, qty int) domain.Product {
	t.Helper()
	p, err := h.ledger.CreateProduct(context.Background(), CreateProductInput{Name: "mangoes", QuantityAvailable: qty})
	require.NoError(t, err)
	return p
}

func (h *harness) stock(t *testing.T, productID string) domain.Product {
	t.Helper()
	p, err := h.ledger.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingPublisher) Publish(_ context.Context, event domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type denyAdmitter struct{}

func (denyAdmitter) Admit(_ context.Context, category domain.RateCategory, actorKey string) error {
	return &RateLimitError{Category: category, ActorKey: actorKey, RetryAt: testNow.Add(time.Minute)}
}
