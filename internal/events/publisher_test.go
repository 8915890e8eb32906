package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/marketbridge/haggle/internal/domain"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJetStream struct {
	subject string
	data    []byte
	opts    int
	err     error
	cfg     jetstream.StreamConfig
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject = subject
	f.data = data
	f.opts = len(opts)
	return &jetstream.PubAck{Stream: StreamName, Sequence: 7}, nil
}

func (f *fakeJetStream) CreateOrUpdateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.cfg = cfg
	return nil, f.err
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestJetStreamPublisher_Publish(t *testing.T) {
	t.Parallel()

	js := &fakeJetStream{}
	p := NewJetStreamPublisher(js, quiet())
	event := domain.Event{
		ID:          "evt-1",
		Type:        domain.EventNegotiationResolved,
		AggregateID: "neg-1",
		OccurredAt:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Attributes:  map[string]string{"status": "ACCEPTED", "final_price": "140"},
	}

	require.NoError(t, p.Publish(context.Background(), event))
	assert.Equal(t, "negotiation.resolved.neg-1", js.subject)
	assert.Equal(t, 1, js.opts, "message id option")

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(js.data, &decoded))
	assert.Equal(t, event, decoded)
}

func TestJetStreamPublisher_WrapsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("no responders")
	p := NewJetStreamPublisher(&fakeJetStream{err: boom}, quiet())
	err := p.Publish(context.Background(), domain.Event{Type: domain.EventQRClaimed, AggregateID: "p1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "qr.claimed.p1")
}

func TestEnsureStream(t *testing.T) {
	t.Parallel()

	js := &fakeJetStream{}
	require.NoError(t, EnsureStream(context.Background(), js))
	assert.Equal(t, StreamName, js.cfg.Name)
	assert.Equal(t, StreamSubjects, js.cfg.Subjects)

	for _, typ := range []domain.EventType{
		domain.EventNegotiationCreated,
		domain.EventBidSubmitted,
		domain.EventNegotiationResolved,
		domain.EventNegotiationExpired,
		domain.EventQRClaimed,
	} {
		subject := Subject(domain.Event{Type: typ, AggregateID: "x"})
		assert.True(t, strings.HasPrefix(subject, "negotiation.") || strings.HasPrefix(subject, "qr."), subject)
	}
}
