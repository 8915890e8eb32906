// Package events ships domain events to NATS JetStream once their
// transaction has committed.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marketbridge/haggle/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	StreamName = "NEGOTIATION_EVENTS"
	streamAge  = 7 * 24 * time.Hour
)

// StreamSubjects are every subject Subject can produce.
var StreamSubjects = []string{"negotiation.>", "qr.>"}

// Subject is "<event type>.<aggregate id>", e.g. negotiation.created.<id>.
func Subject(event domain.Event) string {
	return string(event.Type) + "." + event.AggregateID
}

// Publisher is the part of jetstream.JetStream this package needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type JetStreamPublisher struct {
	js      Publisher
	timeout time.Duration
	logger  logrus.FieldLogger
}

func NewJetStreamPublisher(js Publisher, logger logrus.FieldLogger) *JetStreamPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &JetStreamPublisher{js: js, timeout: 5 * time.Second, logger: logger}
}

// Publish sends event with its ID as the JetStream message id, so a retried
// publish is deduplicated by the server.
func (p *JetStreamPublisher) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	subject := Subject(event)
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return errors.Wrapf(err, "publish %s", subject)
	}
	p.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"stream":   ack.Stream,
		"sequence": ack.Sequence,
	}).Debug("event published")
	return nil
}

// Connect dials NATS, makes sure the stream exists and returns a publisher
// plus the connection to drain on shutdown.
func Connect(ctx context.Context, url string, logger logrus.FieldLogger) (*JetStreamPublisher, *nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name("haggle"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect to nats")
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "create jetstream context")
	}
	if err := EnsureStream(ctx, js); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return NewJetStreamPublisher(js, logger), conn, nil
}

// StreamManager is the part of jetstream.JetStream EnsureStream needs.
type StreamManager interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

func EnsureStream(ctx context.Context, js StreamManager) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Negotiation lifecycle and QR claim events",
		Subjects:    StreamSubjects,
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      streamAge,
		Duplicates:  2 * time.Minute,
		Replicas:    1,
	})
	if err != nil {
		return errors.Wrapf(err, "ensure stream %s", StreamName)
	}
	return nil
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, domain.Event) error { return nil }
