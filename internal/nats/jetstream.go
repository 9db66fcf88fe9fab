package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultStream is the stream mail notifications are published to
const DefaultStream = "MAIL_EVENTS"

// JetStream wraps a NATS JetStream context for publishing mail events
type JetStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// Connect opens a NATS connection and its JetStream context
func Connect(url, stream string) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("mailbridge"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if stream == "" {
		stream = DefaultStream
	}
	return &JetStream{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream creates the mail stream when it does not exist yet
func (p *JetStream) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(p.stream, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{"mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes payload with msgID as the JetStream dedupe id
func (p *JetStream) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection
func (p *JetStream) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
