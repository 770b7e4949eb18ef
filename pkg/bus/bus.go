package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// Bus wraps a NATS JetStream connection for publishing build events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	opts = append([]nats.Option{nats.Name("addinbundle"), nats.Timeout(5 * time.Second)}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to the given subject. A
// non-empty msgID is sent as the JetStream message ID so that a retried
// publish of the same run is deduplicated by the server.
func (b *Bus) Publish(ctx context.Context, subj, msgID string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if subj == "" {
		return errors.New("subject is required")
	}

	msg, err := NewMsg(subj, msgID, v)
	if err != nil {
		return err
	}

	_, err = b.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// NewMsg builds the message Publish sends.
func NewMsg(subj, msgID string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subj)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	if msgID != "" {
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}
	return msg, nil
}
