package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject.
const DefaultSubjectPrefix = "demo"

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder mirrors bus events to NATS subjects "<prefix>.<type>".
type NATSForwarder struct {
	pub    Publisher
	conn   *nats.Conn // set when the forwarder owns the connection
	prefix string
}

// DialNATS connects to url and returns a forwarder that owns the connection.
func DialNATS(url string) (*NATSForwarder, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("demoengine"))
	if err != nil {
		return nil, err
	}
	return &NATSForwarder{pub: conn, conn: conn, prefix: DefaultSubjectPrefix}, nil
}

// NewNATSForwarder wraps an existing publisher.
func NewNATSForwarder(pub Publisher, prefix string) *NATSForwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSForwarder{pub: pub, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (f *NATSForwarder) Subject(t Type) string {
	return f.prefix + "." + strings.ReplaceAll(string(t), " ", "_")
}

// Forward implements Forwarder.
func (f *NATSForwarder) Forward(ctx context.Context, e Event) error {
	if f.pub == nil {
		return errors.New("eventbus: nats forwarder not connected")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return f.pub.Publish(f.Subject(e.Type), data)
}

// Close drains the owned connection, if any.
func (f *NATSForwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Drain()
}
