package tap

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chat-relay/relay/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSFeed publishes each event as JSON on <prefix>.<kind>.
type NATSFeed struct {
	pub    publisher
	prefix string
	conn   *nats.Conn
}

func NewNATSFeed(cfg config.NATSConfig) (*NATSFeed, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("chat-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "nats connect %s", cfg.URL)
	}
	return &NATSFeed{pub: nc, prefix: cfg.SubjectPrefix, conn: nc}, nil
}

func (f *NATSFeed) Subject(k Kind) string {
	if f.prefix == "" {
		return string(k)
	}
	return f.prefix + "." + string(k)
}

func (f *NATSFeed) Handle(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.pub.Publish(f.Subject(ev.Kind), data)
}

func (f *NATSFeed) Close(context.Context) error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Drain()
}
