// Package ingest bridges a NATS subject tree into the channel fabric,
// so producers on a broker can publish without going through the
// webhook. The bridge is optional; the gateway runs without it.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// PublishFunc hands a raw payload to the gateway's publish path.
type PublishFunc func(channel string, payload []byte)

// Bridge subscribes to `<prefix>.>` and republishes each message to the
// channel named by the subject suffix: `streamgate.room1` → `room1`.
type Bridge struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	prefix  string
	publish PublishFunc
	logger  zerolog.Logger
}

// NewBridge connects to the broker. Reconnects are unbounded; the
// gateway keeps serving webhook publishes while the broker is away.
func NewBridge(url, prefix string, publish PublishFunc, logger zerolog.Logger) (*Bridge, error) {
	b := &Bridge{
		prefix:  prefix,
		publish: publish,
		logger:  logger.With().Str("component", "nats_ingest").Logger(),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.logger.Info().Msg("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn

	b.logger.Info().Str("url", url).Str("prefix", prefix).Msg("Connected to NATS")
	return b, nil
}

// Start subscribes to the ingest subject tree.
func (b *Bridge) Start() error {
	subject := b.prefix + ".>"
	sub, err := b.conn.Subscribe(subject, b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.sub = sub

	b.logger.Info().Str("subject", subject).Msg("Ingest subscription established")
	return nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	channel := strings.TrimPrefix(msg.Subject, b.prefix+".")
	if channel == "" || channel == msg.Subject {
		return
	}
	b.publish(channel, msg.Data)
}

// Close unsubscribes and closes the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
