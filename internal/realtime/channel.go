// Package realtime carries the per-session broadcast topic between the two
// participants' clients. Delivery is best-effort and unordered; receivers
// reconcile snapshots with a version gate rather than relying on the channel.
package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectPrefix is the NATS subject space for session topics.
const SubjectPrefix = "duet.session."

// Subject returns the broadcast subject for a session.
func Subject(sessionID uuid.UUID) string {
	return SubjectPrefix + sessionID.String()
}

// Handler receives decoded broadcast events.
type Handler func(Event)

// Subscription is an active topic subscription. Unsubscribe is idempotent
// and safe to call from teardown paths that may run more than once.
type Subscription interface {
	Unsubscribe() error
}

// Channel publishes and subscribes to per-session broadcast topics.
type Channel interface {
	Publish(ctx context.Context, sessionID uuid.UUID, ev Event) error
	Subscribe(sessionID uuid.UUID, h Handler) (Subscription, error)
}

// NATSChannel implements Channel over a core NATS connection.
type NATSChannel struct {
	nc *nats.Conn
}

var _ Channel = (*NATSChannel)(nil)

// Connect dials NATS with reconnect handling and returns the channel.
func Connect(url string) (*NATSChannel, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSChannel{nc: nc}, nil
}

// NewNATSChannel wraps an existing connection.
func NewNATSChannel(nc *nats.Conn) *NATSChannel {
	return &NATSChannel{nc: nc}
}

// Publish broadcasts ev on the session topic.
func (c *NATSChannel) Publish(ctx context.Context, sessionID uuid.UUID, ev Event) error {
	data, err := Marshal(ev)
	if err != nil {
		return err
	}
	if err := c.nc.Publish(Subject(sessionID), data); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type(), Subject(sessionID), err)
	}
	return nil
}

// Subscribe attaches h to the session topic. Undecodable messages are logged
// and dropped; the channel makes no delivery or ordering promises either way.
func (c *NATSChannel) Subscribe(sessionID uuid.UUID, h Handler) (Subscription, error) {
	sub, err := c.nc.Subscribe(Subject(sessionID), func(msg *nats.Msg) {
		ev, err := Unmarshal(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable broadcast")
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", Subject(sessionID), err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Conn exposes the underlying connection for components that speak NATS
// directly, like the gateway bridge.
func (c *NATSChannel) Conn() *nats.Conn {
	return c.nc
}

// Close drains the underlying connection.
func (c *NATSChannel) Close() {
	c.nc.Close()
}

type natsSubscription struct {
	once sync.Once
	sub  *nats.Subscription
	err  error
}

func (s *natsSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}
