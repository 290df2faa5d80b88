package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/duetlabs/duet/internal/realtime"
)

// Bridge relays session events between NATS and the WebSocket hub in both
// directions. Core NATS fits the channel contract here: delivery is
// best-effort and clients reconcile via version-gated snapshots, so a
// durable stream would add machinery without adding a guarantee anyone
// relies on.
type Bridge struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewBridge wraps a NATS connection. Inbound works immediately; call Start
// with the hub to begin relaying outbound.
func NewBridge(nc *nats.Conn) *Bridge {
	return &Bridge{nc: nc}
}

// Start subscribes to every session topic and fans messages out to the hub.
func (b *Bridge) Start(hub *Hub) error {
	sub, err := b.nc.Subscribe(realtime.SubjectPrefix+">", func(msg *nats.Msg) {
		sessionID, err := sessionFromSubject(msg.Subject)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping message with bad subject")
			return
		}
		hub.Broadcast(sessionID, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to session topics: %w", err)
	}
	b.sub = sub
	log.Info().Str("subject", realtime.SubjectPrefix+">").Msg("gateway bridge subscribed")
	return nil
}

// Inbound publishes a client-originated event to the session topic. It is
// the hub's InboundFunc.
func (b *Bridge) Inbound(sessionID uuid.UUID, ev realtime.Event) {
	data, err := realtime.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("event", string(ev.Type())).Msg("failed to marshal inbound event")
		return
	}
	if err := b.nc.Publish(realtime.Subject(sessionID), data); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to relay inbound event")
	}
}

// Stop unsubscribes from the session topics.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}

// sessionFromSubject extracts the session id from a topic subject.
func sessionFromSubject(subject string) (uuid.UUID, error) {
	raw := strings.TrimPrefix(subject, realtime.SubjectPrefix)
	if raw == subject {
		return uuid.Nil, fmt.Errorf("subject %q outside session topic space", subject)
	}
	return uuid.Parse(raw)
}
