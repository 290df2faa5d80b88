package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duetlabs/duet/internal/models"
)

// EventType discriminates the broadcast event kinds on the wire.
type EventType string

const (
	TypePartnerJoined     EventType = "partner_joined"
	TypeReadyStateChanged EventType = "ready_state_changed"
	TypeStateUpdated      EventType = "state_updated"
	TypeSessionConverted  EventType = "session_converted"
)

// Event is the closed set of broadcast events on a session topic. The four
// concrete types below are the only implementations.
type Event interface {
	Type() EventType
}

// PartnerJoined announces presence on the topic. It carries no version and
// is never version-gated: presence is best-effort UX, not consistent state.
type PartnerJoined struct {
	ParticipantID string `json:"participant_id"`
}

func (PartnerJoined) Type() EventType { return TypePartnerJoined }

// ReadyStateChanged announces one participant's readiness flip.
type ReadyStateChanged struct {
	ParticipantID string `json:"participant_id"`
	IsReady       bool   `json:"is_ready"`
}

func (ReadyStateChanged) Type() EventType { return TypeReadyStateChanged }

// StateUpdated is an authoritative snapshot of session and pairing state at a
// point in time. Receivers apply it only when Version is strictly greater
// than the version they hold.
type StateUpdated struct {
	SessionID          uuid.UUID            `json:"session_id"`
	CurrentPhase       models.SessionPhase  `json:"current_phase"`
	Version            int64                `json:"version"`
	RoleA              *models.SessionRole  `json:"role_a,omitempty"`
	RoleB              *models.SessionRole  `json:"role_b,omitempty"`
	ReadyA             bool                 `json:"ready_a"`
	ReadyB             bool                 `json:"ready_b"`
	CountdownStartedAt *time.Time           `json:"countdown_started_at,omitempty"`
}

func (StateUpdated) Type() EventType { return TypeStateUpdated }

// SessionConverted announces that a participant converted the paired session
// to solo. Receivers reset pairing state locally without a remote round-trip.
type SessionConverted struct {
	SessionID uuid.UUID          `json:"session_id"`
	Mode      models.SessionMode `json:"mode"`
}

func (SessionConverted) Type() EventType { return TypeSessionConverted }

// envelope is the wire format: a type tag plus the event payload.
type envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes an event into its wire envelope.
func Marshal(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(envelope{Type: ev.Type(), Payload: payload})
}

// Unmarshal decodes a wire envelope into its concrete event. Unknown types
// are an error; callers drop them.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}

	switch env.Type {
	case TypePartnerJoined:
		var ev PartnerJoined
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		return ev, nil

	case TypeReadyStateChanged:
		var ev ReadyStateChanged
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		return ev, nil

	case TypeStateUpdated:
		var ev StateUpdated
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		return ev, nil

	case TypeSessionConverted:
		var ev SessionConverted
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
