package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionMode defines whether a session is run alone or with a partner.
type SessionMode string

const (
	ModeSolo   SessionMode = "solo"
	ModePaired SessionMode = "paired"
)

// SessionPhase defines the stage of the session lifecycle.
type SessionPhase string

const (
	PhaseLobby      SessionPhase = "lobby"
	PhaseCountdown  SessionPhase = "countdown"
	PhaseActive     SessionPhase = "active"
	PhaseReflecting SessionPhase = "reflecting"
	PhaseReporting  SessionPhase = "reporting"
	PhaseComplete   SessionPhase = "complete"
)

// SessionStatus defines the status of a session record.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusInProgress SessionStatus = "in_progress"
	StatusComplete   SessionStatus = "complete"
	StatusAbandoned  SessionStatus = "abandoned"
)

// SessionRole defines which half of a paired session a participant reads.
type SessionRole string

const (
	RoleReader    SessionRole = "reader"
	RoleResponder SessionRole = "responder"
)

// WholeSessionStepIndex is the sentinel step index for a reflection that
// covers the whole session rather than a single catalog step.
const WholeSessionStepIndex = -1

// Session is one paired or solo activity instance. Version is bumped by the
// authoritative store on every accepted write and never decreases.
type Session struct {
	ID               uuid.UUID     `json:"id"`
	Mode             SessionMode   `json:"mode"`
	ParticipantID    string        `json:"participant_id"`
	PartnerID        *string       `json:"partner_id,omitempty"`
	CurrentPhase     SessionPhase  `json:"current_phase"`
	CurrentStepIndex int           `json:"current_step_index"`
	Status           SessionStatus `json:"status"`
	Version          int64         `json:"version"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can hand sessions to listeners
// without sharing mutable state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.PartnerID != nil {
		p := *s.PartnerID
		out.PartnerID = &p
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Terminal reports whether the session can no longer be mutated.
func (s *Session) Terminal() bool {
	return s.Status == StatusComplete || s.Status == StatusAbandoned
}
