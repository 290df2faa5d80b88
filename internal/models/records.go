package models

import (
	"time"

	"github.com/google/uuid"
)

// Reflection is one participant's response to one catalog step, or to the
// whole session when StepIndex is WholeSessionStepIndex. A participant may
// overwrite their own entry for the same (session, step) pair; nothing else
// mutates it.
type Reflection struct {
	ID            uuid.UUID `json:"id"`
	SessionID     uuid.UUID `json:"session_id"`
	StepIndex     int       `json:"step_index"`
	ParticipantID string    `json:"participant_id"`
	Rating        *int      `json:"rating,omitempty"` // 1-5, absent for notes-only entries
	Notes         string    `json:"notes,omitempty"`
	IsShared      bool      `json:"is_shared"`
	CreatedAt     time.Time `json:"created_at"`
}

// Bookmark marks a step as meaningful. Existence is the signal: the record is
// created and deleted by toggling, never updated in place (the share flag is
// the one exception, adjusted in bulk per session).
type Bookmark struct {
	ID               uuid.UUID `json:"id"`
	SessionID        uuid.UUID `json:"session_id"`
	StepIndex        int       `json:"step_index"`
	ParticipantID    string    `json:"participant_id"`
	ShareWithPartner bool      `json:"share_with_partner"`
	CreatedAt        time.Time `json:"created_at"`
}

// Message is a short free-text note exchanged once per completed paired
// session.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
