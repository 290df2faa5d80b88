package models

import "time"

// MaxRetryAttempts caps how often a failed write may be replayed.
const MaxRetryAttempts = 3

// RetryOperation identifies which write a PendingRetry replays.
type RetryOperation string

const (
	RetryAdvanceStep RetryOperation = "advance_step"
	RetrySaveSession RetryOperation = "save_session"
)

// PendingRetry is the local-only record of a failed write awaiting replay.
// It never reaches the remote store; it is cleared on success or when the
// user abandons the session.
type PendingRetry struct {
	Operation   RetryOperation `json:"operation"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
}

// Exhausted reports whether no further automatic attempts remain.
func (r *PendingRetry) Exhausted() bool {
	return r != nil && r.Attempts >= r.MaxAttempts
}

// SessionSlot identifies which of the two fixed participant slots of a
// session the local client occupies. Slot A is the initiator.
type SessionSlot int

const (
	SlotUnknown SessionSlot = iota
	SlotA
	SlotB
)

// PairingState is ephemeral lobby/countdown state. It is never persisted:
// every (re)subscription to the session channel rebuilds it from broadcast
// snapshots, so it is only eventually correct.
type PairingState struct {
	MyRole             *SessionRole `json:"my_role,omitempty"`
	PartnerPresent     bool         `json:"partner_present"`
	MyReady            bool         `json:"my_ready"`
	PartnerReady       bool         `json:"partner_ready"`
	CountdownStartedAt *time.Time   `json:"countdown_started_at,omitempty"`
	Slot               SessionSlot  `json:"-"`
}

// Reset clears everything except the cached slot mapping, which stays valid
// for the life of the session.
func (p *PairingState) Reset() {
	slot := p.Slot
	*p = PairingState{Slot: slot}
}

// Clone returns a copy safe to hand outside the engine lock.
func (p PairingState) Clone() PairingState {
	out := p
	if p.MyRole != nil {
		r := *p.MyRole
		out.MyRole = &r
	}
	if p.CountdownStartedAt != nil {
		t := *p.CountdownStartedAt
		out.CountdownStartedAt = &t
	}
	return out
}
