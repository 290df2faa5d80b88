package engine

import (
	"context"

	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/realtime"
)

// handleEvent is the broadcast subscription callback. The channel promises
// nothing about ordering or delivery; every case here must tolerate
// duplicates, reordering, and the echo of our own publishes.
func (e *Engine) handleEvent(ev realtime.Event) {
	switch ev := ev.(type) {
	case realtime.PartnerJoined:
		e.handlePartnerJoined(ev)
	case realtime.ReadyStateChanged:
		e.handleReadyChanged(ev)
	case realtime.StateUpdated:
		e.handleStateUpdated(ev)
	case realtime.SessionConverted:
		e.handleConverted(ev)
	}
}

// handlePartnerJoined marks the partner present and, on the first sighting,
// announces back so a partner who joined second learns we are here. The
// first-sighting guard is what stops the two clients from announcing at each
// other forever.
func (e *Engine) handlePartnerJoined(ev realtime.PartnerJoined) {
	if ev.ParticipantID == e.participantID {
		return
	}

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return
	}
	sessionID := e.session.ID
	first := !e.pairing.PartnerPresent
	e.pairing.PartnerPresent = true
	e.notifyLocked()
	e.mu.Unlock()

	if first {
		e.broadcast(context.Background(), sessionID, realtime.PartnerJoined{ParticipantID: e.participantID})
	}
}

// handleReadyChanged updates the partner's readiness. Presence and readiness
// are not version-gated: they are ephemeral UX state, and the authoritative
// copy rides in on the next snapshot anyway.
func (e *Engine) handleReadyChanged(ev realtime.ReadyStateChanged) {
	if ev.ParticipantID == e.participantID {
		return
	}

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return
	}
	e.pairing.PartnerPresent = true
	e.pairing.PartnerReady = ev.IsReady
	e.notifyLocked()
	e.mu.Unlock()
}

func (e *Engine) handleStateUpdated(ev realtime.StateUpdated) {
	e.mu.Lock()
	if e.session == nil || e.session.ID != ev.SessionID {
		e.mu.Unlock()
		return
	}
	if !e.applySnapshotLocked(ev) {
		e.mu.Unlock()
		return
	}
	mirrored := e.session.Clone()
	e.notifyLocked()
	e.mu.Unlock()

	e.svc.MirrorSession(context.Background(), mirrored)
}

// applySnapshotLocked merges an authoritative snapshot into local state,
// returning false when the version gate rejects it. The gate also silently
// absorbs the echo of our own published snapshots. Callers hold e.mu.
//
// Merge rules: the snapshot wins on phase, version, and the readiness of both
// slots, so a server-confirmed not-ready overwrites an optimistic local flip;
// a locally chosen role survives a snapshot that carries null for our slot; a
// countdown timestamp forces the countdown phase even if the phase field lags
// behind it.
func (e *Engine) applySnapshotLocked(ev realtime.StateUpdated) bool {
	if e.session == nil || e.session.ID != ev.SessionID {
		return false
	}
	if ev.Version <= e.session.Version {
		return false
	}

	e.session.Version = ev.Version
	e.session.CurrentPhase = ev.CurrentPhase

	myRole, myReady, partnerReady := e.splitSnapshot(ev)
	if myRole != nil {
		r := *myRole
		e.pairing.MyRole = &r
	}
	e.pairing.MyReady = myReady
	e.pairing.PartnerReady = partnerReady

	if ev.CountdownStartedAt != nil {
		e.session.CurrentPhase = models.PhaseCountdown
		e.startCountdownLocked(*ev.CountdownStartedAt)
	} else if e.session.CurrentPhase != models.PhaseCountdown {
		e.stopCountdownLocked()
		e.pairing.CountdownStartedAt = nil
	}
	return true
}

// splitSnapshot picks this participant's role and both readiness bits out of
// the slotted snapshot fields.
func (e *Engine) splitSnapshot(ev realtime.StateUpdated) (myRole *models.SessionRole, myReady, partnerReady bool) {
	switch e.pairing.Slot {
	case models.SlotA:
		return ev.RoleA, ev.ReadyA, ev.ReadyB
	case models.SlotB:
		return ev.RoleB, ev.ReadyB, ev.ReadyA
	default:
		return nil, e.pairing.MyReady, e.pairing.PartnerReady
	}
}

// handleConverted applies a partner-initiated conversion to solo. The event
// carries no version, so application is idempotent instead of gated; the
// bumped version arrives with the next snapshot or read-through.
func (e *Engine) handleConverted(ev realtime.SessionConverted) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.ID != ev.SessionID {
		return
	}
	if e.session.Mode == models.ModeSolo {
		return
	}
	e.session.Mode = models.ModeSolo
	e.session.PartnerID = nil
	if e.session.CurrentPhase == models.PhaseLobby || e.session.CurrentPhase == models.PhaseCountdown {
		e.session.CurrentPhase = models.PhaseActive
	}
	if e.session.Status == models.StatusPending {
		e.session.Status = models.StatusInProgress
	}
	e.pairing.Reset()
	e.stopCountdownLocked()
	e.notifyLocked()
}
