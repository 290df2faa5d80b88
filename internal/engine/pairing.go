package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/duetlabs/duet/internal/duerr"
	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/realtime"
)

// SelectRole claims a lobby role. The store resolves the slot and returns the
// authoritative snapshot, which is broadcast so the partner sees the claim.
func (e *Engine) SelectRole(ctx context.Context, role models.SessionRole) error {
	sessionID, err := e.pairedSessionID()
	if err != nil {
		return err
	}

	snap, err := e.store.SelectRole(ctx, sessionID, e.participantID, role)
	if err != nil {
		e.setErr(err)
		return err
	}

	e.mu.Lock()
	r := role
	e.pairing.MyRole = &r
	e.applySnapshotLocked(*snap)
	e.lastErr = nil
	e.notifyLocked()
	e.mu.Unlock()

	e.broadcast(ctx, sessionID, *snap)
	return nil
}

// ToggleReady flips local readiness immediately and confirms it with the
// store. A failed write rolls the flip back: readiness the server never saw
// must not stay on screen, or the partner waits on a countdown that will
// never start.
func (e *Engine) ToggleReady(ctx context.Context) error {
	sessionID, err := e.pairedSessionID()
	if err != nil {
		return err
	}

	e.mu.Lock()
	target := !e.pairing.MyReady
	e.mu.Unlock()

	var snap *realtime.StateUpdated
	err = e.optimistic(
		func() { e.pairing.MyReady = target },
		func() error {
			var err error
			snap, err = e.store.SetReady(ctx, sessionID, e.participantID, target)
			return err
		},
		func() { e.pairing.MyReady = !target },
	)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.applySnapshotLocked(*snap)
	e.notifyLocked()
	e.mu.Unlock()

	e.broadcast(ctx, sessionID, *snap)
	e.broadcast(ctx, sessionID, realtime.ReadyStateChanged{
		ParticipantID: e.participantID,
		IsReady:       target,
	})
	return nil
}

// ConvertToSolo detaches the partner and continues alone from the lobby.
func (e *Engine) ConvertToSolo(ctx context.Context) error {
	sessionID, err := e.pairedSessionID()
	if err != nil {
		return err
	}

	converted, err := e.store.ConvertToSolo(ctx, sessionID, e.participantID)
	if err != nil {
		e.setErr(err)
		return err
	}

	e.mu.Lock()
	e.session = converted.Clone()
	e.pairing.Reset()
	e.stopCountdownLocked()
	e.lastErr = nil
	e.notifyLocked()
	e.mu.Unlock()

	e.broadcast(ctx, sessionID, realtime.SessionConverted{
		SessionID: sessionID,
		Mode:      models.ModeSolo,
	})
	return nil
}

// pairedSessionID returns the current session's id, requiring paired mode.
func (e *Engine) pairedSessionID() (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return uuid.Nil, duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}
	if e.session.Mode != models.ModePaired {
		return uuid.Nil, duerr.New(duerr.CodeValidationFailed, "session is not paired")
	}
	return e.session.ID, nil
}

// broadcast publishes best-effort; a lost event only delays convergence until
// the next snapshot or read-through.
func (e *Engine) broadcast(ctx context.Context, sessionID uuid.UUID, ev realtime.Event) {
	if err := e.channel.Publish(ctx, sessionID, ev); err != nil {
		e.log.Warn().Err(err).Str("event", string(ev.Type())).Msg("broadcast failed")
	}
}
