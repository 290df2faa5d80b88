package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/duetlabs/duet/internal/duerr"
	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/store"
)

// CreateSession creates a session and makes it the engine's current one. Solo
// sessions start active; paired sessions start in the lobby.
func (e *Engine) CreateSession(ctx context.Context, mode models.SessionMode, partnerID *string) (*models.Session, error) {
	created, err := e.svc.CreateSession(ctx, mode, e.participantID, partnerID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.clearLocked()
	e.session = created.Clone()
	e.pairing = models.PairingState{Slot: slotFor(created, e.participantID)}
	e.notifyLocked()
	e.mu.Unlock()
	return created, nil
}

// LoadSession makes the identified session current. The cached copy is shown
// immediately when known; the background refresh is folded in through the
// version gate when it lands.
func (e *Engine) LoadSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	sess, err := e.svc.GetSession(ctx, id, e.adoptSession)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.clearLocked()
	e.session = sess.Clone()
	e.pairing = models.PairingState{Slot: slotFor(sess, e.participantID)}
	e.notifyLocked()
	e.mu.Unlock()
	return sess, nil
}

// adoptSession folds a fresh server record into local state, gated on
// version: stale or unrelated records are dropped.
func (e *Engine) adoptSession(fresh *models.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fresh == nil || e.session == nil || e.session.ID != fresh.ID {
		return
	}
	if fresh.Version <= e.session.Version {
		return
	}
	e.session = fresh.Clone()
	if e.pairing.Slot == models.SlotUnknown {
		e.pairing.Slot = slotFor(fresh, e.participantID)
	}
	if fresh.CurrentPhase != models.PhaseCountdown {
		e.stopCountdownLocked()
		e.pairing.CountdownStartedAt = nil
	}
	e.notifyLocked()
}

// AdvanceStep moves to the next step, or from the last step into the
// reflecting phase. The move shows immediately and is persisted behind it; a
// failed persist keeps the new position and queues a bounded retry rather
// than yanking the participant backwards. While a failed write is still
// queued, further moves stack locally without touching the remote: the
// queued replay carries the whole current position, so the participant keeps
// moving and nothing is lost when the connection comes back.
func (e *Engine) AdvanceStep(ctx context.Context) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}
	if e.session.CurrentPhase != models.PhaseActive {
		phase := e.session.CurrentPhase
		e.mu.Unlock()
		return duerr.Newf(duerr.CodeValidationFailed, "cannot advance in phase %s", phase)
	}
	if e.pending != nil {
		if e.session.CurrentStepIndex < lastStepIndex() {
			e.session.CurrentStepIndex++
		} else {
			e.session.CurrentPhase = models.PhaseReflecting
		}
		e.notifyLocked()
		e.mu.Unlock()
		return nil
	}

	patch := store.SessionPatch{}
	if e.session.CurrentStepIndex < lastStepIndex() {
		e.session.CurrentStepIndex++
		idx := e.session.CurrentStepIndex
		patch.CurrentStepIndex = &idx
	} else {
		e.session.CurrentPhase = models.PhaseReflecting
		phase := models.PhaseReflecting
		patch.CurrentPhase = &phase
	}
	sessionID := e.session.ID
	version := e.session.Version
	e.notifyLocked()
	e.mu.Unlock()

	updated, err := e.svc.UpdateSession(ctx, sessionID, version, patch)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.pending = &models.PendingRetry{
			Operation:   models.RetryAdvanceStep,
			Attempts:    1,
			MaxAttempts: models.MaxRetryAttempts,
		}
		e.lastErr = err
		e.notifyLocked()
		return err
	}
	if e.session != nil && e.session.ID == sessionID {
		e.session = updated.Clone()
	}
	e.lastErr = nil
	e.notifyLocked()
	return nil
}

// RetryFailedWrite replays the queued failed write. After MaxRetryAttempts
// failures it stops attempting and reports exhaustion; the position on screen
// stays where the participant left it.
func (e *Engine) RetryFailedWrite(ctx context.Context) error {
	e.mu.Lock()
	if e.pending == nil {
		e.mu.Unlock()
		return nil
	}
	if e.pending.Exhausted() {
		e.mu.Unlock()
		return duerr.Newf(duerr.CodeSyncFailed,
			"write failed %d times, not retrying automatically", models.MaxRetryAttempts)
	}
	if e.session == nil {
		e.pending = nil
		e.mu.Unlock()
		return duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}

	// Replay the current local position wholesale; it subsumes whatever the
	// original failed patch carried.
	phase := e.session.CurrentPhase
	idx := e.session.CurrentStepIndex
	status := e.session.Status
	patch := store.SessionPatch{CurrentPhase: &phase, CurrentStepIndex: &idx, Status: &status}
	sessionID := e.session.ID
	version := e.session.Version
	e.mu.Unlock()

	updated, err := e.svc.UpdateSession(ctx, sessionID, version, patch)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if e.pending != nil {
			e.pending.Attempts++
		}
		e.lastErr = err
		e.notifyLocked()
		return err
	}
	if e.session != nil && e.session.ID == sessionID {
		e.session = updated.Clone()
	}
	e.pending = nil
	e.lastErr = nil
	e.notifyLocked()
	return nil
}

// SubmitReflection records a reflection for one step, or for the whole
// session when stepIndex is WholeSessionStepIndex. Submitting the
// whole-session reflection while reflecting moves the session to reporting.
func (e *Engine) SubmitReflection(ctx context.Context, stepIndex int, rating *int, notes string, shared bool) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}
	sessionID := e.session.ID
	version := e.session.Version
	inReflecting := e.session.CurrentPhase == models.PhaseReflecting
	e.mu.Unlock()

	_, err := e.svc.SubmitReflection(ctx, store.SubmitReflectionRequest{
		SessionID:     sessionID,
		StepIndex:     stepIndex,
		ParticipantID: e.participantID,
		Rating:        rating,
		Notes:         notes,
		IsShared:      shared,
	})
	if err != nil {
		e.setErr(err)
		return err
	}

	if stepIndex != models.WholeSessionStepIndex || !inReflecting {
		e.setErr(nil)
		return nil
	}

	phase := models.PhaseReporting
	updated, err := e.svc.UpdateSession(ctx, sessionID, version, store.SessionPatch{CurrentPhase: &phase})
	if err != nil {
		e.setErr(err)
		return err
	}

	e.mu.Lock()
	if e.session != nil && e.session.ID == sessionID {
		e.session = updated.Clone()
	}
	e.lastErr = nil
	e.notifyLocked()
	e.mu.Unlock()
	return nil
}

// SendMessage posts a short note to the partner.
func (e *Engine) SendMessage(ctx context.Context, text string) (*models.Message, error) {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil, duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}
	sessionID := e.session.ID
	e.mu.Unlock()

	msg, err := e.svc.AddMessage(ctx, sessionID, e.participantID, text)
	if err != nil {
		e.setErr(err)
		return nil, err
	}
	e.setErr(nil)
	return msg, nil
}

// ToggleBookmark flips the bookmark on a step. Rapid repeat toggles within
// the debounce window coalesce: only the settled intent produces a remote
// write, and only when it differs from what the store already holds.
func (e *Engine) ToggleBookmark(ctx context.Context, stepIndex int) (bool, error) {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return false, duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}
	sessionID := e.session.ID
	intent, hasIntent := e.bookmarkIntent[stepIndex]
	e.mu.Unlock()

	current := intent
	if !hasIntent {
		var err error
		current, err = e.svc.HasBookmark(ctx, sessionID, stepIndex, e.participantID)
		if err != nil {
			e.setErr(err)
			return false, err
		}
	}
	next := !current

	e.mu.Lock()
	if e.session == nil || e.session.ID != sessionID {
		e.mu.Unlock()
		return false, duerr.New(duerr.CodeSessionNotFound, "session changed during toggle")
	}
	e.bookmarkIntent[stepIndex] = next
	d, ok := e.bookmarkFlush[stepIndex]
	if !ok {
		d = newDebouncer(e.clock, func() { e.flushBookmark(sessionID, stepIndex) })
		e.bookmarkFlush[stepIndex] = d
	}
	e.notifyLocked()
	e.mu.Unlock()

	d.Trigger()
	return next, nil
}

// flushBookmark reconciles the settled toggle intent with the store: at most
// one remote write, none when the intent matches what is already stored.
func (e *Engine) flushBookmark(sessionID uuid.UUID, stepIndex int) {
	ctx := context.Background()

	e.mu.Lock()
	intent, ok := e.bookmarkIntent[stepIndex]
	if !ok || e.session == nil || e.session.ID != sessionID {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	stored, err := e.svc.HasBookmark(ctx, sessionID, stepIndex, e.participantID)
	if err == nil && stored != intent {
		if intent {
			_, err = e.svc.AddBookmark(ctx, store.AddBookmarkRequest{
				SessionID:     sessionID,
				StepIndex:     stepIndex,
				ParticipantID: e.participantID,
			})
		} else {
			err = e.svc.RemoveBookmark(ctx, sessionID, stepIndex, e.participantID)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lastErr = err
		e.notifyLocked()
		return
	}
	delete(e.bookmarkIntent, stepIndex)
}

// ShareBookmarks flips partner visibility on all of the participant's
// bookmarks in the current session.
func (e *Engine) ShareBookmarks(ctx context.Context, share bool) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}
	sessionID := e.session.ID
	e.mu.Unlock()

	if err := e.svc.SetBookmarkSharing(ctx, sessionID, e.participantID, share); err != nil {
		e.setErr(err)
		return err
	}
	e.setErr(nil)
	return nil
}

// Report fetches the server-fresh session report.
func (e *Engine) Report(ctx context.Context) (*store.Report, error) {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil, duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}
	sessionID := e.session.ID
	e.mu.Unlock()
	return e.svc.ReportData(ctx, sessionID)
}

// MarkComplete finishes the session.
func (e *Engine) MarkComplete(ctx context.Context) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}
	sessionID := e.session.ID
	version := e.session.Version
	e.mu.Unlock()

	phase := models.PhaseComplete
	status := models.StatusComplete
	now := e.clock.Now()
	updated, err := e.svc.UpdateSession(ctx, sessionID, version, store.SessionPatch{
		CurrentPhase: &phase,
		Status:       &status,
		CompletedAt:  &now,
	})
	if err != nil {
		e.setErr(err)
		return err
	}

	e.mu.Lock()
	if e.session != nil && e.session.ID == sessionID {
		e.session = updated.Clone()
	}
	e.stopCountdownLocked()
	e.lastErr = nil
	e.notifyLocked()
	e.mu.Unlock()
	return nil
}

// SaveSession persists the current local position. A failed save queues a
// bounded retry like a failed advance does.
func (e *Engine) SaveSession(ctx context.Context) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}
	phase := e.session.CurrentPhase
	idx := e.session.CurrentStepIndex
	status := e.session.Status
	sessionID := e.session.ID
	version := e.session.Version
	e.mu.Unlock()

	patch := store.SessionPatch{CurrentPhase: &phase, CurrentStepIndex: &idx, Status: &status}
	updated, err := e.svc.UpdateSession(ctx, sessionID, version, patch)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if e.pending == nil {
			e.pending = &models.PendingRetry{
				Operation:   models.RetrySaveSession,
				Attempts:    1,
				MaxAttempts: models.MaxRetryAttempts,
			}
		}
		e.lastErr = err
		e.notifyLocked()
		return err
	}
	if e.session != nil && e.session.ID == sessionID {
		e.session = updated.Clone()
	}
	e.pending = nil
	e.lastErr = nil
	e.notifyLocked()
	return nil
}

// SaveAndExit saves, then releases the session locally. The cache keeps the
// record so the session can be resumed later.
func (e *Engine) SaveAndExit(ctx context.Context) error {
	if err := e.SaveSession(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.clearLocked()
	e.notifyLocked()
	e.mu.Unlock()
	return nil
}

// AbandonSession marks the session abandoned remotely and releases it locally
// either way: the participant asked to leave, so leave.
func (e *Engine) AbandonSession(ctx context.Context) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil
	}
	sessionID := e.session.ID
	version := e.session.Version
	e.clearLocked()
	e.notifyLocked()
	e.mu.Unlock()

	status := models.StatusAbandoned
	if _, err := e.svc.UpdateSession(ctx, sessionID, version, store.SessionPatch{Status: &status}); err != nil {
		e.log.Warn().Err(err).Stringer("session_id", sessionID).Msg("abandon write failed, session released locally")
		return err
	}
	return nil
}

// CheckForActiveSession returns the participant's resumable solo sessions,
// always from the store so finished sessions never resurface.
func (e *Engine) CheckForActiveSession(ctx context.Context) ([]*models.Session, error) {
	return e.svc.ListIncompleteSolo(ctx, e.participantID)
}

// setErr records (or clears) the surfaced operation error and notifies.
func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.notifyLocked()
	e.mu.Unlock()
}
