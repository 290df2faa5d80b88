package engine

// optimistic runs a local-first mutation: apply changes the in-memory state
// and listeners see it immediately; commit performs the remote write; on
// commit failure rollback restores the previous state and listeners are
// notified again. apply and rollback run under the engine lock, commit runs
// outside it.
//
// Used for mutations where showing unconfirmed state is wrong to keep, like
// readiness. Step advancement deliberately does NOT use this helper: a failed
// advance keeps the optimistic position and queues a retry instead.
func (e *Engine) optimistic(apply func(), commit func() error, rollback func()) error {
	e.mu.Lock()
	apply()
	e.notifyLocked()
	e.mu.Unlock()

	err := commit()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		rollback()
		e.lastErr = err
		e.notifyLocked()
		return err
	}
	e.lastErr = nil
	return nil
}
