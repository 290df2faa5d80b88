package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/duetlabs/duet/internal/duerr"
	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/store"
)

const (
	countdownDuration = 3 * time.Second
	countdownTick     = 100 * time.Millisecond
)

// countdown re-derives the displayed digit from the absolute server start
// timestamp on every tick, so both participants converge on the same digit
// regardless of when the snapshot carrying the timestamp arrived. A client
// that joins after the window has already elapsed completes immediately.
type countdown struct {
	clock     clockwork.Clock
	startedAt time.Time
	onDigit   func(int)
	onDone    func()

	stopCh chan struct{}
	once   sync.Once
}

func startCountdown(clock clockwork.Clock, startedAt time.Time, onDigit func(int), onDone func()) *countdown {
	c := &countdown{
		clock:     clock,
		startedAt: startedAt,
		onDigit:   onDigit,
		onDone:    onDone,
		stopCh:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *countdown) run() {
	ticker := c.clock.NewTicker(countdownTick)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		remaining := countdownDuration - c.clock.Since(c.startedAt)
		if remaining <= 0 {
			c.onDone()
			return
		}
		digit := int(math.Ceil(remaining.Seconds()))
		if digit > 3 {
			digit = 3
		}
		if digit != last {
			last = digit
			c.onDigit(digit)
		}
		select {
		case <-ticker.Chan():
		case <-c.stopCh:
			return
		}
	}
}

// Stop halts the ticker without firing completion. Idempotent.
func (c *countdown) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}

// startCountdownLocked launches the synchronizer for startedAt, replacing any
// run anchored to a different timestamp. Callers hold e.mu.
func (e *Engine) startCountdownLocked(startedAt time.Time) {
	if e.countdown != nil {
		if e.pairing.CountdownStartedAt != nil && e.pairing.CountdownStartedAt.Equal(startedAt) {
			return
		}
		e.countdown.Stop()
	}
	t := startedAt
	e.pairing.CountdownStartedAt = &t
	e.countdown = startCountdown(e.clock, startedAt, e.setCountdownDigit, e.finishCountdown)
}

// stopCountdownLocked halts any running synchronizer. Callers hold e.mu.
func (e *Engine) stopCountdownLocked() {
	if e.countdown != nil {
		e.countdown.Stop()
		e.countdown = nil
	}
	e.countdownDigit = 0
}

func (e *Engine) setCountdownDigit(d int) {
	e.mu.Lock()
	e.countdownDigit = d
	e.notifyLocked()
	e.mu.Unlock()
}

// finishCountdown moves the session into the active phase. Both participants
// race to persist the transition; the loser's write fails the version check
// and the fresh record is fetched instead, so both converge on the same row.
func (e *Engine) finishCountdown() {
	e.mu.Lock()
	e.countdown = nil
	e.countdownDigit = 0
	if e.session == nil || e.session.CurrentPhase != models.PhaseCountdown {
		e.notifyLocked()
		e.mu.Unlock()
		return
	}
	e.session.CurrentPhase = models.PhaseActive
	e.pairing.CountdownStartedAt = nil
	sessionID := e.session.ID
	version := e.session.Version
	e.notifyLocked()
	e.mu.Unlock()

	ctx := context.Background()
	phase := models.PhaseActive
	updated, err := e.svc.UpdateSession(ctx, sessionID, version, store.SessionPatch{CurrentPhase: &phase})
	if duerr.HasCode(err, duerr.CodeVersionMismatch) {
		// The partner won the race; adopt their write.
		updated, err = e.store.GetSession(ctx, sessionID)
	}
	if err != nil {
		e.log.Warn().Err(err).Msg("countdown completion write failed")
		return
	}
	e.adoptSession(updated)
}
