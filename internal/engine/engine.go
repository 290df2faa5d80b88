// Package engine runs one participant's side of a session: it owns the local
// session copy and ephemeral pairing state, applies user actions optimistically,
// persists them through the sync service, and reconciles broadcast snapshots
// from the partner. All exported methods are safe for concurrent use.
package engine

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/duetlabs/duet/internal/catalog"
	"github.com/duetlabs/duet/internal/duerr"
	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/realtime"
	"github.com/duetlabs/duet/internal/store"
	syncsvc "github.com/duetlabs/duet/internal/sync"
)

// State is an immutable snapshot of the engine handed to listeners. Every
// field is a copy; listeners may hold it indefinitely.
type State struct {
	Session *models.Session
	Pairing models.PairingState
	Pending *models.PendingRetry
	// CountdownDigit is 3..1 while the countdown runs, 0 otherwise.
	CountdownDigit int
	// Err is the most recent operation error, cleared by the next success.
	Err error
}

// Listener receives state snapshots. Called outside the engine lock; it may
// call back into the engine.
type Listener func(State)

// Config wires an Engine's collaborators.
type Config struct {
	Sync          *syncsvc.Service
	Store         store.RemoteStore
	Channel       realtime.Channel
	Clock         clockwork.Clock
	Logger        zerolog.Logger
	ParticipantID string
}

// Engine is the per-participant session state machine.
type Engine struct {
	svc           *syncsvc.Service
	store         store.RemoteStore
	channel       realtime.Channel
	clock         clockwork.Clock
	log           zerolog.Logger
	participantID string

	mu             sync.Mutex
	session        *models.Session
	pairing        models.PairingState
	pending        *models.PendingRetry
	lastErr        error
	sub            realtime.Subscription
	countdown      *countdown
	countdownDigit int
	bookmarkFlush  map[int]*debouncer
	bookmarkIntent map[int]bool
	listeners      map[int]Listener
	nextListener   int
}

// New returns an engine for one participant. Attach must be called before
// paired-session events flow.
func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		svc:            cfg.Sync,
		store:          cfg.Store,
		channel:        cfg.Channel,
		clock:          clock,
		log:            cfg.Logger.With().Str("component", "engine").Logger(),
		participantID:  cfg.ParticipantID,
		bookmarkFlush:  make(map[int]*debouncer),
		bookmarkIntent: make(map[int]bool),
		listeners:      make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns its unsubscribe func. The
// listener immediately receives the current state.
func (e *Engine) Subscribe(l Listener) func() {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = l
	state := e.snapshotLocked()
	e.mu.Unlock()

	l(state)
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// State returns the current snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// snapshotLocked clones everything the snapshot exposes. Callers hold e.mu.
func (e *Engine) snapshotLocked() State {
	var pending *models.PendingRetry
	if e.pending != nil {
		p := *e.pending
		pending = &p
	}
	return State{
		Session:        e.session.Clone(),
		Pairing:        e.pairing.Clone(),
		Pending:        pending,
		CountdownDigit: e.countdownDigit,
		Err:            e.lastErr,
	}
}

// notifyLocked snapshots under the lock and delivers outside it. Callers hold
// e.mu; it is released and reacquired.
func (e *Engine) notifyLocked() {
	state := e.snapshotLocked()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()
	for _, l := range listeners {
		l(state)
	}
	e.mu.Lock()
}

// Attach subscribes to the session broadcast topic and announces presence.
// Attaching twice is a no-op.
func (e *Engine) Attach(ctx context.Context) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return duerr.New(duerr.CodeSessionNotFound, "no session loaded")
	}
	if e.sub != nil {
		e.mu.Unlock()
		return nil
	}
	sessionID := e.session.ID
	e.mu.Unlock()

	sub, err := e.channel.Subscribe(sessionID, e.handleEvent)
	if err != nil {
		return duerr.Wrap(duerr.CodeSyncFailed, "subscribe to session topic", err)
	}

	e.mu.Lock()
	if e.sub != nil {
		// Lost the race against a concurrent Attach.
		e.mu.Unlock()
		return sub.Unsubscribe()
	}
	e.sub = sub
	e.mu.Unlock()

	if err := e.channel.Publish(ctx, sessionID, realtime.PartnerJoined{ParticipantID: e.participantID}); err != nil {
		e.log.Warn().Err(err).Msg("presence announce failed")
	}
	return nil
}

// Detach unsubscribes from the broadcast topic. Idempotent.
func (e *Engine) Detach() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		e.log.Warn().Err(err).Msg("unsubscribe failed")
	}
}

// clearLocked drops all per-session state. Callers hold e.mu.
func (e *Engine) clearLocked() {
	e.session = nil
	e.pairing = models.PairingState{}
	e.pending = nil
	e.lastErr = nil
	e.stopCountdownLocked()
	for _, d := range e.bookmarkFlush {
		d.Stop()
	}
	e.bookmarkFlush = make(map[int]*debouncer)
	e.bookmarkIntent = make(map[int]bool)
	if e.sub != nil {
		sub := e.sub
		e.sub = nil
		go func() {
			if err := sub.Unsubscribe(); err != nil {
				e.log.Warn().Err(err).Msg("unsubscribe failed")
			}
		}()
	}
}

// slotFor derives the local participant's fixed slot from the session record.
func slotFor(sess *models.Session, participantID string) models.SessionSlot {
	switch {
	case sess == nil:
		return models.SlotUnknown
	case sess.ParticipantID == participantID:
		return models.SlotA
	case sess.PartnerID != nil && *sess.PartnerID == participantID:
		return models.SlotB
	default:
		return models.SlotUnknown
	}
}

// lastStepIndex is the final advanceable index of the catalog.
func lastStepIndex() int { return catalog.Size() - 1 }
