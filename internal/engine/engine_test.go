package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetlabs/duet/internal/cache"
	"github.com/duetlabs/duet/internal/catalog"
	"github.com/duetlabs/duet/internal/duerr"
	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/realtime"
	"github.com/duetlabs/duet/internal/store/storetest"
	syncsvc "github.com/duetlabs/duet/internal/sync"
)

type fixture struct {
	engine  *Engine
	remote  *storetest.Fake
	channel *realtime.MemChannel
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T, participantID string) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	remote := storetest.New(clock)
	channel := realtime.NewMemChannel()
	return newFixtureWith(t, participantID, remote, channel, clock)
}

func newFixtureWith(t *testing.T, participantID string, remote *storetest.Fake, channel *realtime.MemChannel, clock *clockwork.FakeClock) *fixture {
	t.Helper()
	db, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, err := syncsvc.NewService(db, remote, zerolog.Nop())
	require.NoError(t, err)

	eng := New(Config{
		Sync:          svc,
		Store:         remote,
		Channel:       channel,
		Clock:         clock,
		Logger:        zerolog.Nop(),
		ParticipantID: participantID,
	})
	return &fixture{engine: eng, remote: remote, channel: channel, clock: clock}
}

func ptr[T any](v T) *T { return &v }

// ---- step advancement ----

func TestAdvanceStepPersists(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.AdvanceStep(ctx))

	state := f.engine.State()
	assert.Equal(t, 1, state.Session.CurrentStepIndex)
	assert.Nil(t, state.Pending)

	stored := f.remote.Session(sess.ID)
	assert.Equal(t, 1, stored.CurrentStepIndex)
	assert.Greater(t, stored.Version, sess.Version)
}

func TestAdvanceStepFailureKeepsPositionAndQueuesRetry(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	_, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	f.remote.SetErr(errors.New("connection refused"))
	err = f.engine.AdvanceStep(ctx)
	require.Error(t, err)

	state := f.engine.State()
	assert.Equal(t, 1, state.Session.CurrentStepIndex, "optimistic position survives the failure")
	require.NotNil(t, state.Pending)
	assert.Equal(t, models.RetryAdvanceStep, state.Pending.Operation)
	assert.Equal(t, 1, state.Pending.Attempts)
	assert.Error(t, state.Err)
}

func TestRetryExhaustsAfterThreeAttempts(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	_, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	f.remote.SetErr(errors.New("still down"))
	require.Error(t, f.engine.AdvanceStep(ctx)) // attempt 1

	writesBefore := f.remote.CallCount("UpdateSession")
	require.Error(t, f.engine.RetryFailedWrite(ctx)) // attempt 2
	require.Error(t, f.engine.RetryFailedWrite(ctx)) // attempt 3
	assert.Equal(t, writesBefore+2, f.remote.CallCount("UpdateSession"))

	// Exhausted: no further remote attempt is made.
	err = f.engine.RetryFailedWrite(ctx)
	require.Error(t, err)
	assert.True(t, duerr.HasCode(err, duerr.CodeSyncFailed))
	assert.Equal(t, writesBefore+2, f.remote.CallCount("UpdateSession"))
}

func TestAdvanceKeepsWorkingWhileWriteIsQueued(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	_, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	f.remote.SetErr(errors.New("still down"))
	require.Error(t, f.engine.AdvanceStep(ctx))
	require.Error(t, f.engine.RetryFailedWrite(ctx))
	require.Error(t, f.engine.RetryFailedWrite(ctx))
	require.Error(t, f.engine.RetryFailedWrite(ctx)) // exhausted

	// Moves keep landing locally, with no further remote attempts.
	writes := f.remote.CallCount("UpdateSession")
	require.NoError(t, f.engine.AdvanceStep(ctx))
	require.NoError(t, f.engine.AdvanceStep(ctx))
	assert.Equal(t, writes, f.remote.CallCount("UpdateSession"))

	state := f.engine.State()
	assert.Equal(t, 3, state.Session.CurrentStepIndex)
	require.NotNil(t, state.Pending, "the unsaved state stays visible")
}

func TestQueuedReplayCarriesStackedMoves(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	f.remote.SetErr(errors.New("blip"))
	require.Error(t, f.engine.AdvanceStep(ctx))
	require.NoError(t, f.engine.AdvanceStep(ctx))
	require.NoError(t, f.engine.AdvanceStep(ctx))

	f.remote.SetErr(nil)
	require.NoError(t, f.engine.RetryFailedWrite(ctx))

	assert.Nil(t, f.engine.State().Pending)
	assert.Equal(t, 3, f.remote.Session(sess.ID).CurrentStepIndex)
}

func TestRetrySucceedsAndClearsPending(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	f.remote.SetErr(errors.New("blip"))
	require.Error(t, f.engine.AdvanceStep(ctx))
	f.remote.SetErr(nil)

	require.NoError(t, f.engine.RetryFailedWrite(ctx))

	state := f.engine.State()
	assert.Nil(t, state.Pending)
	assert.NoError(t, state.Err)
	assert.Equal(t, 1, f.remote.Session(sess.ID).CurrentStepIndex)
}

func TestAdvancePastLastStepEntersReflecting(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	for i := 0; i < catalog.Size()-1; i++ {
		require.NoError(t, f.engine.AdvanceStep(ctx))
	}
	state := f.engine.State()
	assert.Equal(t, catalog.Size()-1, state.Session.CurrentStepIndex)
	assert.Equal(t, models.PhaseActive, state.Session.CurrentPhase)

	require.NoError(t, f.engine.AdvanceStep(ctx))
	state = f.engine.State()
	assert.Equal(t, models.PhaseReflecting, state.Session.CurrentPhase)
	assert.Equal(t, catalog.Size()-1, state.Session.CurrentStepIndex)
	assert.Equal(t, models.PhaseReflecting, f.remote.Session(sess.ID).CurrentPhase)
}

// ---- reflections ----

func TestWholeSessionReflectionMovesToReporting(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	_, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)
	for i := 0; i < catalog.Size(); i++ {
		require.NoError(t, f.engine.AdvanceStep(ctx))
	}
	require.Equal(t, models.PhaseReflecting, f.engine.State().Session.CurrentPhase)

	// A per-step reflection does not advance the phase.
	require.NoError(t, f.engine.SubmitReflection(ctx, 4, ptr(5), "that one stayed with me", false))
	assert.Equal(t, models.PhaseReflecting, f.engine.State().Session.CurrentPhase)

	require.NoError(t, f.engine.SubmitReflection(ctx, models.WholeSessionStepIndex, ptr(4), "", true))
	assert.Equal(t, models.PhaseReporting, f.engine.State().Session.CurrentPhase)
}

// ---- bookmarks ----

func TestToggleBookmarkDebouncesToOneWrite(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	_, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	// Rapid triple toggle: off -> on -> off -> on.
	on, err := f.engine.ToggleBookmark(ctx, 2)
	require.NoError(t, err)
	assert.True(t, on)
	on, err = f.engine.ToggleBookmark(ctx, 2)
	require.NoError(t, err)
	assert.False(t, on)
	on, err = f.engine.ToggleBookmark(ctx, 2)
	require.NoError(t, err)
	assert.True(t, on)

	assert.Equal(t, 0, f.remote.CallCount("AddBookmark"), "nothing flushes inside the window")

	f.clock.BlockUntil(1)
	f.clock.Advance(debounceWindow)

	assert.Eventually(t, func() bool {
		return f.remote.CallCount("AddBookmark") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.remote.CallCount("DeleteBookmark"))
}

func TestToggleBookmarkBackToStoredStateWritesNothing(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	// on -> off lands back where the store already is.
	_, err = f.engine.ToggleBookmark(ctx, 2)
	require.NoError(t, err)
	_, err = f.engine.ToggleBookmark(ctx, 2)
	require.NoError(t, err)

	f.clock.BlockUntil(1)
	f.clock.Advance(debounceWindow)

	// Give the flush goroutine a moment, then confirm no write happened.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.remote.CallCount("AddBookmark"))
	assert.Equal(t, 0, f.remote.CallCount("DeleteBookmark"))

	marks, err := f.remote.ListBookmarks(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, marks)
}

// ---- save / exit / abandon ----

func TestSaveAndExitReleasesSession(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.AdvanceStep(ctx))

	require.NoError(t, f.engine.SaveAndExit(ctx))
	assert.Nil(t, f.engine.State().Session)

	// Resumable: the store still has it in progress.
	sessions, err := f.engine.CheckForActiveSession(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sess.ID, sessions[0].ID)
	assert.Equal(t, 1, sessions[0].CurrentStepIndex)
}

func TestAbandonReleasesLocallyEvenWhenRemoteFails(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	_, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	f.remote.SetErr(errors.New("gone"))
	err = f.engine.AbandonSession(ctx)
	require.Error(t, err)
	assert.Nil(t, f.engine.State().Session, "local state clears regardless of the remote outcome")
}

func TestMarkCompleteStampsCompletion(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := f.engine.CreateSession(ctx, models.ModeSolo, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.MarkComplete(ctx))

	stored := f.remote.Session(sess.ID)
	assert.Equal(t, models.StatusComplete, stored.Status)
	assert.Equal(t, models.PhaseComplete, stored.CurrentPhase)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, f.engine.State().Session.Terminal())
}
