package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/realtime"
	"github.com/duetlabs/duet/internal/store/storetest"
)

// pairedFixtures builds two engines sharing one store and one channel, the
// way two browsers share one backend.
func pairedFixtures(t *testing.T) (alice, bob *fixture) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	remote := storetest.New(clock)
	channel := realtime.NewMemChannel()
	alice = newFixtureWith(t, "alice", remote, channel, clock)
	bob = newFixtureWith(t, "bob", remote, channel, clock)
	return alice, bob
}

func startPaired(t *testing.T, alice, bob *fixture) *models.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := alice.engine.CreateSession(ctx, models.ModePaired, ptr("bob"))
	require.NoError(t, err)
	require.NoError(t, alice.engine.Attach(ctx))

	_, err = bob.engine.LoadSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, bob.engine.Attach(ctx))
	return sess
}

func TestAttachAnnouncesPresenceBothWays(t *testing.T) {
	alice, bob := pairedFixtures(t)
	startPaired(t, alice, bob)

	// Bob's announce reached alice directly; alice's re-announce reached bob,
	// who attached after alice's original announce was lost to the void.
	assert.True(t, alice.engine.State().Pairing.PartnerPresent)
	assert.True(t, bob.engine.State().Pairing.PartnerPresent)
}

func TestAttachTwiceIsANoOp(t *testing.T) {
	alice, bob := pairedFixtures(t)
	startPaired(t, alice, bob)

	require.NoError(t, alice.engine.Attach(context.Background()))
	alice.engine.Detach()
	alice.engine.Detach()
}

func TestSelectRolePropagatesToPartner(t *testing.T) {
	alice, bob := pairedFixtures(t)
	startPaired(t, alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.engine.SelectRole(ctx, models.RoleReader))

	state := alice.engine.State()
	require.NotNil(t, state.Pairing.MyRole)
	assert.Equal(t, models.RoleReader, *state.Pairing.MyRole)

	// Bob sees alice's claim via the snapshot, and his own (absent) role is
	// preserved by the null-role rule.
	bobState := bob.engine.State()
	assert.Nil(t, bobState.Pairing.MyRole)
	assert.Greater(t, bobState.Session.Version, int64(1))
}

func TestToggleReadyRollsBackOnFailure(t *testing.T) {
	alice, bob := pairedFixtures(t)
	startPaired(t, alice, bob)
	ctx := context.Background()

	alice.remote.SetErr(errors.New("write refused"))
	err := alice.engine.ToggleReady(ctx)
	require.Error(t, err)

	state := alice.engine.State()
	assert.False(t, state.Pairing.MyReady, "unconfirmed readiness must not stay on screen")
	assert.Error(t, state.Err)
}

func TestReadyFlowStartsSharedCountdown(t *testing.T) {
	alice, bob := pairedFixtures(t)
	sess := startPaired(t, alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.engine.SelectRole(ctx, models.RoleReader))
	require.NoError(t, bob.engine.SelectRole(ctx, models.RoleResponder))

	require.NoError(t, alice.engine.ToggleReady(ctx))
	assert.True(t, alice.engine.State().Pairing.MyReady)
	assert.True(t, bob.engine.State().Pairing.PartnerReady)
	assert.Equal(t, models.PhaseLobby, bob.engine.State().Session.CurrentPhase)

	require.NoError(t, bob.engine.ToggleReady(ctx))

	// Both sides are now counting down from the same server timestamp.
	for _, f := range []*fixture{alice, bob} {
		state := f.engine.State()
		assert.Equal(t, models.PhaseCountdown, state.Session.CurrentPhase)
		require.NotNil(t, state.Pairing.CountdownStartedAt)
	}
	assert.Equal(t, models.PhaseCountdown, alice.remote.Session(sess.ID).CurrentPhase)

	// Digits derive from elapsed time against the shared timestamp.
	assert.Eventually(t, func() bool {
		return alice.engine.State().CountdownDigit == 3 && bob.engine.State().CountdownDigit == 3
	}, 2*time.Second, 10*time.Millisecond)

	alice.clock.Advance(1100 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return alice.engine.State().CountdownDigit == 2
	}, 2*time.Second, 10*time.Millisecond)

	alice.clock.Advance(2 * time.Second)
	assert.Eventually(t, func() bool {
		a := alice.engine.State()
		b := bob.engine.State()
		return a.Session.CurrentPhase == models.PhaseActive &&
			b.Session.CurrentPhase == models.PhaseActive &&
			a.CountdownDigit == 0 && b.CountdownDigit == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.PhaseActive, alice.remote.Session(sess.ID).CurrentPhase)
}

func TestLateCountdownSnapshotCompletesImmediately(t *testing.T) {
	alice, bob := pairedFixtures(t)
	sess := startPaired(t, alice, bob)
	ctx := context.Background()

	// A countdown that started 10 seconds ago, delivered late.
	startedAt := alice.clock.Now().Add(-10 * time.Second)
	snap := realtime.StateUpdated{
		SessionID:          sess.ID,
		CurrentPhase:       models.PhaseCountdown,
		Version:            99,
		CountdownStartedAt: &startedAt,
	}
	require.NoError(t, alice.channel.Publish(ctx, sess.ID, snap))

	assert.Eventually(t, func() bool {
		state := alice.engine.State()
		return state.Session.CurrentPhase == models.PhaseActive && state.CountdownDigit == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaleSnapshotIsIgnored(t *testing.T) {
	alice, bob := pairedFixtures(t)
	sess := startPaired(t, alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.engine.SelectRole(ctx, models.RoleReader))
	version := alice.engine.State().Session.Version
	require.Greater(t, version, int64(1))

	stale := realtime.StateUpdated{
		SessionID:    sess.ID,
		CurrentPhase: models.PhaseComplete,
		Version:      1,
	}
	require.NoError(t, alice.channel.Publish(ctx, sess.ID, stale))

	state := alice.engine.State()
	assert.Equal(t, models.PhaseLobby, state.Session.CurrentPhase)
	assert.Equal(t, version, state.Session.Version)
	require.NotNil(t, state.Pairing.MyRole, "stale snapshot must not clear the chosen role")
}

func TestSnapshotWithNullRolePreservesLocalRole(t *testing.T) {
	alice, bob := pairedFixtures(t)
	sess := startPaired(t, alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.engine.SelectRole(ctx, models.RoleReader))

	fresher := realtime.StateUpdated{
		SessionID:    sess.ID,
		CurrentPhase: models.PhaseLobby,
		Version:      alice.engine.State().Session.Version + 1,
		RoleA:        nil, // snapshot that never saw the claim
	}
	require.NoError(t, alice.channel.Publish(ctx, sess.ID, fresher))

	state := alice.engine.State()
	assert.Equal(t, fresher.Version, state.Session.Version, "fresher snapshot applies")
	require.NotNil(t, state.Pairing.MyRole, "null role preserves the local claim")
	assert.Equal(t, models.RoleReader, *state.Pairing.MyRole)
}

func TestSnapshotOverridesOptimisticReadiness(t *testing.T) {
	alice, bob := pairedFixtures(t)
	sess := startPaired(t, alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.engine.ToggleReady(ctx))
	require.True(t, alice.engine.State().Pairing.MyReady)

	// The server walked the readiness back (phase rollback, lost write).
	// Our slot's bit is reconciled from the snapshot, not kept local.
	fresher := realtime.StateUpdated{
		SessionID:    sess.ID,
		CurrentPhase: models.PhaseLobby,
		Version:      alice.engine.State().Session.Version + 1,
		ReadyA:       false,
	}
	require.NoError(t, alice.channel.Publish(ctx, sess.ID, fresher))

	state := alice.engine.State()
	assert.Equal(t, fresher.Version, state.Session.Version, "fresher snapshot applies")
	assert.False(t, state.Pairing.MyReady, "server-confirmed readiness wins")
}

func TestConvertToSoloResetsPartnerPairing(t *testing.T) {
	alice, bob := pairedFixtures(t)
	startPaired(t, alice, bob)
	ctx := context.Background()

	require.NoError(t, bob.engine.ToggleReady(ctx))
	require.NoError(t, alice.engine.ConvertToSolo(ctx))

	state := alice.engine.State()
	assert.Equal(t, models.ModeSolo, state.Session.Mode)
	assert.Equal(t, models.PhaseActive, state.Session.CurrentPhase)
	assert.False(t, state.Pairing.PartnerReady)

	// Bob hears the conversion and drops his pairing state.
	bobState := bob.engine.State()
	assert.Equal(t, models.ModeSolo, bobState.Session.Mode)
	assert.False(t, bobState.Pairing.MyReady)
}

func TestReadyStateChangedFromSelfIsIgnored(t *testing.T) {
	alice, bob := pairedFixtures(t)
	sess := startPaired(t, alice, bob)
	ctx := context.Background()

	// The echo of our own ready event must not flip PartnerReady.
	ev := realtime.ReadyStateChanged{ParticipantID: "alice", IsReady: true}
	require.NoError(t, alice.channel.Publish(ctx, sess.ID, ev))

	assert.False(t, alice.engine.State().Pairing.PartnerReady)
	assert.True(t, bob.engine.State().Pairing.PartnerReady)
}
