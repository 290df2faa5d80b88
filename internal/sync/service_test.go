package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetlabs/duet/internal/cache"
	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/store"
	"github.com/duetlabs/duet/internal/store/storetest"
)

func newTestService(t *testing.T) (*Service, *storetest.Fake) {
	t.Helper()
	db, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	remote := storetest.New(nil)
	svc, err := NewService(db, remote, zerolog.Nop())
	require.NoError(t, err)
	return svc, remote
}

func TestGetSessionMissFetchesAndCaches(t *testing.T) {
	svc, remote := newTestService(t)
	ctx := context.Background()

	created, err := remote.CreateSession(ctx, models.ModeSolo, "alice", nil)
	require.NoError(t, err)

	got, err := svc.GetSession(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	require.Equal(t, 1, remote.CallCount("GetSession"))

	// Remote down: the cached copy still answers.
	remote.SetErr(errors.New("connection refused"))
	got, err = svc.GetSession(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestGetSessionHitRefreshesInBackground(t *testing.T) {
	svc, remote := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, models.ModeSolo, "alice", nil)
	require.NoError(t, err)

	// Bump the remote behind the cache's back.
	idx := 5
	_, err = remote.UpdateSession(ctx, created.ID, created.Version, store.SessionPatch{CurrentStepIndex: &idx})
	require.NoError(t, err)

	refreshed := make(chan *models.Session, 1)
	got, err := svc.GetSession(ctx, created.ID, func(s *models.Session) { refreshed <- s })
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStepIndex, "cached copy is served first")

	select {
	case fresh := <-refreshed:
		assert.Equal(t, 5, fresh.CurrentStepIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh never invoked the callback")
	}

	// And the refresh landed in the cache.
	assert.Eventually(t, func() bool {
		got, err := svc.GetSession(ctx, created.ID, nil)
		return err == nil && got.CurrentStepIndex == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateSessionFailureLeavesCacheUntouched(t *testing.T) {
	svc, remote := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, models.ModeSolo, "alice", nil)
	require.NoError(t, err)

	remote.SetErr(errors.New("boom"))
	idx := 3
	_, err = svc.UpdateSession(ctx, created.ID, created.Version, store.SessionPatch{CurrentStepIndex: &idx})
	require.Error(t, err)
	remote.SetErr(nil)

	got, err := svc.GetSession(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStepIndex, "failed write must not dirty the cache")
	assert.Equal(t, created.Version, got.Version)
}

func TestRemoveBookmarkIsWriteThrough(t *testing.T) {
	svc, remote := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, models.ModeSolo, "alice", nil)
	require.NoError(t, err)
	_, err = svc.AddBookmark(ctx, store.AddBookmarkRequest{
		SessionID: created.ID, StepIndex: 2, ParticipantID: "alice",
	})
	require.NoError(t, err)

	// Remote delete fails: the cached bookmark must survive.
	remote.SetErr(errors.New("boom"))
	err = svc.RemoveBookmark(ctx, created.ID, 2, "alice")
	require.Error(t, err)
	remote.SetErr(nil)

	has, err := svc.HasBookmark(ctx, created.ID, 2, "alice")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, svc.RemoveBookmark(ctx, created.ID, 2, "alice"))
	has, err = svc.HasBookmark(ctx, created.ID, 2, "alice")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestListIncompleteSoloBypassesCache(t *testing.T) {
	svc, remote := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, models.ModeSolo, "alice", nil)
	require.NoError(t, err)

	sessions, err := svc.ListIncompleteSolo(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// Complete it remotely; a stale cache must not resurrect it.
	status := models.StatusComplete
	_, err = remote.UpdateSession(ctx, created.ID, sessions[0].Version, store.SessionPatch{Status: &status})
	require.NoError(t, err)

	sessions, err = svc.ListIncompleteSolo(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestReportDataIsServerFresh(t *testing.T) {
	svc, remote := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, models.ModeSolo, "alice", nil)
	require.NoError(t, err)

	// Partner data written by the other client, invisible to this cache.
	_, err = remote.AddMessage(ctx, created.ID, "bob", "that was lovely")
	require.NoError(t, err)

	report, err := svc.ReportData(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, report.Messages, 1)
	assert.Equal(t, "bob", report.Messages[0].SenderID)
}

func TestRecoverSessionClearsScopedCaches(t *testing.T) {
	svc, remote := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, models.ModeSolo, "alice", nil)
	require.NoError(t, err)
	_, err = svc.AddBookmark(ctx, store.AddBookmarkRequest{
		SessionID: created.ID, StepIndex: 1, ParticipantID: "alice",
	})
	require.NoError(t, err)

	require.NoError(t, svc.RecoverSession(ctx, created.ID))

	// Next read must go to the remote again.
	before := remote.CallCount("GetSession")
	_, err = svc.GetSession(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, before+1, remote.CallCount("GetSession"))
}

func TestSessionHistoryPages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.CreateSession(ctx, models.ModeSolo, "alice", nil)
		require.NoError(t, err)
	}

	page := svc.SessionHistory(ctx, 0, 3)
	assert.Len(t, page, 3)
	page = svc.SessionHistory(ctx, 3, 3)
	assert.Len(t, page, 2)
}
