package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/realtime"
	"github.com/duetlabs/duet/internal/store/storetest"
)

func newTestServer(t *testing.T) (*httptest.Server, *storetest.Fake, *realtime.MemChannel) {
	t.Helper()
	remote := storetest.New(nil)
	channel := realtime.NewMemChannel()

	mux := http.NewServeMux()
	NewHandler(remote, channel, zerolog.Nop()).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, remote, channel
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", map[string]any{
		"mode":           "paired",
		"participant_id": "alice",
		"partner_id":     "bob",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[models.Session](t, resp)
	assert.Equal(t, models.PhaseLobby, created.CurrentPhase)
	assert.Equal(t, int64(1), created.Version)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/sessions/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[models.Session](t, resp)
	assert.Equal(t, created.ID, got.ID)
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/sessions/"+uuid.New().String(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "SESSION_NOT_FOUND", body["code"])
}

func TestUpdateSessionVersionConflict(t *testing.T) {
	srv, remote, _ := newTestServer(t)

	created, err := remote.CreateSession(t.Context(), models.ModeSolo, "alice", nil)
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPatch, srv.URL+"/api/sessions/"+created.ID.String(), map[string]any{
		"expected_version": 999,
		"patch":            map[string]any{"current_step_index": 2},
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "VERSION_MISMATCH", body["code"])
}

func TestInvalidSessionIDIsBadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSetReadyBroadcasts(t *testing.T) {
	srv, remote, channel := newTestServer(t)

	created, err := remote.CreateSession(t.Context(), models.ModePaired, "alice", ptr("bob"))
	require.NoError(t, err)

	var events []realtime.Event
	_, err = channel.Subscribe(created.ID, func(ev realtime.Event) { events = append(events, ev) })
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+created.ID.String()+"/ready", map[string]any{
		"participant_id": "alice",
		"ready":          true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody[realtime.StateUpdated](t, resp)
	assert.True(t, snap.ReadyA)

	require.Len(t, events, 2)
	assert.Equal(t, realtime.TypeStateUpdated, events[0].Type())
	assert.Equal(t, realtime.TypeReadyStateChanged, events[1].Type())
}

func TestOutsiderMutationIsForbidden(t *testing.T) {
	srv, remote, _ := newTestServer(t)

	created, err := remote.CreateSession(t.Context(), models.ModePaired, "alice", ptr("bob"))
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+created.ID.String()+"/ready", map[string]any{
		"participant_id": "mallory",
		"ready":          true,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestReflectionAndReportFlow(t *testing.T) {
	srv, remote, _ := newTestServer(t)

	created, err := remote.CreateSession(t.Context(), models.ModeSolo, "alice", nil)
	require.NoError(t, err)
	base := fmt.Sprintf("%s/api/sessions/%s", srv.URL, created.ID)

	resp := doJSON(t, http.MethodPost, base+"/reflections", map[string]any{
		"step_index":     3,
		"participant_id": "alice",
		"rating":         5,
		"notes":          "kept thinking about this one",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, base+"/bookmarks", map[string]any{
		"step_index":     3,
		"participant_id": "alice",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, base+"/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[struct {
		Reflections []models.Reflection `json:"reflections"`
		Bookmarks   []models.Bookmark   `json:"bookmarks"`
		Messages    []models.Message    `json:"messages"`
	}](t, resp)
	assert.Len(t, report.Reflections, 1)
	assert.Len(t, report.Bookmarks, 1)
	assert.Empty(t, report.Messages)
}

func ptr[T any](v T) *T { return &v }
