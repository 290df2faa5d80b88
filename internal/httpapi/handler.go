// Package httpapi exposes the remote store as a JSON API. It is the
// request/response half of the backend; realtime fan-out rides on the
// gateway's WebSocket bridge.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/duetlabs/duet/internal/duerr"
	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/realtime"
	"github.com/duetlabs/duet/internal/store"
)

// Handler serves the session API. Channel may be nil; pairing mutations then
// still work but are not broadcast.
type Handler struct {
	store   store.RemoteStore
	channel realtime.Channel
	log     zerolog.Logger
}

func NewHandler(st store.RemoteStore, ch realtime.Channel, logger zerolog.Logger) *Handler {
	return &Handler{
		store:   st,
		channel: ch,
		log:     logger.With().Str("component", "httpapi").Logger(),
	}
}

// Register mounts all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", h.updateSession)

	mux.HandleFunc("POST /api/sessions/{id}/role", h.selectRole)
	mux.HandleFunc("POST /api/sessions/{id}/ready", h.setReady)
	mux.HandleFunc("POST /api/sessions/{id}/convert", h.convertToSolo)

	mux.HandleFunc("POST /api/sessions/{id}/reflections", h.submitReflection)
	mux.HandleFunc("GET /api/sessions/{id}/reflections", h.listReflections)

	mux.HandleFunc("POST /api/sessions/{id}/bookmarks", h.addBookmark)
	mux.HandleFunc("DELETE /api/sessions/{id}/bookmarks", h.deleteBookmark)
	mux.HandleFunc("GET /api/sessions/{id}/bookmarks", h.listBookmarks)
	mux.HandleFunc("PUT /api/sessions/{id}/bookmarks/sharing", h.setBookmarkSharing)

	mux.HandleFunc("POST /api/sessions/{id}/messages", h.addMessage)
	mux.HandleFunc("GET /api/sessions/{id}/messages", h.listMessages)

	mux.HandleFunc("GET /api/sessions/{id}/report", h.report)
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode          models.SessionMode `json:"mode"`
		ParticipantID string             `json:"participant_id"`
		PartnerID     *string            `json:"partner_id,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.store.CreateSession(r.Context(), req.Mode, req.ParticipantID, req.PartnerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participant_id")
	if participantID == "" {
		h.writeError(w, duerr.New(duerr.CodeValidationFailed, "participant_id is required"))
		return
	}
	var (
		sessions []*models.Session
		err      error
	)
	if r.URL.Query().Get("incomplete_solo") == "true" {
		sessions, err = h.store.ListIncompleteSolo(r.Context(), participantID)
	} else {
		sessions, err = h.store.ListSessions(r.Context(), participantID)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) updateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		ExpectedVersion int64              `json:"expected_version"`
		Patch           store.SessionPatch `json:"patch"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.store.UpdateSession(r.Context(), id, req.ExpectedVersion, req.Patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) selectRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		ParticipantID string             `json:"participant_id"`
		Role          models.SessionRole `json:"role"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	snap, err := h.store.SelectRole(r.Context(), id, req.ParticipantID, req.Role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publish(r.Context(), id, *snap)
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) setReady(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		ParticipantID string `json:"participant_id"`
		Ready         bool   `json:"ready"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	snap, err := h.store.SetReady(r.Context(), id, req.ParticipantID, req.Ready)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publish(r.Context(), id, *snap)
	h.publish(r.Context(), id, realtime.ReadyStateChanged{
		ParticipantID: req.ParticipantID,
		IsReady:       req.Ready,
	})
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) convertToSolo(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		ParticipantID string `json:"participant_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.store.ConvertToSolo(r.Context(), id, req.ParticipantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publish(r.Context(), id, realtime.SessionConverted{SessionID: id, Mode: models.ModeSolo})
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) submitReflection(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req store.SubmitReflectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.SessionID = id
	refl, err := h.store.SubmitReflection(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, refl)
}

func (h *Handler) listReflections(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	reflections, err := h.store.ListReflections(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"reflections": reflections})
}

func (h *Handler) addBookmark(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req store.AddBookmarkRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.SessionID = id
	bm, err := h.store.AddBookmark(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, bm)
}

func (h *Handler) deleteBookmark(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		StepIndex     int    `json:"step_index"`
		ParticipantID string `json:"participant_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.DeleteBookmark(r.Context(), id, req.StepIndex, req.ParticipantID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listBookmarks(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	bookmarks, err := h.store.ListBookmarks(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"bookmarks": bookmarks})
}

func (h *Handler) setBookmarkSharing(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		ParticipantID string `json:"participant_id"`
		Share         bool   `json:"share"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.UpdateBookmarkSharing(r.Context(), id, req.ParticipantID, req.Share); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		SenderID string `json:"sender_id"`
		Text     string `json:"text"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.store.AddMessage(r.Context(), id, req.SenderID, req.Text)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	messages, err := h.store.ListMessages(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	report, err := h.store.ReportData(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// ---- plumbing ----

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, duerr.New(duerr.CodeValidationFailed, "invalid session id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, duerr.Wrap(duerr.CodeValidationFailed, "decode request body", err))
		return false
	}
	return true
}

func (h *Handler) publish(ctx context.Context, sessionID uuid.UUID, ev realtime.Event) {
	if h.channel == nil {
		return
	}
	if err := h.channel.Publish(ctx, sessionID, ev); err != nil {
		h.log.Warn().Err(err).Str("event", string(ev.Type())).Msg("broadcast failed")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps classified failures onto HTTP statuses. Unclassified
// failures surface as 500 with the generic sync code.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	e := duerr.AsError(err)
	status := http.StatusInternalServerError
	switch e.Code {
	case duerr.CodeVersionMismatch:
		status = http.StatusConflict
	case duerr.CodeSessionNotFound:
		status = http.StatusNotFound
	case duerr.CodeUnauthorized:
		status = http.StatusForbidden
	case duerr.CodeValidationFailed:
		status = http.StatusBadRequest
	case duerr.CodeOffline:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]string{
		"code":  string(e.Code),
		"error": e.Message,
	})
}
