// Package store defines the authoritative remote session store. The
// Postgres implementation is the single source of truth for session,
// reflection, bookmark and message records; its version check is the sole
// arbiter of conflicting session writes.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/realtime"
)

// SessionPatch is a partial session update. Nil fields are left untouched.
// The store bumps the version on every accepted write; callers never set it.
type SessionPatch struct {
	CurrentPhase     *models.SessionPhase  `json:"current_phase,omitempty"`
	CurrentStepIndex *int                  `json:"current_step_index,omitempty"`
	Status           *models.SessionStatus `json:"status,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

// SubmitReflectionRequest carries one reflection write. The store upserts on
// (session, step, participant): a participant may overwrite their own entry.
type SubmitReflectionRequest struct {
	SessionID     uuid.UUID `json:"session_id"`
	StepIndex     int       `json:"step_index"`
	ParticipantID string    `json:"participant_id"`
	Rating        *int      `json:"rating,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	IsShared      bool      `json:"is_shared"`
}

// AddBookmarkRequest creates a bookmark for one step.
type AddBookmarkRequest struct {
	SessionID        uuid.UUID `json:"session_id"`
	StepIndex        int       `json:"step_index"`
	ParticipantID    string    `json:"participant_id"`
	ShareWithPartner bool      `json:"share_with_partner"`
}

// Report bundles everything the session report screen needs, fetched
// server-fresh so partner records are always included.
type Report struct {
	Reflections []*models.Reflection `json:"reflections"`
	Bookmarks   []*models.Bookmark   `json:"bookmarks"`
	Messages    []*models.Message    `json:"messages"`
}

// RemoteStore is the request/response surface of the authoritative backend.
type RemoteStore interface {
	CreateSession(ctx context.Context, mode models.SessionMode, participantID string, partnerID *string) (*models.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessions(ctx context.Context, participantID string) ([]*models.Session, error)
	ListIncompleteSolo(ctx context.Context, participantID string) ([]*models.Session, error)
	// UpdateSession applies patch iff expectedVersion matches the stored
	// version, returning the fresh record. Stale writes fail with
	// VERSION_MISMATCH.
	UpdateSession(ctx context.Context, id uuid.UUID, expectedVersion int64, patch SessionPatch) (*models.Session, error)

	SubmitReflection(ctx context.Context, req SubmitReflectionRequest) (*models.Reflection, error)
	ListReflections(ctx context.Context, sessionID uuid.UUID) ([]*models.Reflection, error)

	AddBookmark(ctx context.Context, req AddBookmarkRequest) (*models.Bookmark, error)
	DeleteBookmark(ctx context.Context, sessionID uuid.UUID, stepIndex int, participantID string) error
	ListBookmarks(ctx context.Context, sessionID uuid.UUID) ([]*models.Bookmark, error)
	UpdateBookmarkSharing(ctx context.Context, sessionID uuid.UUID, participantID string, share bool) error

	AddMessage(ctx context.Context, sessionID uuid.UUID, senderID, text string) (*models.Message, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*models.Message, error)

	// SelectRole and SetReady mutate pairing state server-side and return
	// the fresh authoritative snapshot for the caller to broadcast.
	SelectRole(ctx context.Context, sessionID uuid.UUID, participantID string, role models.SessionRole) (*realtime.StateUpdated, error)
	SetReady(ctx context.Context, sessionID uuid.UUID, participantID string, ready bool) (*realtime.StateUpdated, error)
	// ConvertToSolo detaches the partner and moves the session straight to
	// the active phase.
	ConvertToSolo(ctx context.Context, sessionID uuid.UUID, participantID string) (*models.Session, error)

	ReportData(ctx context.Context, sessionID uuid.UUID) (*Report, error)
}
