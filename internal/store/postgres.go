package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duetlabs/duet/internal/duerr"
	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/realtime"
)

const (
	maxNotesLen   = 2000
	maxMessageLen = 500
)

// Postgres implements RemoteStore over a pgx connection pool. See
// migrations/schema.sql; a trigger bumps the session version on every
// accepted UPDATE, so queries never set it.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ RemoteStore = (*Postgres)(nil)

// NewPostgres wraps a pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const sessionColumns = `id, mode, participant_id, partner_id, current_phase,
	current_step_index, status, version, role_a, role_b, ready_a, ready_b,
	countdown_started_at, started_at, completed_at`

// sessionRow carries the session record plus the pairing columns that only
// surface through snapshots.
type sessionRow struct {
	session            models.Session
	roleA, roleB       *models.SessionRole
	readyA, readyB     bool
	countdownStartedAt *time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(r rowScanner) (*sessionRow, error) {
	var row sessionRow
	err := r.Scan(
		&row.session.ID,
		&row.session.Mode,
		&row.session.ParticipantID,
		&row.session.PartnerID,
		&row.session.CurrentPhase,
		&row.session.CurrentStepIndex,
		&row.session.Status,
		&row.session.Version,
		&row.roleA,
		&row.roleB,
		&row.readyA,
		&row.readyB,
		&row.countdownStartedAt,
		&row.session.StartedAt,
		&row.session.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *sessionRow) snapshot() *realtime.StateUpdated {
	return &realtime.StateUpdated{
		SessionID:          r.session.ID,
		CurrentPhase:       r.session.CurrentPhase,
		Version:            r.session.Version,
		RoleA:              r.roleA,
		RoleB:              r.roleB,
		ReadyA:             r.readyA,
		ReadyB:             r.readyB,
		CountdownStartedAt: r.countdownStartedAt,
	}
}

func (p *Postgres) CreateSession(ctx context.Context, mode models.SessionMode, participantID string, partnerID *string) (*models.Session, error) {
	if participantID == "" {
		return nil, duerr.New(duerr.CodeValidationFailed, "participant id is required")
	}
	phase, status := models.PhaseActive, models.StatusInProgress
	if mode == models.ModePaired {
		if partnerID == nil || *partnerID == "" {
			return nil, duerr.New(duerr.CodeValidationFailed, "paired session needs a partner id")
		}
		phase, status = models.PhaseLobby, models.StatusPending
	} else if mode != models.ModeSolo {
		return nil, duerr.Newf(duerr.CodeValidationFailed, "unknown session mode %q", mode)
	}

	row, err := scanSessionRow(p.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO sessions (id, mode, participant_id, partner_id, current_phase,
			current_step_index, status, version, ready_a, ready_b, started_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, 1, false, false, now())
		RETURNING %s`, sessionColumns),
		uuid.New(), mode, participantID, partnerID, phase, status))
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "create session", err)
	}
	return &row.session, nil
}

func (p *Postgres) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row, err := scanSessionRow(p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM sessions WHERE id = $1`, sessionColumns), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, duerr.Newf(duerr.CodeSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "get session", err)
	}
	return &row.session, nil
}

func (p *Postgres) ListSessions(ctx context.Context, participantID string) ([]*models.Session, error) {
	return p.listSessions(ctx, fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE participant_id = $1 OR partner_id = $1
		ORDER BY started_at DESC`, sessionColumns), participantID)
}

func (p *Postgres) ListIncompleteSolo(ctx context.Context, participantID string) ([]*models.Session, error) {
	return p.listSessions(ctx, fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE participant_id = $1 AND mode = 'solo' AND status IN ('pending', 'in_progress')
		ORDER BY started_at DESC`, sessionColumns), participantID)
}

func (p *Postgres) listSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "list sessions", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		row, err := scanSessionRow(rows)
		if err != nil {
			return nil, duerr.Wrap(duerr.CodeSyncFailed, "scan session", err)
		}
		out = append(out, &row.session)
	}
	if err := rows.Err(); err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "list sessions", err)
	}
	return out, nil
}

func (p *Postgres) UpdateSession(ctx context.Context, id uuid.UUID, expectedVersion int64, patch SessionPatch) (*models.Session, error) {
	row, err := scanSessionRow(p.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE sessions SET
			current_phase      = COALESCE($3, current_phase),
			current_step_index = COALESCE($4, current_step_index),
			status             = COALESCE($5, status),
			completed_at       = COALESCE($6, completed_at)
		WHERE id = $1 AND version = $2
		RETURNING %s`, sessionColumns),
		id, expectedVersion, patch.CurrentPhase, patch.CurrentStepIndex,
		patch.Status, patch.CompletedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a stale write from a missing record.
		var exists bool
		probeErr := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists)
		if probeErr != nil {
			return nil, duerr.Wrap(duerr.CodeSyncFailed, "update session", probeErr)
		}
		if exists {
			return nil, duerr.Newf(duerr.CodeVersionMismatch,
				"session %s changed since version %d was read", id, expectedVersion)
		}
		return nil, duerr.Newf(duerr.CodeSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "update session", err)
	}
	return &row.session, nil
}

func (p *Postgres) SelectRole(ctx context.Context, sessionID uuid.UUID, participantID string, role models.SessionRole) (*realtime.StateUpdated, error) {
	if role != models.RoleReader && role != models.RoleResponder {
		return nil, duerr.Newf(duerr.CodeValidationFailed, "unknown role %q", role)
	}
	row, err := scanSessionRow(p.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE sessions SET
			role_a = CASE WHEN participant_id = $2 THEN $3 ELSE role_a END,
			role_b = CASE WHEN partner_id     = $2 THEN $3 ELSE role_b END
		WHERE id = $1 AND (participant_id = $2 OR partner_id = $2)
		RETURNING %s`, sessionColumns),
		sessionID, participantID, role))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, p.classifyMembership(ctx, sessionID, participantID)
	}
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "select role", err)
	}
	return row.snapshot(), nil
}

func (p *Postgres) SetReady(ctx context.Context, sessionID uuid.UUID, participantID string, ready bool) (*realtime.StateUpdated, error) {
	row, err := scanSessionRow(p.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE sessions SET
			ready_a = CASE WHEN participant_id = $2 THEN $3 ELSE ready_a END,
			ready_b = CASE WHEN partner_id     = $2 THEN $3 ELSE ready_b END
		WHERE id = $1 AND (participant_id = $2 OR partner_id = $2)
		RETURNING %s`, sessionColumns),
		sessionID, participantID, ready))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, p.classifyMembership(ctx, sessionID, participantID)
	}
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "set ready", err)
	}

	// Both ready in the lobby: the store chooses the shared start timestamp.
	if row.readyA && row.readyB && row.session.CurrentPhase == models.PhaseLobby {
		started, err := scanSessionRow(p.pool.QueryRow(ctx, fmt.Sprintf(`
			UPDATE sessions SET
				current_phase = 'countdown',
				countdown_started_at = now(),
				status = 'in_progress'
			WHERE id = $1 AND current_phase = 'lobby'
			RETURNING %s`, sessionColumns), sessionID))
		if err == nil {
			return started.snapshot(), nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, duerr.Wrap(duerr.CodeSyncFailed, "start countdown", err)
		}
		// Lost the race to the partner's SetReady; fall through with the
		// snapshot we have. The partner's broadcast carries the countdown.
	}
	return row.snapshot(), nil
}

func (p *Postgres) ConvertToSolo(ctx context.Context, sessionID uuid.UUID, participantID string) (*models.Session, error) {
	row, err := scanSessionRow(p.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE sessions SET
			mode = 'solo',
			partner_id = NULL,
			role_a = NULL, role_b = NULL,
			ready_a = false, ready_b = false,
			countdown_started_at = NULL,
			current_phase = 'active',
			status = 'in_progress'
		WHERE id = $1 AND (participant_id = $2 OR partner_id = $2)
		RETURNING %s`, sessionColumns),
		sessionID, participantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, p.classifyMembership(ctx, sessionID, participantID)
	}
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "convert to solo", err)
	}
	return &row.session, nil
}

// classifyMembership turns a zero-row pairing update into NOT_FOUND or
// UNAUTHORIZED.
func (p *Postgres) classifyMembership(ctx context.Context, sessionID uuid.UUID, participantID string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return duerr.Wrap(duerr.CodeSyncFailed, "probe session", err)
	}
	if !exists {
		return duerr.Newf(duerr.CodeSessionNotFound, "session %s not found", sessionID)
	}
	return duerr.Newf(duerr.CodeUnauthorized,
		"participant %s is not part of session %s", participantID, sessionID)
}

func (p *Postgres) SubmitReflection(ctx context.Context, req SubmitReflectionRequest) (*models.Reflection, error) {
	if req.Rating != nil && (*req.Rating < 1 || *req.Rating > 5) {
		return nil, duerr.Newf(duerr.CodeValidationFailed, "rating %d outside 1-5", *req.Rating)
	}
	if len(req.Notes) > maxNotesLen {
		return nil, duerr.Newf(duerr.CodeValidationFailed, "notes exceed %d characters", maxNotesLen)
	}
	var out models.Reflection
	err := p.pool.QueryRow(ctx, `
		INSERT INTO reflections (id, session_id, step_index, participant_id, rating, notes, is_shared, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (session_id, step_index, participant_id) DO UPDATE SET
			rating = EXCLUDED.rating,
			notes = EXCLUDED.notes,
			is_shared = EXCLUDED.is_shared,
			created_at = now()
		RETURNING id, session_id, step_index, participant_id, rating, notes, is_shared, created_at`,
		uuid.New(), req.SessionID, req.StepIndex, req.ParticipantID,
		req.Rating, req.Notes, req.IsShared,
	).Scan(&out.ID, &out.SessionID, &out.StepIndex, &out.ParticipantID,
		&out.Rating, &out.Notes, &out.IsShared, &out.CreatedAt)
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "submit reflection", err)
	}
	return &out, nil
}

func (p *Postgres) ListReflections(ctx context.Context, sessionID uuid.UUID) ([]*models.Reflection, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, step_index, participant_id, rating, notes, is_shared, created_at
		FROM reflections WHERE session_id = $1 ORDER BY step_index`, sessionID)
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "list reflections", err)
	}
	defer rows.Close()

	var out []*models.Reflection
	for rows.Next() {
		var r models.Reflection
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StepIndex, &r.ParticipantID,
			&r.Rating, &r.Notes, &r.IsShared, &r.CreatedAt); err != nil {
			return nil, duerr.Wrap(duerr.CodeSyncFailed, "scan reflection", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "list reflections", err)
	}
	return out, nil
}

func (p *Postgres) AddBookmark(ctx context.Context, req AddBookmarkRequest) (*models.Bookmark, error) {
	var out models.Bookmark
	err := p.pool.QueryRow(ctx, `
		INSERT INTO bookmarks (id, session_id, step_index, participant_id, share_with_partner, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (session_id, step_index, participant_id) DO UPDATE SET
			share_with_partner = EXCLUDED.share_with_partner
		RETURNING id, session_id, step_index, participant_id, share_with_partner, created_at`,
		uuid.New(), req.SessionID, req.StepIndex, req.ParticipantID, req.ShareWithPartner,
	).Scan(&out.ID, &out.SessionID, &out.StepIndex, &out.ParticipantID,
		&out.ShareWithPartner, &out.CreatedAt)
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "add bookmark", err)
	}
	return &out, nil
}

func (p *Postgres) DeleteBookmark(ctx context.Context, sessionID uuid.UUID, stepIndex int, participantID string) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM bookmarks
		WHERE session_id = $1 AND step_index = $2 AND participant_id = $3`,
		sessionID, stepIndex, participantID)
	if err != nil {
		return duerr.Wrap(duerr.CodeSyncFailed, "delete bookmark", err)
	}
	return nil
}

func (p *Postgres) ListBookmarks(ctx context.Context, sessionID uuid.UUID) ([]*models.Bookmark, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, step_index, participant_id, share_with_partner, created_at
		FROM bookmarks WHERE session_id = $1 ORDER BY step_index`, sessionID)
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "list bookmarks", err)
	}
	defer rows.Close()

	var out []*models.Bookmark
	for rows.Next() {
		var b models.Bookmark
		if err := rows.Scan(&b.ID, &b.SessionID, &b.StepIndex, &b.ParticipantID,
			&b.ShareWithPartner, &b.CreatedAt); err != nil {
			return nil, duerr.Wrap(duerr.CodeSyncFailed, "scan bookmark", err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "list bookmarks", err)
	}
	return out, nil
}

func (p *Postgres) UpdateBookmarkSharing(ctx context.Context, sessionID uuid.UUID, participantID string, share bool) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE bookmarks SET share_with_partner = $3
		WHERE session_id = $1 AND participant_id = $2`,
		sessionID, participantID, share)
	if err != nil {
		return duerr.Wrap(duerr.CodeSyncFailed, "update bookmark sharing", err)
	}
	return nil
}

func (p *Postgres) AddMessage(ctx context.Context, sessionID uuid.UUID, senderID, text string) (*models.Message, error) {
	if text == "" {
		return nil, duerr.New(duerr.CodeValidationFailed, "message text is required")
	}
	if len(text) > maxMessageLen {
		return nil, duerr.Newf(duerr.CodeValidationFailed, "message exceeds %d characters", maxMessageLen)
	}
	var out models.Message
	err := p.pool.QueryRow(ctx, `
		INSERT INTO messages (id, session_id, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, session_id, sender_id, text, created_at`,
		uuid.New(), sessionID, senderID, text,
	).Scan(&out.ID, &out.SessionID, &out.SenderID, &out.Text, &out.CreatedAt)
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "add message", err)
	}
	return &out, nil
}

func (p *Postgres) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*models.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, sender_id, text, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "list messages", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, duerr.Wrap(duerr.CodeSyncFailed, "scan message", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, duerr.Wrap(duerr.CodeSyncFailed, "list messages", err)
	}
	return out, nil
}

func (p *Postgres) ReportData(ctx context.Context, sessionID uuid.UUID) (*Report, error) {
	reflections, err := p.ListReflections(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	bookmarks, err := p.ListBookmarks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := p.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Report{Reflections: reflections, Bookmarks: bookmarks, Messages: messages}, nil
}
