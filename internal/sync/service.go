// Package sync keeps the local durable cache consistent with the remote
// session store.
//
// Reads are cache-first: known data returns immediately (and works offline)
// while a background fetch refreshes the cache and, optionally, a caller
// callback. Writes are write-through: the remote write runs first and the
// cache is only touched on success, so the cache never claims state the
// server has not confirmed. The asymmetry is deliberate and load-bearing.
package sync

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/duetlabs/duet/internal/cache"
	"github.com/duetlabs/duet/internal/duerr"
	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/store"
)

const (
	indexBySession     = "by_session"
	indexByParticipant = "by_participant"
)

// Service syncs session-scoped entities between cache and remote store.
type Service struct {
	remote store.RemoteStore
	log    zerolog.Logger

	sessions    *cache.Store[*models.Session]
	reflections *cache.Store[*models.Reflection]
	bookmarks   *cache.Store[*models.Bookmark]
	messages    *cache.Store[*models.Message]
}

// NewService builds the per-entity cache stores on db and wires the remote.
func NewService(db *sql.DB, remote store.RemoteStore, logger zerolog.Logger) (*Service, error) {
	sessions, err := cache.New(db, cache.Config[*models.Session]{
		Name: "sessions",
		Key:  func(s *models.Session) string { return s.ID.String() },
		Indexes: map[string]func(*models.Session) string{
			indexByParticipant: func(s *models.Session) string { return s.ParticipantID },
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	reflections, err := cache.New(db, cache.Config[*models.Reflection]{
		Name: "reflections",
		Key:  func(r *models.Reflection) string { return r.ID.String() },
		Indexes: map[string]func(*models.Reflection) string{
			indexBySession: func(r *models.Reflection) string { return r.SessionID.String() },
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("reflection cache: %w", err)
	}
	bookmarks, err := cache.New(db, cache.Config[*models.Bookmark]{
		Name: "bookmarks",
		Key:  func(b *models.Bookmark) string { return b.ID.String() },
		Indexes: map[string]func(*models.Bookmark) string{
			indexBySession: func(b *models.Bookmark) string { return b.SessionID.String() },
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bookmark cache: %w", err)
	}
	messages, err := cache.New(db, cache.Config[*models.Message]{
		Name: "messages",
		Key:  func(m *models.Message) string { return m.ID.String() },
		Indexes: map[string]func(*models.Message) string{
			indexBySession: func(m *models.Message) string { return m.SessionID.String() },
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("message cache: %w", err)
	}

	return &Service{
		remote:      remote,
		log:         logger.With().Str("component", "sync").Logger(),
		sessions:    sessions,
		reflections: reflections,
		bookmarks:   bookmarks,
		messages:    messages,
	}, nil
}

// Remote exposes the underlying store for operations the cache does not
// mediate (pairing RPCs).
func (s *Service) Remote() store.RemoteStore { return s.remote }

// MirrorSession stores a server-authoritative session snapshot in the cache
// without a remote round trip, for state that arrives by broadcast rather
// than by request.
func (s *Service) MirrorSession(ctx context.Context, sess *models.Session) {
	mirror(ctx, s.log, s.sessions, sess, "session")
}

// ---- Sessions ----

// GetSession is cache-first. A cache hit returns immediately; the remote
// copy is fetched in the background and handed to onRefresh when fresher
// data arrives. A miss fetches synchronously and populates the cache.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID, onRefresh func(*models.Session)) (*models.Session, error) {
	if cached, ok := s.sessions.Get(ctx, id.String()); ok {
		go s.refreshSession(id, onRefresh)
		return cached, nil
	}
	fresh, err := s.remote.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	mirror(ctx, s.log, s.sessions, fresh, "session")
	return fresh, nil
}

func (s *Service) refreshSession(id uuid.UUID, onRefresh func(*models.Session)) {
	ctx := context.Background()
	fresh, err := s.remote.GetSession(ctx, id)
	if err != nil {
		s.log.Debug().Err(err).Stringer("session_id", id).Msg("background session refresh failed")
		return
	}
	mirror(ctx, s.log, s.sessions, fresh, "session")
	if onRefresh != nil {
		onRefresh(fresh)
	}
}

// CreateSession is write-through: the store allocates the record, then the
// cache mirrors it.
func (s *Service) CreateSession(ctx context.Context, mode models.SessionMode, participantID string, partnerID *string) (*models.Session, error) {
	created, err := s.remote.CreateSession(ctx, mode, participantID, partnerID)
	if err != nil {
		return nil, err
	}
	mirror(ctx, s.log, s.sessions, created, "session")
	return created, nil
}

// UpdateSession is write-through. On remote failure the cached copy is left
// untouched so it keeps reflecting confirmed server state.
func (s *Service) UpdateSession(ctx context.Context, id uuid.UUID, expectedVersion int64, patch store.SessionPatch) (*models.Session, error) {
	updated, err := s.remote.UpdateSession(ctx, id, expectedVersion, patch)
	if err != nil {
		return nil, err
	}
	mirror(ctx, s.log, s.sessions, updated, "session")
	return updated, nil
}

// ListSessions is cache-first over the participant index.
func (s *Service) ListSessions(ctx context.Context, participantID string, onRefresh func([]*models.Session)) ([]*models.Session, error) {
	cached := s.sessions.GetByIndex(ctx, indexByParticipant, participantID)
	if len(cached) > 0 {
		go s.refreshSessions(participantID, onRefresh)
		return cached, nil
	}
	fresh, err := s.remote.ListSessions(ctx, participantID)
	if err != nil {
		return nil, err
	}
	for _, sess := range fresh {
		mirror(ctx, s.log, s.sessions, sess, "session")
	}
	return fresh, nil
}

func (s *Service) refreshSessions(participantID string, onRefresh func([]*models.Session)) {
	ctx := context.Background()
	fresh, err := s.remote.ListSessions(ctx, participantID)
	if err != nil {
		s.log.Debug().Err(err).Str("participant_id", participantID).Msg("background session list refresh failed")
		return
	}
	for _, sess := range fresh {
		mirror(ctx, s.log, s.sessions, sess, "session")
	}
	if onRefresh != nil {
		onRefresh(fresh)
	}
}

// ListIncompleteSolo always asks the store: it backs the resume-session
// prompt, where a stale answer would resurrect finished sessions.
func (s *Service) ListIncompleteSolo(ctx context.Context, participantID string) ([]*models.Session, error) {
	fresh, err := s.remote.ListIncompleteSolo(ctx, participantID)
	if err != nil {
		return nil, err
	}
	for _, sess := range fresh {
		mirror(ctx, s.log, s.sessions, sess, "session")
	}
	return fresh, nil
}

// ---- Reflections ----

// SubmitReflection is write-through.
func (s *Service) SubmitReflection(ctx context.Context, req store.SubmitReflectionRequest) (*models.Reflection, error) {
	created, err := s.remote.SubmitReflection(ctx, req)
	if err != nil {
		return nil, err
	}
	mirror(ctx, s.log, s.reflections, created, "reflection")
	return created, nil
}

// ListReflections is cache-first over the session index.
func (s *Service) ListReflections(ctx context.Context, sessionID uuid.UUID, onRefresh func([]*models.Reflection)) ([]*models.Reflection, error) {
	cached := s.reflections.GetByIndex(ctx, indexBySession, sessionID.String())
	if len(cached) > 0 {
		go func() {
			ctx := context.Background()
			fresh, err := s.remote.ListReflections(ctx, sessionID)
			if err != nil {
				s.log.Debug().Err(err).Stringer("session_id", sessionID).Msg("background reflection refresh failed")
				return
			}
			for _, r := range fresh {
				mirror(ctx, s.log, s.reflections, r, "reflection")
			}
			if onRefresh != nil {
				onRefresh(fresh)
			}
		}()
		return cached, nil
	}
	fresh, err := s.remote.ListReflections(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, r := range fresh {
		mirror(ctx, s.log, s.reflections, r, "reflection")
	}
	return fresh, nil
}

// ---- Bookmarks ----

// AddBookmark is write-through.
func (s *Service) AddBookmark(ctx context.Context, req store.AddBookmarkRequest) (*models.Bookmark, error) {
	created, err := s.remote.AddBookmark(ctx, req)
	if err != nil {
		return nil, err
	}
	mirror(ctx, s.log, s.bookmarks, created, "bookmark")
	return created, nil
}

// RemoveBookmark is write-through: remote delete first, cache eviction only
// on success.
func (s *Service) RemoveBookmark(ctx context.Context, sessionID uuid.UUID, stepIndex int, participantID string) error {
	if err := s.remote.DeleteBookmark(ctx, sessionID, stepIndex, participantID); err != nil {
		return err
	}
	for _, b := range s.bookmarks.GetByIndex(ctx, indexBySession, sessionID.String()) {
		if b.StepIndex == stepIndex && b.ParticipantID == participantID {
			if err := s.bookmarks.Delete(ctx, b.ID.String()); err != nil {
				s.log.Warn().Err(err).Msg("failed to evict deleted bookmark from cache")
			}
		}
	}
	return nil
}

// ListBookmarks is cache-first over the session index.
func (s *Service) ListBookmarks(ctx context.Context, sessionID uuid.UUID, onRefresh func([]*models.Bookmark)) ([]*models.Bookmark, error) {
	cached := s.bookmarks.GetByIndex(ctx, indexBySession, sessionID.String())
	if len(cached) > 0 {
		go func() {
			ctx := context.Background()
			fresh, err := s.remote.ListBookmarks(ctx, sessionID)
			if err != nil {
				s.log.Debug().Err(err).Stringer("session_id", sessionID).Msg("background bookmark refresh failed")
				return
			}
			s.replaceBookmarks(ctx, sessionID, fresh)
			if onRefresh != nil {
				onRefresh(fresh)
			}
		}()
		return cached, nil
	}
	fresh, err := s.remote.ListBookmarks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.replaceBookmarks(ctx, sessionID, fresh)
	return fresh, nil
}

// HasBookmark reports whether the participant bookmarked the step, from the
// freshest state the cache knows.
func (s *Service) HasBookmark(ctx context.Context, sessionID uuid.UUID, stepIndex int, participantID string) (bool, error) {
	bookmarks, err := s.ListBookmarks(ctx, sessionID, nil)
	if err != nil {
		return false, err
	}
	for _, b := range bookmarks {
		if b.StepIndex == stepIndex && b.ParticipantID == participantID {
			return true, nil
		}
	}
	return false, nil
}

// SetBookmarkSharing flips the share flag on all of the participant's
// bookmarks in the session, write-through.
func (s *Service) SetBookmarkSharing(ctx context.Context, sessionID uuid.UUID, participantID string, share bool) error {
	if err := s.remote.UpdateBookmarkSharing(ctx, sessionID, participantID, share); err != nil {
		return err
	}
	for _, b := range s.bookmarks.GetByIndex(ctx, indexBySession, sessionID.String()) {
		if b.ParticipantID != participantID {
			continue
		}
		b.ShareWithPartner = share
		mirror(ctx, s.log, s.bookmarks, b, "bookmark")
	}
	return nil
}

// replaceBookmarks mirrors a full remote listing: bookmarks are deleted by
// toggle, so stale cache entries must go, not just be overwritten.
func (s *Service) replaceBookmarks(ctx context.Context, sessionID uuid.UUID, fresh []*models.Bookmark) {
	if err := s.bookmarks.ClearByIndex(ctx, indexBySession, sessionID.String()); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear stale bookmarks from cache")
	}
	for _, b := range fresh {
		mirror(ctx, s.log, s.bookmarks, b, "bookmark")
	}
}

// ---- Messages ----

// AddMessage is write-through.
func (s *Service) AddMessage(ctx context.Context, sessionID uuid.UUID, senderID, text string) (*models.Message, error) {
	created, err := s.remote.AddMessage(ctx, sessionID, senderID, text)
	if err != nil {
		return nil, err
	}
	mirror(ctx, s.log, s.messages, created, "message")
	return created, nil
}

// ListMessages is cache-first over the session index.
func (s *Service) ListMessages(ctx context.Context, sessionID uuid.UUID, onRefresh func([]*models.Message)) ([]*models.Message, error) {
	cached := s.messages.GetByIndex(ctx, indexBySession, sessionID.String())
	if len(cached) > 0 {
		go func() {
			ctx := context.Background()
			fresh, err := s.remote.ListMessages(ctx, sessionID)
			if err != nil {
				s.log.Debug().Err(err).Stringer("session_id", sessionID).Msg("background message refresh failed")
				return
			}
			for _, m := range fresh {
				mirror(ctx, s.log, s.messages, m, "message")
			}
			if onRefresh != nil {
				onRefresh(fresh)
			}
		}()
		return cached, nil
	}
	fresh, err := s.remote.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, m := range fresh {
		mirror(ctx, s.log, s.messages, m, "message")
	}
	return fresh, nil
}

// ---- Report ----

// ReportData bypasses cache-first and asks the store directly so the report
// always includes the partner's records, refreshing the cache on the way.
func (s *Service) ReportData(ctx context.Context, sessionID uuid.UUID) (*store.Report, error) {
	report, err := s.remote.ReportData(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, r := range report.Reflections {
		mirror(ctx, s.log, s.reflections, r, "reflection")
	}
	s.replaceBookmarks(ctx, sessionID, report.Bookmarks)
	for _, m := range report.Messages {
		mirror(ctx, s.log, s.messages, m, "message")
	}
	return report, nil
}

// ---- Recovery ----

// RecoverSession clears every cache scoped to one session so the next read
// refetches cleanly. Invoked when corruption is detected.
func (s *Service) RecoverSession(ctx context.Context, sessionID uuid.UUID) error {
	key := sessionID.String()
	if err := s.sessions.Delete(ctx, key); err != nil {
		return duerr.Wrap(duerr.CodeCacheCorrupted, "recover session cache", err)
	}
	if err := s.reflections.ClearByIndex(ctx, indexBySession, key); err != nil {
		return duerr.Wrap(duerr.CodeCacheCorrupted, "recover reflection cache", err)
	}
	if err := s.bookmarks.ClearByIndex(ctx, indexBySession, key); err != nil {
		return duerr.Wrap(duerr.CodeCacheCorrupted, "recover bookmark cache", err)
	}
	if err := s.messages.ClearByIndex(ctx, indexBySession, key); err != nil {
		return duerr.Wrap(duerr.CodeCacheCorrupted, "recover message cache", err)
	}
	s.log.Info().Stringer("session_id", sessionID).Msg("cleared session-scoped caches")
	return nil
}

// RecoverAll wipes every cache store.
func (s *Service) RecoverAll(ctx context.Context) error {
	if err := s.sessions.Clear(ctx); err != nil {
		return duerr.Wrap(duerr.CodeCacheCorrupted, "recover session cache", err)
	}
	if err := s.reflections.Clear(ctx); err != nil {
		return duerr.Wrap(duerr.CodeCacheCorrupted, "recover reflection cache", err)
	}
	if err := s.bookmarks.Clear(ctx); err != nil {
		return duerr.Wrap(duerr.CodeCacheCorrupted, "recover bookmark cache", err)
	}
	if err := s.messages.Clear(ctx); err != nil {
		return duerr.Wrap(duerr.CodeCacheCorrupted, "recover message cache", err)
	}
	s.log.Info().Msg("cleared all caches")
	return nil
}

// SessionHistory pages through locally cached sessions without materializing
// the full history.
func (s *Service) SessionHistory(ctx context.Context, offset, limit int) []*models.Session {
	return s.sessions.GetPage(ctx, offset, limit)
}

// mirror puts a server-confirmed record into the cache. Failures are logged,
// not returned: the server already accepted the write, and the cache will
// repair itself on the next read-through.
func mirror[T any](ctx context.Context, log zerolog.Logger, st *cache.Store[T], v T, kind string) {
	if err := st.Put(ctx, v); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("failed to mirror record into cache")
	}
}
