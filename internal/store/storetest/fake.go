// Package storetest provides an in-memory RemoteStore with the same
// concurrency semantics as the Postgres implementation: version-checked
// session writes, slot-resolved pairing mutations, and countdown start when
// both participants are ready.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/duetlabs/duet/internal/duerr"
	"github.com/duetlabs/duet/internal/models"
	"github.com/duetlabs/duet/internal/realtime"
	"github.com/duetlabs/duet/internal/store"
)

type pairing struct {
	roleA, roleB       *models.SessionRole
	readyA, readyB     bool
	countdownStartedAt *time.Time
}

// Fake is an in-memory RemoteStore. Zero value is not usable; call New.
type Fake struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	sessions map[uuid.UUID]*models.Session
	pairings map[uuid.UUID]*pairing
	refl     map[uuid.UUID][]*models.Reflection
	marks    map[uuid.UUID][]*models.Bookmark
	msgs     map[uuid.UUID][]*models.Message

	// Err fails every operation when set. Calls counts operations by name,
	// including failed ones.
	Err   error
	Calls map[string]int
}

var _ store.RemoteStore = (*Fake)(nil)

func New(clock clockwork.Clock) *Fake {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Fake{
		clock:    clock,
		sessions: make(map[uuid.UUID]*models.Session),
		pairings: make(map[uuid.UUID]*pairing),
		refl:     make(map[uuid.UUID][]*models.Reflection),
		marks:    make(map[uuid.UUID][]*models.Bookmark),
		msgs:     make(map[uuid.UUID][]*models.Message),
		Calls:    make(map[string]int),
	}
}

func (f *Fake) begin(op string) error {
	f.Calls[op]++
	return f.Err
}

// Session returns a copy of the stored record, for assertions.
func (f *Fake) Session(id uuid.UUID) *models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Clone()
}

// SetErr injects err into every subsequent operation; nil clears it.
func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// CallCount reports how many times op ran.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

func (f *Fake) CreateSession(ctx context.Context, mode models.SessionMode, participantID string, partnerID *string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateSession"); err != nil {
		return nil, err
	}

	sess := &models.Session{
		ID:            uuid.New(),
		Mode:          mode,
		ParticipantID: participantID,
		PartnerID:     partnerID,
		Version:       1,
		StartedAt:     f.clock.Now(),
	}
	if mode == models.ModePaired {
		sess.CurrentPhase = models.PhaseLobby
		sess.Status = models.StatusPending
	} else {
		sess.CurrentPhase = models.PhaseActive
		sess.Status = models.StatusInProgress
	}
	f.sessions[sess.ID] = sess
	f.pairings[sess.ID] = &pairing{}
	return sess.Clone(), nil
}

func (f *Fake) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetSession"); err != nil {
		return nil, err
	}
	sess, ok := f.sessions[id]
	if !ok {
		return nil, duerr.New(duerr.CodeSessionNotFound, "session not found")
	}
	return sess.Clone(), nil
}

func (f *Fake) ListSessions(ctx context.Context, participantID string) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListSessions"); err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, sess := range f.sessions {
		if sess.ParticipantID == participantID ||
			(sess.PartnerID != nil && *sess.PartnerID == participantID) {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

func (f *Fake) ListIncompleteSolo(ctx context.Context, participantID string) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListIncompleteSolo"); err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, sess := range f.sessions {
		if sess.Mode == models.ModeSolo && sess.ParticipantID == participantID && !sess.Terminal() {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

func (f *Fake) UpdateSession(ctx context.Context, id uuid.UUID, expectedVersion int64, patch store.SessionPatch) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateSession"); err != nil {
		return nil, err
	}
	sess, ok := f.sessions[id]
	if !ok {
		return nil, duerr.New(duerr.CodeSessionNotFound, "session not found")
	}
	if sess.Version != expectedVersion {
		return nil, duerr.Newf(duerr.CodeVersionMismatch,
			"expected version %d, have %d", expectedVersion, sess.Version)
	}
	if patch.CurrentPhase != nil {
		sess.CurrentPhase = *patch.CurrentPhase
	}
	if patch.CurrentStepIndex != nil {
		sess.CurrentStepIndex = *patch.CurrentStepIndex
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		sess.CompletedAt = &t
	}
	sess.Version++
	return sess.Clone(), nil
}

func (f *Fake) SubmitReflection(ctx context.Context, req store.SubmitReflectionRequest) (*models.Reflection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SubmitReflection"); err != nil {
		return nil, err
	}
	for _, r := range f.refl[req.SessionID] {
		if r.StepIndex == req.StepIndex && r.ParticipantID == req.ParticipantID {
			r.Rating = req.Rating
			r.Notes = req.Notes
			r.IsShared = req.IsShared
			out := *r
			return &out, nil
		}
	}
	r := &models.Reflection{
		ID:            uuid.New(),
		SessionID:     req.SessionID,
		StepIndex:     req.StepIndex,
		ParticipantID: req.ParticipantID,
		Rating:        req.Rating,
		Notes:         req.Notes,
		IsShared:      req.IsShared,
		CreatedAt:     f.clock.Now(),
	}
	f.refl[req.SessionID] = append(f.refl[req.SessionID], r)
	out := *r
	return &out, nil
}

func (f *Fake) ListReflections(ctx context.Context, sessionID uuid.UUID) ([]*models.Reflection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListReflections"); err != nil {
		return nil, err
	}
	out := make([]*models.Reflection, 0, len(f.refl[sessionID]))
	for _, r := range f.refl[sessionID] {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (f *Fake) AddBookmark(ctx context.Context, req store.AddBookmarkRequest) (*models.Bookmark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("AddBookmark"); err != nil {
		return nil, err
	}
	for _, b := range f.marks[req.SessionID] {
		if b.StepIndex == req.StepIndex && b.ParticipantID == req.ParticipantID {
			b.ShareWithPartner = req.ShareWithPartner
			out := *b
			return &out, nil
		}
	}
	b := &models.Bookmark{
		ID:               uuid.New(),
		SessionID:        req.SessionID,
		StepIndex:        req.StepIndex,
		ParticipantID:    req.ParticipantID,
		ShareWithPartner: req.ShareWithPartner,
		CreatedAt:        f.clock.Now(),
	}
	f.marks[req.SessionID] = append(f.marks[req.SessionID], b)
	out := *b
	return &out, nil
}

func (f *Fake) DeleteBookmark(ctx context.Context, sessionID uuid.UUID, stepIndex int, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteBookmark"); err != nil {
		return err
	}
	kept := f.marks[sessionID][:0]
	for _, b := range f.marks[sessionID] {
		if b.StepIndex == stepIndex && b.ParticipantID == participantID {
			continue
		}
		kept = append(kept, b)
	}
	f.marks[sessionID] = kept
	return nil
}

func (f *Fake) ListBookmarks(ctx context.Context, sessionID uuid.UUID) ([]*models.Bookmark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListBookmarks"); err != nil {
		return nil, err
	}
	out := make([]*models.Bookmark, 0, len(f.marks[sessionID]))
	for _, b := range f.marks[sessionID] {
		c := *b
		out = append(out, &c)
	}
	return out, nil
}

func (f *Fake) UpdateBookmarkSharing(ctx context.Context, sessionID uuid.UUID, participantID string, share bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateBookmarkSharing"); err != nil {
		return err
	}
	for _, b := range f.marks[sessionID] {
		if b.ParticipantID == participantID {
			b.ShareWithPartner = share
		}
	}
	return nil
}

func (f *Fake) AddMessage(ctx context.Context, sessionID uuid.UUID, senderID, text string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("AddMessage"); err != nil {
		return nil, err
	}
	m := &models.Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: f.clock.Now(),
	}
	f.msgs[sessionID] = append(f.msgs[sessionID], m)
	out := *m
	return &out, nil
}

func (f *Fake) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListMessages"); err != nil {
		return nil, err
	}
	out := make([]*models.Message, 0, len(f.msgs[sessionID]))
	for _, m := range f.msgs[sessionID] {
		c := *m
		out = append(out, &c)
	}
	return out, nil
}

func (f *Fake) SelectRole(ctx context.Context, sessionID uuid.UUID, participantID string, role models.SessionRole) (*realtime.StateUpdated, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SelectRole"); err != nil {
		return nil, err
	}
	sess, p, slot, err := f.member(sessionID, participantID)
	if err != nil {
		return nil, err
	}
	r := role
	if slot == models.SlotA {
		p.roleA = &r
	} else {
		p.roleB = &r
	}
	sess.Version++
	return f.snapshot(sess, p), nil
}

func (f *Fake) SetReady(ctx context.Context, sessionID uuid.UUID, participantID string, ready bool) (*realtime.StateUpdated, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SetReady"); err != nil {
		return nil, err
	}
	sess, p, slot, err := f.member(sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if slot == models.SlotA {
		p.readyA = ready
	} else {
		p.readyB = ready
	}
	if p.readyA && p.readyB && sess.CurrentPhase == models.PhaseLobby {
		now := f.clock.Now()
		p.countdownStartedAt = &now
		sess.CurrentPhase = models.PhaseCountdown
		sess.Status = models.StatusInProgress
	}
	sess.Version++
	return f.snapshot(sess, p), nil
}

func (f *Fake) ConvertToSolo(ctx context.Context, sessionID uuid.UUID, participantID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ConvertToSolo"); err != nil {
		return nil, err
	}
	sess, p, _, err := f.member(sessionID, participantID)
	if err != nil {
		return nil, err
	}
	sess.Mode = models.ModeSolo
	sess.ParticipantID = participantID
	sess.PartnerID = nil
	sess.CurrentPhase = models.PhaseActive
	sess.Status = models.StatusInProgress
	sess.Version++
	*p = pairing{}
	return sess.Clone(), nil
}

func (f *Fake) ReportData(ctx context.Context, sessionID uuid.UUID) (*store.Report, error) {
	if err := func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.begin("ReportData")
	}(); err != nil {
		return nil, err
	}
	reflections, _ := f.ListReflections(ctx, sessionID)
	bookmarks, _ := f.ListBookmarks(ctx, sessionID)
	messages, _ := f.ListMessages(ctx, sessionID)
	return &store.Report{Reflections: reflections, Bookmarks: bookmarks, Messages: messages}, nil
}

func (f *Fake) member(sessionID uuid.UUID, participantID string) (*models.Session, *pairing, models.SessionSlot, error) {
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, nil, models.SlotUnknown, duerr.New(duerr.CodeSessionNotFound, "session not found")
	}
	p := f.pairings[sessionID]
	switch {
	case sess.ParticipantID == participantID:
		return sess, p, models.SlotA, nil
	case sess.PartnerID != nil && *sess.PartnerID == participantID:
		return sess, p, models.SlotB, nil
	default:
		return nil, nil, models.SlotUnknown, duerr.New(duerr.CodeUnauthorized, "not a session participant")
	}
}

func (f *Fake) snapshot(sess *models.Session, p *pairing) *realtime.StateUpdated {
	snap := &realtime.StateUpdated{
		SessionID:    sess.ID,
		CurrentPhase: sess.CurrentPhase,
		Version:      sess.Version,
		ReadyA:       p.readyA,
		ReadyB:       p.readyB,
	}
	if p.roleA != nil {
		r := *p.roleA
		snap.RoleA = &r
	}
	if p.roleB != nil {
		r := *p.roleB
		snap.RoleB = &r
	}
	if p.countdownStartedAt != nil {
		t := *p.countdownStartedAt
		snap.CountdownStartedAt = &t
	}
	return snap
}
