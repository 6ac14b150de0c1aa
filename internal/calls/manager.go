// Package calls runs the ring/accept/decline state machine of a meeting.
// Only signaling lives here; media flows through the meeting URL.
package calls

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
)

const (
	EndReasonAdmin      = "ended_by_admin"
	EndReasonNoAnswer   = "no_participants"
	endedCallsRetention = time.Hour
)

type Publisher interface {
	PublishUser(userID string, ev realtime.Event)
	PublishUsers(userIDs []string, ev realtime.Event)
}

type Directory interface {
	User(ctx context.Context, userID string) (*models.User, error)
	Unknown(ctx context.Context, ids []string) ([]string, error)
	ResolveName(ctx context.Context, userID string) string
}

type Ring struct {
	CallID    string `json:"call_id"`
	Title     string `json:"title"`
	MeetURL   string `json:"meet_url"`
	AdminID   string `json:"admin_id"`
	AdminName string `json:"admin_name"`
}

type ParticipantUpdate struct {
	CallID       string                   `json:"call_id"`
	Participants []models.CallParticipant `json:"participants"`
}

type Ended struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}

type callState struct {
	call  *models.Call
	timer clockwork.Timer
}

type Manager struct {
	mu    sync.Mutex
	calls map[string]*callState

	dir         Directory
	pub         Publisher
	clock       clockwork.Clock
	ringTimeout time.Duration
	logger      *zap.Logger
}

func NewManager(dir Directory, pub Publisher, clock clockwork.Clock, ringTimeout time.Duration, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ringTimeout <= 0 {
		ringTimeout = 45 * time.Second
	}
	return &Manager{
		calls:       make(map[string]*callState),
		dir:         dir,
		pub:         pub,
		clock:       clock,
		ringTimeout: ringTimeout,
		logger:      logger.Named("calls"),
	}
}

type CreateRequest struct {
	AdminID      string
	Title        string
	MeetURL      string
	Participants []string
}

// Create starts ringing every participant. Only directory admins may place
// calls.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Call, error) {
	adminID := models.NormalizeUserID(req.AdminID)
	admin, err := m.dir.User(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if !admin.IsAdmin {
		return nil, apperr.New(apperr.Forbidden, "only admins can start calls")
	}
	if strings.TrimSpace(req.MeetURL) == "" {
		return nil, apperr.New(apperr.InvalidRequest, "meet_url is required")
	}

	ids := make([]string, 0, len(req.Participants))
	for _, id := range models.NormalizeUserIDs(req.Participants) {
		if id != adminID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, apperr.New(apperr.InvalidRequest, "a call needs at least one participant")
	}
	missing, err := m.dir.Unknown(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.InvalidRequest, "unknown participants: %s", strings.Join(missing, ", "))
	}

	now := m.clock.Now().UTC()
	call := &models.Call{
		ID:        uuid.NewString(),
		AdminID:   adminID,
		Title:     strings.TrimSpace(req.Title),
		MeetURL:   strings.TrimSpace(req.MeetURL),
		CreatedAt: now,
	}
	for _, id := range ids {
		call.Participants = append(call.Participants, models.CallParticipant{UserID: id, Status: models.CallRinging, UpdatedAt: now})
	}

	adminName := m.dir.ResolveName(ctx, adminID)

	m.mu.Lock()
	m.pruneLocked(now)
	st := &callState{call: call}
	m.calls[call.ID] = st
	st.timer = m.clock.AfterFunc(m.ringTimeout, func() { m.timeout(call.ID) })
	out := call.Clone()
	m.pub.PublishUsers(ids, realtime.NewEvent(realtime.EventCallRing, Ring{
		CallID:    call.ID,
		Title:     call.Title,
		MeetURL:   call.MeetURL,
		AdminID:   adminID,
		AdminName: adminName,
	}))
	m.mu.Unlock()

	m.logger.Info("call created", zap.String("call_id", call.ID), zap.String("admin_id", adminID), zap.Int("participants", len(ids)))
	return out, nil
}

func (m *Manager) Accept(ctx context.Context, callID, userID string) (*models.Call, error) {
	return m.respond(callID, userID, models.CallAccepted)
}

func (m *Manager) Decline(ctx context.Context, callID, userID string) (*models.Call, error) {
	return m.respond(callID, userID, models.CallDeclined)
}

func (m *Manager) respond(callID, userID string, next models.ParticipantStatus) (*models.Call, error) {
	userID = models.NormalizeUserID(userID)

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.calls[callID]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "call %s not found", callID)
	}
	if st.call.Ended() {
		return nil, apperr.New(apperr.Conflict, "call has ended")
	}
	p, ok := st.call.Participant(userID)
	if !ok {
		return nil, apperr.New(apperr.Forbidden, "not a participant of this call")
	}
	if p.Status == next {
		return st.call.Clone(), nil
	}
	if p.Status != models.CallRinging {
		return nil, apperr.Newf(apperr.Conflict, "participant already %s", p.Status)
	}
	p.Status = next
	p.UpdatedAt = m.clock.Now().UTC()

	m.publishUpdateLocked(st.call, userID)
	if st.call.AllTerminal() {
		m.endLocked(st, EndReasonNoAnswer)
	}
	return st.call.Clone(), nil
}

func (m *Manager) timeout(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.calls[callID]
	if !ok || st.call.Ended() {
		return
	}
	now := m.clock.Now().UTC()
	timedOut := make([]string, 0)
	for i := range st.call.Participants {
		p := &st.call.Participants[i]
		if p.Status == models.CallRinging {
			p.Status = models.CallTimedOut
			p.UpdatedAt = now
			timedOut = append(timedOut, p.UserID)
		}
	}
	if len(timedOut) == 0 {
		return
	}
	m.logger.Info("ringing timed out", zap.String("call_id", callID), zap.Strings("user_ids", timedOut))
	m.publishUpdateLocked(st.call, timedOut...)
	if st.call.AllTerminal() {
		m.endLocked(st, EndReasonNoAnswer)
	}
}

// End terminates the call. Only its admin may end it.
func (m *Manager) End(ctx context.Context, callID, actor string) (*models.Call, error) {
	actor = models.NormalizeUserID(actor)

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.calls[callID]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "call %s not found", callID)
	}
	if st.call.AdminID != actor {
		return nil, apperr.New(apperr.Forbidden, "only the call admin can end it")
	}
	if !st.call.Ended() {
		m.endLocked(st, EndReasonAdmin)
	}
	return st.call.Clone(), nil
}

func (m *Manager) Get(ctx context.Context, callID, actor string) (*models.Call, error) {
	actor = models.NormalizeUserID(actor)

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.calls[callID]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "call %s not found", callID)
	}
	if _, isParticipant := st.call.Participant(actor); !isParticipant && st.call.AdminID != actor {
		return nil, apperr.New(apperr.Forbidden, "not a participant of this call")
	}
	return st.call.Clone(), nil
}

// publishUpdateLocked tells the admin and the participants whose status
// moved, so their other devices stop ringing.
func (m *Manager) publishUpdateLocked(call *models.Call, changed ...string) {
	ev := realtime.NewEvent(realtime.EventCallParticipant, ParticipantUpdate{
		CallID:       call.ID,
		Participants: append([]models.CallParticipant(nil), call.Participants...),
	})
	m.pub.PublishUsers(append([]string{call.AdminID}, changed...), ev)
}

func (m *Manager) endLocked(st *callState, reason string) {
	if st.timer != nil {
		st.timer.Stop()
	}
	now := m.clock.Now().UTC()
	st.call.EndedAt = &now
	st.call.EndReason = reason

	targets := []string{st.call.AdminID}
	for _, p := range st.call.Participants {
		targets = append(targets, p.UserID)
	}
	m.pub.PublishUsers(targets, realtime.NewEvent(realtime.EventCallEnded, Ended{CallID: st.call.ID, Reason: reason}))
	m.logger.Info("call ended", zap.String("call_id", st.call.ID), zap.String("reason", reason))
}

func (m *Manager) pruneLocked(now time.Time) {
	for id, st := range m.calls {
		if st.call.Ended() && now.Sub(*st.call.EndedAt) > endedCallsRetention {
			delete(m.calls, id)
		}
	}
}

// Close stops every ring timer. Used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.calls {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}
