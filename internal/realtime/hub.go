package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/models"
)

// Session is one attached client connection. The transport drains
// Outbound and writes each payload as a frame; a closed Outbound means the
// hub dropped the session.
type Session struct {
	ID     string
	UserID string

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// rooms is guarded by Hub.mu; registered is written under both locks.
	registered bool
	rooms      map[string]struct{}
	// counted is guarded by Hub.countMu. It records that presence holds
	// one count for this session, which Detach must give back.
	counted bool
}

func (s *Session) Outbound() <-chan []byte { return s.send }

func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// enqueue never blocks. It reports false when the queue is full or the
// session is already closed.
func (s *Session) enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}

// Hub tracks sessions, their user topics and the conversation topics they
// joined.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[*Session]struct{}
	rooms    map[string]map[*Session]struct{}

	// countMu pairs each presence connect with exactly one disconnect.
	// It is taken before mu, never while holding it.
	countMu sync.Mutex

	queueSize int
	presence  *Presence
	onOffline []func(userID string)
	logger    *zap.Logger
}

func NewHub(queueSize int, presence *Presence, logger *zap.Logger) *Hub {
	if queueSize < 1 {
		queueSize = 256
	}
	h := &Hub{
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]map[*Session]struct{}),
		rooms:     make(map[string]map[*Session]struct{}),
		queueSize: queueSize,
		presence:  presence,
		logger:    logger.Named("hub"),
	}
	if presence != nil {
		presence.hub = h
	}
	return h
}

// OnOffline registers a callback run after a user's last registered session
// detaches. Typing cleanup and upload cancellation hang off it.
func (h *Hub) OnOffline(fn func(userID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOffline = append(h.onOffline, fn)
}

// Attach creates an unregistered session for an authenticated user.
func (h *Hub) Attach(userID string) *Session {
	s := &Session{
		ID:     uuid.NewString(),
		UserID: models.NormalizeUserID(userID),
		send:   make(chan []byte, h.queueSize),
		rooms:  make(map[string]struct{}),
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	return s
}

// Register binds the session to its user topic and counts it for presence.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	if s.registered {
		h.mu.Unlock()
		return
	}
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	set, ok := h.byUser[s.UserID]
	if !ok {
		set = make(map[*Session]struct{})
		h.byUser[s.UserID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	h.count(s)
	h.logger.Debug("session registered", zap.String("session_id", s.ID), zap.String("user_id", s.UserID))
}

// Detach removes the session everywhere and closes its queue. Safe to call
// more than once.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	for room := range s.rooms {
		h.leaveLocked(s, room)
	}
	wasRegistered := s.registered
	lastForUser := false
	if wasRegistered {
		set := h.byUser[s.UserID]
		delete(set, s)
		if len(set) == 0 {
			delete(h.byUser, s.UserID)
			lastForUser = true
		}
	}
	callbacks := append([]func(string){}, h.onOffline...)
	h.mu.Unlock()

	s.close()
	if h.presence != nil {
		h.presence.unwatchAll(s)
	}
	if wasRegistered {
		h.uncount(s)
	}
	if lastForUser {
		for _, fn := range callbacks {
			fn(s.UserID)
		}
	}
	h.logger.Debug("session detached", zap.String("session_id", s.ID), zap.String("user_id", s.UserID))
}

// count adds s to the presence count unless Detach already removed it.
// Register drops h.mu before calling presence, so a concurrent Detach may
// run in between; countMu makes the two agree on whether s was counted.
func (h *Hub) count(s *Session) {
	if h.presence == nil {
		return
	}
	h.countMu.Lock()
	defer h.countMu.Unlock()
	h.mu.RLock()
	_, live := h.sessions[s.ID]
	h.mu.RUnlock()
	if !live || s.counted {
		return
	}
	s.counted = true
	h.presence.connect(s.UserID)
}

func (h *Hub) uncount(s *Session) {
	if h.presence == nil {
		return
	}
	h.countMu.Lock()
	defer h.countMu.Unlock()
	if !s.counted {
		return
	}
	s.counted = false
	h.presence.disconnect(s.UserID)
}

func (h *Hub) Join(s *Session, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	set, ok := h.rooms[conversationID]
	if !ok {
		set = make(map[*Session]struct{})
		h.rooms[conversationID] = set
	}
	set[s] = struct{}{}
	s.rooms[conversationID] = struct{}{}
}

func (h *Hub) Leave(s *Session, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, conversationID)
}

func (h *Hub) leaveLocked(s *Session, conversationID string) {
	delete(s.rooms, conversationID)
	if set, ok := h.rooms[conversationID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// Joined reports whether the session subscribed to the conversation topic.
func (h *Hub) Joined(s *Session, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := s.rooms[conversationID]
	return ok
}

// Evict unsubscribes every session of the given users from a conversation.
func (h *Hub) Evict(conversationID string, userIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range userIDs {
		for s := range h.byUser[models.NormalizeUserID(id)] {
			h.leaveLocked(s, conversationID)
		}
	}
	for s := range h.rooms[conversationID] {
		for _, id := range userIDs {
			if s.UserID == models.NormalizeUserID(id) {
				h.leaveLocked(s, conversationID)
			}
		}
	}
}

// CloseConversation drops the topic entirely.
func (h *Hub) CloseConversation(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.rooms[conversationID] {
		delete(s.rooms, conversationID)
	}
	delete(h.rooms, conversationID)
}

// PublishConversation delivers ev once to every session that joined the
// conversation topic or belongs to one of members. Callers publish under
// the conversation lock, so every session sees one conversation's events
// in the same order.
func (h *Hub) PublishConversation(conversationID string, members []string, ev Event) {
	h.mu.RLock()
	targets := make(map[*Session]struct{})
	for s := range h.rooms[conversationID] {
		targets[s] = struct{}{}
	}
	for _, id := range members {
		for s := range h.byUser[models.NormalizeUserID(id)] {
			targets[s] = struct{}{}
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, ev)
}

// PublishRoom delivers to the conversation topic only, skipping sessions of
// exceptUser. Used for ephemeral signals such as typing.
func (h *Hub) PublishRoom(conversationID, exceptUser string, ev Event) {
	exceptUser = models.NormalizeUserID(exceptUser)
	h.mu.RLock()
	targets := make(map[*Session]struct{})
	for s := range h.rooms[conversationID] {
		if s.UserID != exceptUser {
			targets[s] = struct{}{}
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, ev)
}

func (h *Hub) PublishUser(userID string, ev Event) {
	h.PublishUsers([]string{userID}, ev)
}

func (h *Hub) PublishUsers(userIDs []string, ev Event) {
	h.mu.RLock()
	targets := make(map[*Session]struct{})
	for _, id := range userIDs {
		for s := range h.byUser[models.NormalizeUserID(id)] {
			targets[s] = struct{}{}
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, ev)
}

// SendTo writes directly to one session, registered or not.
func (h *Hub) SendTo(s *Session, ev Event) {
	h.deliver(map[*Session]struct{}{s: {}}, ev)
}

func (h *Hub) deliver(targets map[*Session]struct{}, ev Event) {
	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", zap.String("event", ev.Type), zap.Error(err))
		return
	}
	for s := range targets {
		if s.enqueue(payload) {
			continue
		}
		if s.close() {
			h.logger.Warn("outbound queue full, dropping session",
				zap.String("session_id", s.ID),
				zap.String("user_id", s.UserID),
				zap.String("event", ev.Type),
			)
			// Detach takes h.mu and the presence lock; deliver may run
			// under either.
			go h.Detach(s)
		}
	}
}

// Online reports whether the user has at least one registered session.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[models.NormalizeUserID(userID)]) > 0
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close detaches every session. Used on shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		h.Detach(s)
	}
}
