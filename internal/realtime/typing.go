package realtime

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lalith-99/huddle/internal/models"
)

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	timer clockwork.Timer
	gen   uint64
}

// TypingTracker tracks who is typing where and broadcasts stop_typing when
// a user goes quiet for longer than the timeout.
type TypingTracker struct {
	mu      sync.Mutex
	active  map[typingKey]*typingEntry
	gen     uint64
	clock   clockwork.Clock
	timeout time.Duration
	hub     *Hub
}

func NewTypingTracker(hub *Hub, clock clockwork.Clock, timeout time.Duration) *TypingTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &TypingTracker{
		active:  make(map[typingKey]*typingEntry),
		clock:   clock,
		timeout: timeout,
		hub:     hub,
	}
}

// Start broadcasts typing and (re)arms the inactivity timer.
func (t *TypingTracker) Start(conversationID, userID string) {
	k := typingKey{conversationID, models.NormalizeUserID(userID)}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	if e, ok := t.active[k]; ok {
		e.timer.Stop()
	}
	t.active[k] = &typingEntry{
		gen:   gen,
		timer: t.clock.AfterFunc(t.timeout, func() { t.expire(k, gen) }),
	}
	t.mu.Unlock()

	t.hub.PublishRoom(conversationID, k.userID, NewEvent(EventTyping, typingPayload(k)))
}

// Stop broadcasts stop_typing if the user was typing.
func (t *TypingTracker) Stop(conversationID, userID string) {
	k := typingKey{conversationID, models.NormalizeUserID(userID)}

	t.mu.Lock()
	e, ok := t.active[k]
	if ok {
		e.timer.Stop()
		delete(t.active, k)
	}
	t.mu.Unlock()

	if ok {
		t.hub.PublishRoom(conversationID, k.userID, NewEvent(EventStopTyping, typingPayload(k)))
	}
}

// StopUser clears every indicator of a user, e.g. when they go offline.
func (t *TypingTracker) StopUser(userID string) {
	id := models.NormalizeUserID(userID)

	t.mu.Lock()
	stopped := make([]typingKey, 0)
	for k, e := range t.active {
		if k.userID == id {
			e.timer.Stop()
			delete(t.active, k)
			stopped = append(stopped, k)
		}
	}
	t.mu.Unlock()

	for _, k := range stopped {
		t.hub.PublishRoom(k.conversationID, k.userID, NewEvent(EventStopTyping, typingPayload(k)))
	}
}

func (t *TypingTracker) expire(k typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.active[k]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.active, k)
	t.mu.Unlock()

	t.hub.PublishRoom(k.conversationID, k.userID, NewEvent(EventStopTyping, typingPayload(k)))
}

// IsTyping reports whether the user has a live indicator in the conversation.
func (t *TypingTracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[typingKey{conversationID, models.NormalizeUserID(userID)}]
	return ok
}

// StopAll cancels every timer without broadcasting. Used on shutdown.
func (t *TypingTracker) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.active {
		e.timer.Stop()
		delete(t.active, k)
	}
}

func typingPayload(k typingKey) Typing {
	return Typing{ConversationID: k.conversationID, SenderID: k.userID}
}
