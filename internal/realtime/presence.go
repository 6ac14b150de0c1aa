package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/models"
)

// Presence counts registered sessions per user. A user is online iff the
// count is positive. Watchers are sessions that asked to hear about a user.
type Presence struct {
	mu       sync.Mutex
	counts   map[string]int
	lastSeen map[string]time.Time
	watchers map[string]map[*Session]struct{}

	store  LastSeenStore
	clock  clockwork.Clock
	hub    *Hub
	logger *zap.Logger
}

func NewPresence(store LastSeenStore, clock clockwork.Clock, logger *zap.Logger) *Presence {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if store == nil {
		store = NewMemoryLastSeen()
	}
	return &Presence{
		counts:   make(map[string]int),
		lastSeen: make(map[string]time.Time),
		watchers: make(map[string]map[*Session]struct{}),
		store:    store,
		clock:    clock,
		logger:   logger.Named("presence"),
	}
}

func (p *Presence) connect(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[userID]++
	if p.counts[userID] == 1 {
		p.notifyLocked(PresenceState{UserID: userID, Online: true})
	}
}

func (p *Presence) disconnect(userID string) {
	p.mu.Lock()
	if p.counts[userID] == 0 {
		p.mu.Unlock()
		return
	}
	p.counts[userID]--
	if p.counts[userID] > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.counts, userID)
	now := p.clock.Now().UTC()
	p.lastSeen[userID] = now
	p.notifyLocked(PresenceState{UserID: userID, Online: false, LastSeen: &now})
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.store.Set(ctx, userID, now); err != nil {
		p.logger.Warn("persist last seen", zap.String("user_id", userID), zap.Error(err))
	}
}

func (p *Presence) notifyLocked(state PresenceState) {
	set := p.watchers[state.UserID]
	if len(set) == 0 || p.hub == nil {
		return
	}
	targets := make(map[*Session]struct{}, len(set))
	for s := range set {
		targets[s] = struct{}{}
	}
	p.hub.deliver(targets, NewEvent(EventUserPresence, state))
}

// Online reports the live state of a user.
func (p *Presence) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[models.NormalizeUserID(userID)] > 0
}

// State returns the current presence of a user, consulting the last-seen
// store when this process never saw the user leave.
func (p *Presence) State(ctx context.Context, userID string) PresenceState {
	id := models.NormalizeUserID(userID)
	p.mu.Lock()
	online := p.counts[id] > 0
	seen, known := p.lastSeen[id]
	p.mu.Unlock()

	state := PresenceState{UserID: id, Online: online}
	if online {
		return state
	}
	if !known {
		t, ok, err := p.store.Get(ctx, id)
		if err != nil {
			p.logger.Warn("load last seen", zap.String("user_id", id), zap.Error(err))
		}
		if ok {
			seen, known = t, true
		}
	}
	if known {
		state.LastSeen = &seen
	}
	return state
}

// Subscribe makes s a watcher of userIDs and sends it their current state.
func (p *Presence) Subscribe(ctx context.Context, s *Session, userIDs []string) []PresenceState {
	ids := models.NormalizeUserIDs(userIDs)
	p.mu.Lock()
	for _, id := range ids {
		set, ok := p.watchers[id]
		if !ok {
			set = make(map[*Session]struct{})
			p.watchers[id] = set
		}
		set[s] = struct{}{}
	}
	p.mu.Unlock()

	states := make([]PresenceState, 0, len(ids))
	for _, id := range ids {
		state := p.State(ctx, id)
		states = append(states, state)
		if p.hub != nil {
			p.hub.SendTo(s, NewEvent(EventUserPresence, state))
		}
	}
	return states
}

func (p *Presence) Unsubscribe(s *Session, userIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range models.NormalizeUserIDs(userIDs) {
		p.unwatchLocked(s, id)
	}
}

func (p *Presence) unwatchAll(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.watchers {
		p.unwatchLocked(s, id)
	}
}

func (p *Presence) unwatchLocked(s *Session, userID string) {
	set, ok := p.watchers[userID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(p.watchers, userID)
	}
}
