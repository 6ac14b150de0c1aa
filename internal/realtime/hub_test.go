package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func drain(t *testing.T, s *Session) []received {
	t.Helper()
	var out []received
	for {
		select {
		case raw, ok := <-s.Outbound():
			if !ok {
				return out
			}
			var r received
			require.NoError(t, json.Unmarshal(raw, &r))
			out = append(out, r)
		default:
			return out
		}
	}
}

func names(rs []received) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Event)
	}
	return out
}

func newHub(t *testing.T, queue int) (*Hub, *Presence, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	p := NewPresence(NewMemoryLastSeen(), clock, zap.NewNop())
	return NewHub(queue, p, zap.NewNop()), p, clock
}

func TestPublishConversationDeliversOncePerSession(t *testing.T) {
	h, _, _ := newHub(t, 16)
	a1 := h.Attach("a")
	a2 := h.Attach("A")
	b := h.Attach("b")
	outsider := h.Attach("c")
	for _, s := range []*Session{a1, a2, b, outsider} {
		h.Register(s)
	}
	h.Join(a1, "C1")
	h.Join(b, "C1")

	h.PublishConversation("C1", []string{"A", "B"}, NewEvent(EventNewMessage, map[string]int{"seq": 1}))

	assert.Len(t, drain(t, a1), 1, "joined member gets one copy")
	assert.Len(t, drain(t, a2), 1, "second device reached through the user topic")
	assert.Len(t, drain(t, b), 1)
	assert.Empty(t, drain(t, outsider))
}

func TestPublishPreservesOrder(t *testing.T) {
	h, _, _ := newHub(t, 64)
	s := h.Attach("a")
	h.Register(s)
	h.Join(s, "C1")

	for i := 1; i <= 20; i++ {
		h.PublishConversation("C1", nil, NewEvent(EventNewMessage, map[string]int{"seq": i}))
	}
	got := drain(t, s)
	require.Len(t, got, 20)
	for i, r := range got {
		var body map[string]int
		require.NoError(t, json.Unmarshal(r.Data, &body))
		assert.Equal(t, i+1, body["seq"])
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h, _, _ := newHub(t, 2)
	slow := h.Attach("slow")
	fast := h.Attach("fast")
	h.Register(slow)
	h.Register(fast)
	h.Join(slow, "C1")
	h.Join(fast, "C1")

	for i := 0; i < 3; i++ {
		h.PublishConversation("C1", nil, NewEvent(EventNewMessage, i))
		drain(t, fast)
	}

	assert.True(t, slow.Closed())
	assert.False(t, fast.Closed(), "other subscribers keep receiving")
	require.Eventually(t, func() bool { return !h.Online("slow") }, time.Second, 5*time.Millisecond)
}

func TestEvictAndClose(t *testing.T) {
	h, _, _ := newHub(t, 16)
	a := h.Attach("a")
	b := h.Attach("b")
	h.Register(a)
	h.Register(b)
	h.Join(a, "G")
	h.Join(b, "G")

	h.Evict("G", []string{"b"})
	assert.False(t, h.Joined(b, "G"))
	assert.True(t, h.Joined(a, "G"))

	h.PublishRoom("G", "", NewEvent(EventTyping, nil))
	assert.Len(t, drain(t, a), 1)
	assert.Empty(t, drain(t, b))

	h.CloseConversation("G")
	assert.False(t, h.Joined(a, "G"))
}

func TestPresenceFollowsSocketCount(t *testing.T) {
	h, p, clock := newHub(t, 16)
	watcher := h.Attach("w")
	h.Register(watcher)
	p.Subscribe(context.Background(), watcher, []string{"u"})
	first := drain(t, watcher)
	require.Len(t, first, 1)

	s1 := h.Attach("u")
	s2 := h.Attach("u")
	h.Register(s1)
	h.Register(s2)
	assert.True(t, p.Online("u"))
	assert.Equal(t, []string{EventUserPresence}, names(drain(t, watcher)), "only the first socket flips presence")

	h.Detach(s1)
	assert.True(t, p.Online("u"))
	assert.Empty(t, drain(t, watcher))

	clock.Advance(time.Minute)
	h.Detach(s2)
	assert.False(t, p.Online("u"))
	got := drain(t, watcher)
	require.Len(t, got, 1)
	var state PresenceState
	require.NoError(t, json.Unmarshal(got[0].Data, &state))
	assert.False(t, state.Online)
	require.NotNil(t, state.LastSeen)
	assert.True(t, state.LastSeen.Equal(clock.Now().UTC()))

	h.Detach(s2)
	assert.False(t, p.Online("u"), "double detach does not go negative")
}

// Register drops the hub lock before counting presence. A Detach landing
// in that gap must not leave the user online.
func TestDetachBetweenRegisterAndCount(t *testing.T) {
	h, p, _ := newHub(t, 16)
	s := h.Attach("u")

	// The first half of Register: bound to the user topic, not yet counted.
	h.mu.Lock()
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	h.byUser[s.UserID] = map[*Session]struct{}{s: {}}
	h.mu.Unlock()

	h.Detach(s)
	h.count(s)
	assert.False(t, p.Online("u"))
}

func TestConcurrentRegisterDetachBalancesPresence(t *testing.T) {
	h, p, _ := newHub(t, 16)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		s := h.Attach("u")
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Register(s)
		}()
		go func() {
			defer wg.Done()
			h.Detach(s)
		}()
	}
	wg.Wait()
	assert.False(t, p.Online("u"))
}

func TestOnOfflineRunsAfterLastSession(t *testing.T) {
	h, _, _ := newHub(t, 16)
	var offline []string
	h.OnOffline(func(id string) { offline = append(offline, id) })

	s1 := h.Attach("u")
	s2 := h.Attach("u")
	h.Register(s1)
	h.Register(s2)
	h.Detach(s1)
	assert.Empty(t, offline)
	h.Detach(s2)
	assert.Equal(t, []string{"U"}, offline)
}

func TestTypingAutoStops(t *testing.T) {
	h, _, clock := newHub(t, 16)
	typist := h.Attach("a")
	reader := h.Attach("b")
	h.Register(typist)
	h.Register(reader)
	h.Join(typist, "C")
	h.Join(reader, "C")

	tr := NewTypingTracker(h, clock, 3*time.Second)
	tr.Start("C", "a")
	assert.Equal(t, []string{EventTyping}, names(drain(t, reader)))
	assert.Empty(t, drain(t, typist), "typist does not hear itself")

	clock.Advance(2 * time.Second)
	tr.Start("C", "a")
	drain(t, reader)

	clock.Advance(2 * time.Second)
	assert.True(t, tr.IsTyping("C", "a"), "timer was re-armed")

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return !tr.IsTyping("C", "a") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(drain(t, reader)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTypingExplicitStop(t *testing.T) {
	h, _, clock := newHub(t, 16)
	reader := h.Attach("b")
	h.Register(reader)
	h.Join(reader, "C")

	tr := NewTypingTracker(h, clock, 3*time.Second)
	tr.Start("C", "a")
	tr.Stop("C", "a")
	tr.Stop("C", "a")
	assert.Equal(t, []string{EventTyping, EventStopTyping}, names(drain(t, reader)))

	tr.Start("C", "a")
	tr.StopUser("A")
	assert.Equal(t, []string{EventTyping, EventStopTyping}, names(drain(t, reader)))
}
