package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockPeer struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	full    bool
	sendErr error
	closes  int
	onClose func()
}

func newMockPeer(id string) *mockPeer {
	return &mockPeer{id: id}
}

func (m *mockPeer) ID() string { return m.id }

func (m *mockPeer) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrPeerClosed
	case m.full:
		return ErrSendBufferFull
	case m.sendErr != nil:
		return m.sendErr
	}
	m.frames = append(m.frames, append([]byte(nil), frame...))
	return nil
}

func (m *mockPeer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closes++
	if m.onClose != nil {
		go m.onClose()
	}
	return nil
}

func (m *mockPeer) setFull(v bool) {
	m.mu.Lock()
	m.full = v
	m.mu.Unlock()
}

func (m *mockPeer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockPeer) envelopes(t *testing.T) []Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Envelope, 0, len(m.frames))
	for _, f := range m.frames {
		var env Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func (m *mockPeer) count(t *testing.T, event string) int {
	t.Helper()
	n := 0
	for _, env := range m.envelopes(t) {
		if env.Event == event {
			n++
		}
	}
	return n
}

// lastPresence returns the most recent online users payload received.
func (m *mockPeer) lastPresence(t *testing.T) (Presence, bool) {
	t.Helper()
	envs := m.envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Event != EventOnlineUsers {
			continue
		}
		var p Presence
		require.NoError(t, json.Unmarshal(envs[i].Data, &p))
		return p, true
	}
	return Presence{}, false
}

func (m *mockPeer) reset() {
	m.mu.Lock()
	m.frames = nil
	m.mu.Unlock()
}

type recordingBridge struct {
	mu       sync.Mutex
	messages []MessageEvent
	typing   []string
}

func (b *recordingBridge) PublishMessage(ev MessageEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, ev)
	return nil
}

func (b *recordingBridge) PublishTyping(roomID, event string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typing = append(b.typing, roomID+"/"+event)
	return nil
}

type recordingMirror struct {
	mu        sync.Mutex
	snapshots []Presence
}

func (r *recordingMirror) Publish(p Presence) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, p)
	r.mu.Unlock()
}

func (r *recordingMirror) last() (Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return Presence{}, false
	}
	return r.snapshots[len(r.snapshots)-1], true
}

func newTestHub() *Hub {
	return NewHub(Options{NodeID: "test", Logger: zap.NewNop()})
}

func attach(t *testing.T, h *Hub, id string) (*Session, *mockPeer) {
	t.Helper()
	p := newMockPeer(id)
	s, err := h.Attach(p, "")
	require.NoError(t, err)
	return s, p
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	b, err := EncodeFrame(event, data)
	require.NoError(t, err)
	return b
}

func setup(t *testing.T, s *Session, userID string) {
	t.Helper()
	require.NoError(t, s.Handle(frame(t, EventSetup, map[string]string{"_id": userID})))
}

func join(t *testing.T, s *Session, roomID string) {
	t.Helper()
	require.NoError(t, s.Handle(frame(t, EventJoinRoom, roomID)))
}

func chatMessage(sender, room string, members ...string) map[string]any {
	users := make([]map[string]string, 0, len(members))
	for _, m := range members {
		users = append(users, map[string]string{"_id": m})
	}
	return map[string]any{
		"_id":     "m-" + sender,
		"content": "hello",
		"sender":  map[string]string{"_id": sender},
		"chat":    map[string]any{"_id": room, "users": users},
	}
}
