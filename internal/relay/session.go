package relay

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the lifecycle stage of a Session.
type State int

const (
	// StateConnected means the transport is open but no user is bound.
	StateConnected State = iota
	// StateIdentified means setup bound a user to the connection.
	StateIdentified
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session interprets the inbound events of one connection. The transport
// feeds frames to Handle from a single goroutine and calls Close exactly when
// it observes a disconnect; Close may be called any number of times.
type Session struct {
	hub      *Hub
	peer     Peer
	id       string
	verified string
	log      *zap.Logger

	mu     sync.Mutex
	state  State
	userID string

	closeOnce sync.Once
}

func newSession(h *Hub, p Peer, verified string) *Session {
	return &Session{
		hub:      h,
		peer:     p,
		id:       p.ID(),
		verified: verified,
		log:      h.log.With(zap.String("conn_id", p.ID())),
		state:    StateConnected,
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the bound user, or "" before setup.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Handle processes one raw inbound frame. Malformed frames are logged and
// dropped; the returned error is informational and never means the
// connection must close.
func (s *Session) Handle(raw []byte) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		s.mu.Lock()
		s.drop("", "bad_frame", err)
		s.mu.Unlock()
		return err
	}
	return s.Dispatch(env)
}

// Dispatch processes one decoded event.
func (s *Session) Dispatch(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrPeerClosed
	}

	var err error
	switch env.Event {
	case EventSetup:
		err = s.setupLocked(env)
	case EventJoinRoom:
		err = s.joinLocked(env)
	case EventLeaveRoom:
		err = s.leaveLocked(env)
	case EventTyping, EventStopTyping:
		err = s.typingLocked(env)
	case EventNewMessage:
		err = s.newMessageLocked(env)
	case EventLogout:
		err = s.logoutLocked()
	default:
		err = errors.Wrapf(ErrMalformedEvent, "unknown event %q", env.Event)
	}

	if err != nil {
		s.drop(env.Event, reasonOf(err), err)
		return err
	}
	s.hub.metrics.Event(env.Event)
	return nil
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrNotIdentified):
		return "not_identified"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	default:
		return "malformed"
	}
}

func (s *Session) drop(event, reason string, err error) {
	s.hub.metrics.Malformed(reason)
	s.log.Warn("dropping event",
		zap.String("event", event), zap.String("user_id", s.userID), zap.String("reason", reason), zap.Error(err))
}

func (s *Session) requireIdentified() error {
	if s.state != StateIdentified {
		return ErrNotIdentified
	}
	return nil
}

func (s *Session) setupLocked(env Envelope) error {
	userID, err := decodeID(env.Data, "user id")
	if err != nil {
		return err
	}
	if s.verified != "" && userID != s.verified {
		return errors.Wrapf(ErrIdentityMismatch, "setup for %s", userID)
	}

	if s.state == StateIdentified {
		if s.userID == userID {
			s.acknowledge(false)
			return nil
		}
		s.log.Info("rebinding connection to a different user",
			zap.String("user_id", userID), zap.String("previous_user_id", s.userID))
		s.teardownLocked()
	}

	s.userID = userID
	s.state = StateIdentified
	first := s.hub.registry.Register(userID, s.id)
	s.log.Info("user identified", zap.String("user_id", userID), zap.Bool("came_online", first))
	s.acknowledge(first)
	return nil
}

// acknowledge tells the caller it is identified and makes sure it holds the
// current online list, either through the global broadcast or directly.
func (s *Session) acknowledge(changed bool) {
	if changed {
		s.hub.broadcastPresence()
	} else {
		s.hub.sendPresence(s.id)
	}

	frame, err := EncodeFrame(EventConnected, nil)
	if err != nil {
		s.log.Error("encode ack", zap.Error(err))
		return
	}
	s.hub.deliver(s.peer, frame, kindAck)
}

func (s *Session) joinLocked(env Envelope) error {
	if err := s.requireIdentified(); err != nil {
		return err
	}
	roomID, err := decodeID(env.Data, "room id")
	if err != nil {
		return err
	}
	if s.hub.rooms.Join(roomID, s.id) {
		s.log.Debug("joined room", zap.String("user_id", s.userID), zap.String("room_id", roomID))
		s.hub.metrics.SetRooms(s.hub.rooms.Len())
	}
	return nil
}

func (s *Session) leaveLocked(env Envelope) error {
	if err := s.requireIdentified(); err != nil {
		return err
	}
	roomID, err := decodeID(env.Data, "room id")
	if err != nil {
		return err
	}
	if s.hub.rooms.Leave(roomID, s.id) {
		s.log.Debug("left room", zap.String("user_id", s.userID), zap.String("room_id", roomID))
		s.hub.metrics.SetRooms(s.hub.rooms.Len())
	}
	return nil
}

func (s *Session) typingLocked(env Envelope) error {
	if err := s.requireIdentified(); err != nil {
		return err
	}
	roomID, err := decodeID(env.Data, "room id")
	if err != nil {
		return err
	}
	s.hub.RelayTyping(roomID, s.id, env.Event)
	return nil
}

func (s *Session) newMessageLocked(env Envelope) error {
	if err := s.requireIdentified(); err != nil {
		return err
	}
	ev, err := DecodeMessage(env.Data)
	if err != nil {
		return err
	}
	if s.verified != "" && ev.SenderID != s.verified {
		return errors.Wrapf(ErrIdentityMismatch, "message sender %s", ev.SenderID)
	}
	s.hub.RelayMessage(ev)
	return nil
}

func (s *Session) logoutLocked() error {
	if err := s.requireIdentified(); err != nil {
		return err
	}
	s.log.Info("user logged out", zap.String("user_id", s.userID))
	s.teardownLocked()
	s.userID = ""
	s.state = StateConnected
	return nil
}

// teardownLocked removes the connection from every room and from the
// registry, broadcasting presence if the user went offline.
func (s *Session) teardownLocked() {
	if left := s.hub.rooms.LeaveAll(s.id); len(left) > 0 {
		s.hub.metrics.SetRooms(s.hub.rooms.Len())
	}
	userID, last := s.hub.registry.Unregister(s.id)
	if last {
		s.log.Info("user offline", zap.String("user_id", userID))
		s.hub.broadcastPresence()
	}
}

// Close runs the disconnect teardown once. Later calls are no-ops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		prev := s.state
		s.state = StateClosed
		attached := s.hub.detach(s.id)
		if prev == StateIdentified {
			s.teardownLocked()
		} else {
			s.hub.rooms.LeaveAll(s.id)
		}
		s.log.Info("connection closed", zap.String("user_id", s.userID), zap.Stringer("previous_state", prev))
		if attached {
			s.hub.wg.Done()
		}
	})
}
