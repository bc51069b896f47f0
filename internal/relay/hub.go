package relay

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/ticko-relay/internal/logger"
	"github.com/Tyrowin/ticko-relay/internal/metrics"
)

// ErrHubClosed is returned by Attach once Shutdown has started.
var ErrHubClosed = errors.New("relay: hub closed")

// Delivery kinds used in logs and metrics.
const (
	kindPresence = "presence"
	kindAck      = "ack"
	kindTyping   = "typing"
	kindMessage  = "message"
)

// PresenceMirror receives every presence snapshot the hub broadcasts.
// Publish must not block.
type PresenceMirror interface {
	Publish(p Presence)
}

// Bridge forwards relayed traffic to other nodes.
type Bridge interface {
	PublishMessage(ev MessageEvent) error
	PublishTyping(roomID, event string) error
}

// Options configures a Hub. Zero values are usable.
type Options struct {
	NodeID  string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Mirror  PresenceMirror
	Bridge  Bridge
}

// Hub is the process-wide relay state: the connection registry, the room
// tracker and the table of live peers. Create one at service start and call
// Shutdown when the service stops.
type Hub struct {
	nodeID   string
	log      *zap.Logger
	metrics  *metrics.Metrics
	registry *Registry
	rooms    *Rooms

	peersMu sync.RWMutex
	peers   map[string]Peer
	closed  bool
	wg      sync.WaitGroup

	// presenceMu orders presence broadcasts so every peer queue sees
	// snapshots in version order.
	presenceMu   sync.Mutex
	lastPresence uint64

	extMu  sync.RWMutex
	mirror PresenceMirror
	bridge Bridge
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = logger.L()
	}
	return &Hub{
		nodeID:   opts.NodeID,
		log:      log.Named("relay"),
		metrics:  opts.Metrics,
		registry: NewRegistry(),
		rooms:    NewRooms(),
		peers:    make(map[string]Peer),
		mirror:   opts.Mirror,
		bridge:   opts.Bridge,
	}
}

// NodeID identifies this process among relay nodes.
func (h *Hub) NodeID() string { return h.nodeID }

// Registry exposes the connection registry for read access.
func (h *Hub) Registry() *Registry { return h.registry }

// Rooms exposes the room tracker for read access.
func (h *Hub) Rooms() *Rooms { return h.rooms }

// Online returns the current presence snapshot.
func (h *Hub) Online() Presence { return h.registry.Snapshot() }

// SetMirror installs the presence mirror after construction.
func (h *Hub) SetMirror(m PresenceMirror) {
	h.extMu.Lock()
	h.mirror = m
	h.extMu.Unlock()
}

// SetBridge installs the cross-node bridge after construction.
func (h *Hub) SetBridge(b Bridge) {
	h.extMu.Lock()
	h.bridge = b
	h.extMu.Unlock()
}

func (h *Hub) currentBridge() Bridge {
	h.extMu.RLock()
	defer h.extMu.RUnlock()
	return h.bridge
}

func (h *Hub) currentMirror() PresenceMirror {
	h.extMu.RLock()
	defer h.extMu.RUnlock()
	return h.mirror
}

// Attach adds a freshly connected peer and returns the session that
// interprets its events. verifiedUser pins the identity setup may bind;
// pass "" when the transport did not verify one.
func (h *Hub) Attach(p Peer, verifiedUser string) (*Session, error) {
	if p == nil || p.ID() == "" {
		return nil, errors.New("relay: peer without id")
	}

	h.peersMu.Lock()
	if h.closed {
		h.peersMu.Unlock()
		return nil, ErrHubClosed
	}
	if _, dup := h.peers[p.ID()]; dup {
		h.peersMu.Unlock()
		return nil, errors.Errorf("relay: duplicate connection id %s", p.ID())
	}
	h.peers[p.ID()] = p
	h.wg.Add(1)
	count := len(h.peers)
	h.peersMu.Unlock()

	h.metrics.SetConnections(count)
	h.log.Debug("connection attached", zap.String("conn_id", p.ID()), zap.Int("connections", count))

	return newSession(h, p, verifiedUser), nil
}

// detach drops the peer from the table. It reports whether it was present;
// the caller must then call h.wg.Done once its teardown has finished.
func (h *Hub) detach(connID string) bool {
	h.peersMu.Lock()
	_, ok := h.peers[connID]
	if ok {
		delete(h.peers, connID)
	}
	count := len(h.peers)
	h.peersMu.Unlock()

	if ok {
		h.metrics.SetConnections(count)
	}
	return ok
}

func (h *Hub) peer(connID string) (Peer, bool) {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	p, ok := h.peers[connID]
	return p, ok
}

func (h *Hub) peerSnapshot() []Peer {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	out := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

// Connections returns the number of attached peers.
func (h *Hub) Connections() int {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	return len(h.peers)
}

// deliver makes one non-blocking send attempt. A peer whose queue is full is
// treated as a slow consumer and closed; its transport then runs the normal
// disconnect path.
func (h *Hub) deliver(p Peer, frame []byte, kind string) bool {
	err := p.Send(frame)
	if err == nil {
		h.metrics.Delivered(kind)
		return true
	}

	switch {
	case errors.Is(err, ErrSendBufferFull):
		h.metrics.DeliveryFailed(kind, "buffer_full")
		h.log.Warn("send buffer full, closing slow connection",
			zap.String("conn_id", p.ID()), zap.String("kind", kind))
		if cerr := p.Close(); cerr != nil {
			h.log.Debug("close slow connection", zap.String("conn_id", p.ID()), zap.Error(cerr))
		}
	case errors.Is(err, ErrPeerClosed):
		h.metrics.DeliveryFailed(kind, "closed")
		h.log.Debug("peer closed during delivery", zap.String("conn_id", p.ID()), zap.String("kind", kind))
	default:
		h.metrics.DeliveryFailed(kind, "error")
		h.log.Warn("delivery failed", zap.String("conn_id", p.ID()), zap.String("kind", kind), zap.Error(err))
	}
	return false
}

func (h *Hub) deliverTo(connID string, frame []byte, kind string) bool {
	p, ok := h.peer(connID)
	if !ok {
		return false
	}
	return h.deliver(p, frame, kind)
}

// broadcastPresence sends the online list to every attached peer if it
// changed since the last broadcast.
func (h *Hub) broadcastPresence() {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	snap := h.registry.Snapshot()
	h.metrics.SetOnlineUsers(len(snap.Users))
	if snap.Version == h.lastPresence {
		return
	}
	h.lastPresence = snap.Version

	frame, err := EncodeFrame(EventOnlineUsers, snap)
	if err != nil {
		h.log.Error("encode presence", zap.Error(err))
		return
	}

	peers := h.peerSnapshot()
	for _, p := range peers {
		h.deliver(p, frame, kindPresence)
	}
	h.metrics.PresenceBroadcast()
	h.log.Debug("presence broadcast",
		zap.Int("online", len(snap.Users)), zap.Uint64("version", snap.Version), zap.Int("peers", len(peers)))

	if m := h.currentMirror(); m != nil {
		m.Publish(snap)
	}
}

// sendPresence sends the current online list to a single connection.
func (h *Hub) sendPresence(connID string) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	frame, err := EncodeFrame(EventOnlineUsers, h.registry.Snapshot())
	if err != nil {
		h.log.Error("encode presence", zap.Error(err))
		return
	}
	h.deliverTo(connID, frame, kindPresence)
}

// RelayMessage fans a new message out to every live connection of every
// member other than the sender, then forwards it to other nodes. It returns
// the number of local deliveries.
func (h *Hub) RelayMessage(ev MessageEvent) int {
	n := h.DeliverMessage(ev)
	if b := h.currentBridge(); b != nil {
		if err := b.PublishMessage(ev); err != nil {
			h.log.Warn("bridge publish message", zap.String("room_id", ev.RoomID), zap.Error(err))
		}
	}
	return n
}

// DeliverMessage performs the local part of RelayMessage. Members are looked
// up in the registry, not the room tracker; members without live
// connections are skipped.
func (h *Hub) DeliverMessage(ev MessageEvent) int {
	frame, err := EncodeFrame(EventMessageReceived, ev.Raw)
	if err != nil {
		h.log.Error("encode message", zap.String("room_id", ev.RoomID), zap.Error(err))
		return 0
	}

	seen := make(map[string]struct{}, len(ev.Members))
	delivered := 0
	for _, member := range ev.Members {
		if member == ev.SenderID {
			continue
		}
		if _, dup := seen[member]; dup {
			continue
		}
		seen[member] = struct{}{}

		for _, connID := range h.registry.ConnectionsOf(member) {
			if h.deliverTo(connID, frame, kindMessage) {
				delivered++
			}
		}
	}

	h.log.Debug("message relayed",
		zap.String("room_id", ev.RoomID), zap.String("user_id", ev.SenderID), zap.Int("delivered", delivered))
	return delivered
}

// RelayTyping notifies every other connection in roomID and forwards the
// notice to other nodes.
func (h *Hub) RelayTyping(roomID, fromConn, event string) int {
	n := h.DeliverTyping(roomID, fromConn, event)
	if b := h.currentBridge(); b != nil {
		if err := b.PublishTyping(roomID, event); err != nil {
			h.log.Warn("bridge publish typing", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	return n
}

// DeliverTyping sends a typing or stop typing notice to the local members of
// roomID except fromConn.
func (h *Hub) DeliverTyping(roomID, fromConn, event string) int {
	frame, err := EncodeFrame(event, RoomNotice{Room: roomID})
	if err != nil {
		h.log.Error("encode typing", zap.String("room_id", roomID), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, connID := range h.rooms.MembersOf(roomID) {
		if connID == fromConn {
			continue
		}
		if h.deliverTo(connID, frame, kindTyping) {
			delivered++
		}
	}
	return delivered
}

// Shutdown closes every attached peer and waits until their sessions have
// been closed, or until timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.peersMu.Lock()
	h.closed = true
	h.peersMu.Unlock()

	peers := h.peerSnapshot()
	for _, p := range peers {
		if err := p.Close(); err != nil {
			h.log.Debug("close connection", zap.String("conn_id", p.ID()), zap.Error(err))
		}
	}
	h.log.Info("closed client connections", zap.Int("count", len(peers)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some sessions are still open")
		return context.DeadlineExceeded
	}
}
