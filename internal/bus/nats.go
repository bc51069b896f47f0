// Package bus carries relay traffic between ticko-relay nodes over NATS so
// that users connected to different nodes still reach each other.
package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/ticko-relay/internal/logger"
	"github.com/Tyrowin/ticko-relay/internal/relay"
)

const (
	kindMessage = "message"
	kindTyping  = "typing"
)

// Config holds the NATS connection settings.
type Config struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Connect dials NATS with reconnects enabled forever.
func Connect(cfg Config) (*nats.Conn, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	log := logger.L().Named("bus")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return nc, nil
}

// Envelope is what travels on the subject.
type Envelope struct {
	Origin   string          `json:"origin"`
	Kind     string          `json:"kind"`
	Room     string          `json:"room,omitempty"`
	Event    string          `json:"event,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Members  []string        `json:"members,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Deliverer is the local side that receives traffic from other nodes.
type Deliverer interface {
	DeliverMessage(ev relay.MessageEvent) int
	DeliverTyping(roomID, fromConn, event string) int
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge publishes this node's relayed traffic and delivers traffic from
// other nodes to local connections. It implements relay.Bridge.
type Bridge struct {
	pub     publisher
	nc      *nats.Conn
	subject string
	nodeID  string
	log     *zap.Logger
	sub     *nats.Subscription
}

// NewBridge wraps an established NATS connection.
func NewBridge(nc *nats.Conn, subject, nodeID string) *Bridge {
	b := newBridge(nc, subject, nodeID)
	b.nc = nc
	return b
}

func newBridge(pub publisher, subject, nodeID string) *Bridge {
	return &Bridge{
		pub:     pub,
		subject: subject,
		nodeID:  nodeID,
		log:     logger.L().Named("bus").With(zap.String("subject", subject)),
	}
}

// PublishMessage forwards a relayed message to the other nodes.
func (b *Bridge) PublishMessage(ev relay.MessageEvent) error {
	return b.publish(Envelope{
		Origin:   b.nodeID,
		Kind:     kindMessage,
		Room:     ev.RoomID,
		SenderID: ev.SenderID,
		Members:  ev.Members,
		Payload:  ev.Raw,
	})
}

// PublishTyping forwards a typing or stop typing notice.
func (b *Bridge) PublishTyping(roomID, event string) error {
	return b.publish(Envelope{Origin: b.nodeID, Kind: kindTyping, Room: roomID, Event: event})
}

func (b *Bridge) publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode bus envelope")
	}
	if err := b.pub.Publish(b.subject, data); err != nil {
		return errors.Wrapf(err, "publish to %s", b.subject)
	}
	return nil
}

// Start subscribes to the subject and hands remote traffic to d.
func (b *Bridge) Start(d Deliverer) error {
	if b.nc == nil {
		return errors.New("bus: bridge has no nats connection")
	}
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		b.handle(d, m.Data)
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", b.subject)
	}
	b.sub = sub
	b.log.Info("bridge subscribed", zap.String("node_id", b.nodeID))
	return nil
}

// handle delivers one envelope from another node. Envelopes published by
// this node were already delivered locally and are skipped.
func (b *Bridge) handle(d Deliverer, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn("dropping bus envelope", zap.Error(err))
		return
	}
	if env.Origin == b.nodeID {
		return
	}

	switch env.Kind {
	case kindMessage:
		d.DeliverMessage(relay.MessageEvent{
			SenderID: env.SenderID,
			RoomID:   env.Room,
			Members:  env.Members,
			Raw:      env.Payload,
		})
	case kindTyping:
		if env.Event != relay.EventTyping && env.Event != relay.EventStopTyping {
			b.log.Warn("dropping bus typing envelope", zap.String("event", env.Event))
			return
		}
		d.DeliverTyping(env.Room, "", env.Event)
	default:
		b.log.Warn("dropping bus envelope", zap.String("kind", env.Kind), zap.String("origin", env.Origin))
	}
}

// Close unsubscribes and drains the connection.
func (b *Bridge) Close() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.log.Debug("unsubscribe", zap.Error(err))
		}
	}
	if b.nc != nil {
		return errors.Wrap(b.nc.Drain(), "drain nats")
	}
	return nil
}
