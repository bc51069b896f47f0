package relay

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Inbound event names.
const (
	EventSetup      = "setup"
	EventJoinRoom   = "join chat"
	EventLeaveRoom  = "leave chat"
	EventTyping     = "typing"
	EventStopTyping = "stop typing"
	EventNewMessage = "new message"
	EventLogout     = "logout"
)

// Outbound event names. Typing notifications reuse EventTyping and
// EventStopTyping.
const (
	EventConnected       = "connected"
	EventOnlineUsers     = "online users"
	EventMessageReceived = "message received"
)

// Envelope is the JSON frame exchanged with clients in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomNotice is the payload of outbound typing and stop typing events.
type RoomNotice struct {
	Room string `json:"room"`
}

// MessageEvent is a validated new message ready for fan-out. Raw is the
// payload exactly as the client sent it and is relayed without changes.
type MessageEvent struct {
	SenderID string
	RoomID   string
	Members  []string
	Raw      json.RawMessage
}

// idRef accepts either a bare string or an object carrying "_id" or "id".
type idRef string

func (r *idRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = idRef(s)
		return nil
	}
	var obj struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.MongoID != "" {
		*r = idRef(obj.MongoID)
	} else {
		*r = idRef(obj.ID)
	}
	return nil
}

type messageWire struct {
	Sender *idRef `json:"sender"`
	Chat   *struct {
		ID    idRef    `json:"_id"`
		Users *[]idRef `json:"users"`
	} `json:"chat"`

	SenderID string    `json:"senderId"`
	RoomID   string    `json:"roomId"`
	Members  *[]string `json:"members"`
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if env.Event == "" {
		return Envelope{}, errors.Wrap(ErrMalformedEvent, "missing event name")
	}
	return env, nil
}

// decodeID reads a user or room id from an event payload.
func decodeID(data json.RawMessage, what string) (string, error) {
	if len(data) == 0 {
		return "", errors.Wrapf(ErrMalformedEvent, "missing %s", what)
	}
	var id idRef
	if err := json.Unmarshal(data, &id); err != nil {
		return "", errors.Wrapf(ErrMalformedEvent, "bad %s: %v", what, err)
	}
	if id == "" {
		return "", errors.Wrapf(ErrMalformedEvent, "missing %s", what)
	}
	return string(id), nil
}

// DecodeMessage validates a new message payload. It accepts the chat record
// shape {"sender":{"_id"},"chat":{"_id","users":[...]}} as well as the flat
// {"senderId","roomId","members"} form.
func DecodeMessage(data json.RawMessage) (MessageEvent, error) {
	if len(data) == 0 {
		return MessageEvent{}, errors.Wrap(ErrMalformedEvent, "missing message payload")
	}
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return MessageEvent{}, errors.Wrapf(ErrMalformedEvent, "bad message payload: %v", err)
	}

	ev := MessageEvent{
		SenderID: w.SenderID,
		RoomID:   w.RoomID,
		Raw:      append(json.RawMessage(nil), data...),
	}
	if w.Sender != nil && *w.Sender != "" {
		ev.SenderID = string(*w.Sender)
	}

	hasMembers := false
	if w.Chat != nil {
		if w.Chat.ID != "" {
			ev.RoomID = string(w.Chat.ID)
		}
		if w.Chat.Users != nil {
			hasMembers = true
			for _, u := range *w.Chat.Users {
				if u != "" {
					ev.Members = append(ev.Members, string(u))
				}
			}
		}
	}
	if !hasMembers && w.Members != nil {
		hasMembers = true
		for _, m := range *w.Members {
			if m != "" {
				ev.Members = append(ev.Members, m)
			}
		}
	}

	if ev.SenderID == "" {
		return MessageEvent{}, errors.Wrap(ErrMalformedEvent, "missing sender id")
	}
	if !hasMembers {
		return MessageEvent{}, errors.Wrap(ErrMalformedEvent, "chat users not defined")
	}
	return ev, nil
}

// EncodeFrame builds an outbound frame. data may be nil, a json.RawMessage
// relayed as is, or any value encodable by encoding/json.
func EncodeFrame(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		env.Data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %q payload", event)
		}
		env.Data = b
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %q frame", event)
	}
	return b, nil
}
