// Package relay is the presence and message-relay core of ticko-relay.
//
// A Hub owns three pieces of shared state: the Registry (user -> live
// connections), the Rooms tracker (room -> joined connections) and the table
// of attached peers. Each transport connection is driven by a Session, a
// small state machine (connected, identified, closed) that turns inbound
// events into registry and room operations, typing notices, message fan-out
// and presence broadcasts.
//
// The relay does not decide who may join or post to a room. Room ids, user
// ids and message member lists are taken as given; checking them is the job
// of the caller that persisted the message or issued the token.
package relay
