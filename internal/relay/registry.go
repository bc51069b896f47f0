package relay

import (
	"sort"
	"sync"
)

// Presence is a point-in-time copy of the online user set. Version grows by
// one every time the set changes, so receivers can discard older snapshots.
type Presence struct {
	Users   []string `json:"users"`
	Version uint64   `json:"version"`
}

// Registry maps user ids to the live connections bound to them and keeps the
// reverse index needed to unregister by connection id alone.
type Registry struct {
	mu      sync.RWMutex
	byUser  map[string]map[string]struct{} // user -> conn ids
	byConn  map[string]string              // conn id -> user
	version uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
}

// Register binds connID to userID. It reports whether the user just came
// online. Registering the same pair twice is a no-op. A connection already
// bound to another user is moved.
func (r *Registry) Register(userID, connID string) (first bool) {
	if userID == "" || connID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok {
		if prev == userID {
			return false
		}
		r.removeLocked(prev, connID)
	}

	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
		first = true
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID

	if first {
		r.version++
	}
	return first
}

// Unregister removes connID from whichever user owns it. last is true when
// that was the user's final connection. Unknown connections are ignored.
func (r *Registry) Unregister(connID string) (userID string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	return userID, r.removeLocked(userID, connID)
}

func (r *Registry) removeLocked(userID, connID string) bool {
	delete(r.byConn, connID)

	conns := r.byUser[userID]
	if conns == nil {
		return false
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	delete(r.byUser, userID)
	r.version++
	return true
}

// OnlineUserIDs returns a sorted copy of the online user set.
func (r *Registry) OnlineUserIDs() []string {
	return r.Snapshot().Users
}

// Snapshot returns the online set together with its version.
func (r *Registry) Snapshot() Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return Presence{Users: users, Version: r.version}
}

// ConnectionsOf returns a copy of the connection ids bound to userID.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// UserOf reports which user a connection is bound to.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byConn[connID]
	return u, ok
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// ConnCount returns the number of bound connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
