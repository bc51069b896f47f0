package relay

import "sync"

// Rooms tracks which connections are subscribed to which room. Room ids are
// taken as given; whether a user may join a room is decided elsewhere.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // room -> conn ids
	joined  map[string]map[string]struct{} // conn id -> rooms
}

// NewRooms returns an empty tracker.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Join subscribes connID to roomID. It reports whether the membership is new.
func (t *Rooms) Join(roomID, connID string) bool {
	if roomID == "" || connID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.members[roomID]
	if m == nil {
		m = make(map[string]struct{})
		t.members[roomID] = m
	}
	if _, ok := m[connID]; ok {
		return false
	}
	m[connID] = struct{}{}

	j := t.joined[connID]
	if j == nil {
		j = make(map[string]struct{})
		t.joined[connID] = j
	}
	j[roomID] = struct{}{}
	return true
}

// Leave removes connID from roomID. It reports whether anything changed.
func (t *Rooms) Leave(roomID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveLocked(roomID, connID)
}

// LeaveAll drops connID from every room it joined and returns those rooms.
func (t *Rooms) LeaveAll(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	j := t.joined[connID]
	if len(j) == 0 {
		return nil
	}
	left := make([]string, 0, len(j))
	for roomID := range j {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		t.leaveLocked(roomID, connID)
	}
	return left
}

func (t *Rooms) leaveLocked(roomID, connID string) bool {
	m := t.members[roomID]
	if m == nil {
		return false
	}
	if _, ok := m[connID]; !ok {
		return false
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(t.members, roomID)
	}

	if j := t.joined[connID]; j != nil {
		delete(j, roomID)
		if len(j) == 0 {
			delete(t.joined, connID)
		}
	}
	return true
}

// MembersOf returns a copy of the connections in roomID. Unknown and empty
// rooms both yield an empty result.
func (t *Rooms) MembersOf(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := t.members[roomID]
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns a copy of the rooms connID has joined.
func (t *Rooms) RoomsOf(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	j := t.joined[connID]
	out := make([]string, 0, len(j))
	for id := range j {
		out = append(out, id)
	}
	return out
}

// Contains reports whether connID is currently in roomID.
func (t *Rooms) Contains(roomID, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.members[roomID][connID]
	return ok
}

// Len returns the number of non-empty rooms.
func (t *Rooms) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}
