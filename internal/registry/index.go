package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/casa-relay/internal/session"
)

// IndexStats summarises Index contents.
type IndexStats struct {
	Sessions      int `json:"sessions"`
	Devices       int `json:"devices"`
	Clients       int `json:"clients"`
	Unknown       int `json:"unknown"`
	Subscriptions int `json:"subscriptions"`
}

// Evicted ids are remembered for tombstoneTTL so a frame racing the eviction
// cannot put the session back.
const (
	tombstoneTTL   = 10 * time.Minute
	tombstoneLimit = 4096
)

// Index is the In-Process Index: sessions by id, the deviceId -> sessionId
// binding, and deviceId -> subscribed client ids.
//
// It is pure cache and may be wiped with Reset at any time.
type Index struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	devices  map[string]string
	subs     map[string]map[string]struct{}
	evicted  map[string]time.Time
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	x := &Index{}
	x.Reset()
	return x
}

// Reset drops every session, binding and subscription.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.sessions = make(map[string]session.Session)
	x.devices = make(map[string]string)
	x.subs = make(map[string]map[string]struct{})
	x.evicted = make(map[string]time.Time)
}

// UpsertSession inserts s or merges it into the cached record and returns
// the result. LastSeen keeps the freshest value and a known role is never
// replaced by unknown.
func (x *Index) UpsertSession(s session.Session) session.Session {
	x.mu.Lock()
	defer x.mu.Unlock()

	if cur, ok := x.sessions[s.ID]; ok {
		s = cur.Merge(s)
	} else if s.Role == "" {
		s.Role = session.RoleUnknown
	}
	x.sessions[s.ID] = s
	return s
}

// Refresh moves LastSeen of a cached session forward to t. It reports false,
// and changes nothing, when id is not cached.
func (x *Index) Refresh(id string, t time.Time) (session.Session, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	s, ok := x.sessions[id]
	if !ok {
		return session.Session{}, false
	}
	s.Touch(t)
	x.sessions[id] = s
	return s, true
}

// Restore inserts s unless its id was evicted recently.
func (x *Index) Restore(s session.Session) (session.Session, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, gone := x.evicted[s.ID]; gone {
		return s, false
	}
	if cur, ok := x.sessions[s.ID]; ok {
		s = cur.Merge(s)
	} else if s.Role == "" {
		s.Role = session.RoleUnknown
	}
	x.sessions[s.ID] = s
	return s, true
}

// Evicted reports whether id was evicted recently.
func (x *Index) Evicted(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	_, gone := x.evicted[id]
	return gone
}

// Session returns the cached record for id.
func (x *Index) Session(id string) (session.Session, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	s, ok := x.sessions[id]
	return s, ok
}

// BindDevice makes sessionID authoritative for deviceID and returns the
// session it displaced, or "" when there was none.
//
// If the session was bound to a different device before, that binding is
// released.
func (x *Index) BindDevice(deviceID, sessionID string) (superseded string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.bindLocked(deviceID, sessionID)
}

// BindIfFresher binds deviceID to sessionID unless the currently bound
// session has a LastSeen at or after sessionID's. It reports whether the
// binding now points at sessionID and which session, if any, it displaced.
//
// sessionID must already be in the index.
func (x *Index) BindIfFresher(deviceID, sessionID string) (bound bool, superseded string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	cand, ok := x.sessions[sessionID]
	if !ok {
		return false, ""
	}
	if curID, has := x.devices[deviceID]; has && curID != sessionID {
		if cur, live := x.sessions[curID]; live && !cand.LastSeen.After(cur.LastSeen) {
			return false, ""
		}
	}
	return true, x.bindLocked(deviceID, sessionID)
}

func (x *Index) bindLocked(deviceID, sessionID string) string {
	s, ok := x.sessions[sessionID]
	if !ok {
		s = session.Session{ID: sessionID, Role: session.RoleDevice}
	}
	if s.DeviceID != "" && s.DeviceID != deviceID && x.devices[s.DeviceID] == sessionID {
		delete(x.devices, s.DeviceID)
	}
	s.DeviceID = deviceID
	if s.Role == session.RoleUnknown || s.Role == "" {
		s.Role = session.RoleDevice
	}
	x.sessions[sessionID] = s

	prev := x.devices[deviceID]
	x.devices[deviceID] = sessionID
	if prev == sessionID {
		return ""
	}
	return prev
}

// LookupDevice returns the session bound to deviceID.
func (x *Index) LookupDevice(deviceID string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	id, ok := x.devices[deviceID]
	return id, ok
}

// Evict removes a session, the device binding that points at it, and its
// subscriptions. Evicting an unknown id is a no-op.
func (x *Index) Evict(sessionID string) (session.Session, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	s, ok := x.sessions[sessionID]
	delete(x.sessions, sessionID)
	x.tombstoneLocked(sessionID)

	if ok && s.DeviceID != "" && x.devices[s.DeviceID] == sessionID {
		delete(x.devices, s.DeviceID)
	}
	for deviceID, set := range x.subs {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(x.subs, deviceID)
		}
	}
	return s, ok
}

func (x *Index) tombstoneLocked(id string) {
	now := time.Now()
	if len(x.evicted) >= tombstoneLimit {
		for old, at := range x.evicted {
			if now.Sub(at) > tombstoneTTL {
				delete(x.evicted, old)
			}
		}
	}
	x.evicted[id] = now
}

// Subscribe records clientID's interest in each device.
func (x *Index) Subscribe(clientID string, deviceIDs ...string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, d := range deviceIDs {
		if d == "" {
			continue
		}
		set, ok := x.subs[d]
		if !ok {
			set = make(map[string]struct{})
			x.subs[d] = set
		}
		set[clientID] = struct{}{}
	}
}

// Subscribers returns the clients to notify about deviceID: its subscription
// set when one exists, otherwise every client session in the index.
// The result is sorted.
func (x *Index) Subscribers(deviceID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []string
	if set := x.subs[deviceID]; len(set) > 0 {
		for id := range set {
			out = append(out, id)
		}
	} else {
		for id, s := range x.sessions {
			if s.Role == session.RoleClient {
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every cached session, sorted by id.
func (x *Index) Snapshot() []session.Session {
	x.mu.RLock()
	out := make([]session.Session, 0, len(x.sessions))
	for _, s := range x.sessions {
		out = append(out, s)
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats counts cached sessions by role, bindings and subscription rows.
func (x *Index) Stats() IndexStats {
	x.mu.RLock()
	defer x.mu.RUnlock()

	st := IndexStats{Sessions: len(x.sessions), Devices: len(x.devices)}
	for _, s := range x.sessions {
		switch s.Role {
		case session.RoleClient:
			st.Clients++
		case session.RoleUnknown:
			st.Unknown++
		}
	}
	for _, set := range x.subs {
		st.Subscriptions += len(set)
	}
	return st
}
