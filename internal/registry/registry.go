// Package registry tracks the live connections of one relay process and the
// session each of them is bound to.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrUnknownConn is returned when a connection id was never attached.
	ErrUnknownConn = errors.New("unknown connection")
	// ErrRebound reports that a connection moved to a different session. The
	// new binding is in effect.
	ErrRebound = errors.New("connection rebound to another session")
)

// Conn is the registry's view of a transport connection.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

// Binding associates a connection with a session membership.
type Binding struct {
	ConnID    string
	SessionID string
	ClientID  string
	Nickname  string
}

type entry struct {
	conn    Conn
	binding *Binding
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*entry
	sessions map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		conns:    make(map[string]*entry),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Attach registers a live connection with no binding.
func (r *Registry) Attach(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; ok {
		return
	}
	r.conns[c.ID()] = &entry{conn: c}
}

// Detach forgets the connection and returns its binding, if any.
func (r *Registry) Detach(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return Binding{}, false
	}
	delete(r.conns, connID)
	if e.binding == nil {
		return Binding{}, false
	}
	b := *e.binding
	r.dropFromSession(b.SessionID, connID)
	return b, true
}

// Bind records that connID is a member of sessionID as clientID.
func (r *Registry) Bind(connID, sessionID, clientID, nickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConn
	}

	var err error
	if e.binding != nil && e.binding.SessionID != sessionID {
		r.dropFromSession(e.binding.SessionID, connID)
		err = ErrRebound
	}
	e.binding = &Binding{ConnID: connID, SessionID: sessionID, ClientID: clientID, Nickname: nickname}

	members, ok := r.sessions[sessionID]
	if !ok {
		members = make(map[string]struct{})
		r.sessions[sessionID] = members
	}
	members[connID] = struct{}{}
	return err
}

// Unbind removes the connection's binding. Only the first call after a Bind
// reports it.
func (r *Registry) Unbind(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok || e.binding == nil {
		return Binding{}, false
	}
	b := *e.binding
	e.binding = nil
	r.dropFromSession(b.SessionID, connID)
	return b, true
}

// UnbindSession drops every local binding of sessionID and returns them.
func (r *Registry) UnbindSession(sessionID string) []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.sessions[sessionID]
	out := make([]Binding, 0, len(members))
	for connID := range members {
		if e, ok := r.conns[connID]; ok && e.binding != nil {
			out = append(out, *e.binding)
			e.binding = nil
		}
	}
	delete(r.sessions, sessionID)
	return out
}

// Lookup returns the connection's current binding.
func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok || e.binding == nil {
		return Binding{}, false
	}
	return *e.binding, true
}

// Conn returns an attached connection by id.
func (r *Registry) Conn(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// MembersOf returns a snapshot of the connections bound to sessionID.
func (r *Registry) MembersOf(sessionID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.sessions[sessionID]
	out := make([]Conn, 0, len(members))
	for connID := range members {
		if e, ok := r.conns[connID]; ok {
			out = append(out, e.conn)
		}
	}
	return out
}

// ClientConns counts the local connections bound to sessionID as clientID.
func (r *Registry) ClientConns(sessionID, clientID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for connID := range r.sessions[sessionID] {
		if e, ok := r.conns[connID]; ok && e.binding != nil && e.binding.ClientID == clientID {
			n++
		}
	}
	return n
}

// Len is the number of attached connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// caller holds r.mu
func (r *Registry) dropFromSession(sessionID, connID string) {
	members, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.sessions, sessionID)
	}
}
