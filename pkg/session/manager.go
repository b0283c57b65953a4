package session

import (
	"net"
	"sync"
	"time"
)

// Manager maps a client source address to its session state, creating
// entries on first HELLO and evicting them after idle timeout, per
// spec.md §3.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*State
	lastSeen map[string]time.Time
	idle     time.Duration
}

// NewManager creates a Manager that evicts sessions idle for longer than
// idleTimeout. A non-positive idleTimeout disables eviction.
func NewManager(idleTimeout time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*State),
		lastSeen: make(map[string]time.Time),
		idle:     idleTimeout,
	}
}

// Get returns the existing session for addr, if any.
func (m *Manager) Get(addr string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[addr]
	return s, ok
}

// GetOrCreate returns addr's session, creating one with the given peer
// address and HELLO seq/timestamp if none exists yet.
func (m *Manager) GetOrCreate(addr string, peerAddr *net.UDPAddr, baseSeq uint32, helloTime time.Time) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[addr]
	if !ok {
		s = New(peerAddr, baseSeq, helloTime)
		m.sessions[addr] = s
	}
	m.lastSeen[addr] = time.Now()
	return s
}

// Touch records activity for addr, resetting its idle-eviction clock.
func (m *Manager) Touch(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[addr] = time.Now()
}

// Remove evicts addr's session outright.
func (m *Manager) Remove(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, addr)
	delete(m.lastSeen, addr)
}

// EvictIdle drops every session that has not been touched within the
// configured idle timeout. Returns the evicted addresses.
func (m *Manager) EvictIdle(now time.Time) []string {
	if m.idle <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []string
	for addr, last := range m.lastSeen {
		if now.Sub(last) > m.idle {
			delete(m.sessions, addr)
			delete(m.lastSeen, addr)
			evicted = append(evicted, addr)
		}
	}
	return evicted
}

// All returns a snapshot of every active address -> session pair, used by
// the retry timer to walk outstanding responses across all sessions.
func (m *Manager) All() map[string]*State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*State, len(m.sessions))
	for addr, s := range m.sessions {
		out[addr] = s
	}
	return out
}

// Len reports the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
