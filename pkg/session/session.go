// Package session holds the server's per-client-address session state
// described in spec.md §3/§4.4: the HELLO-assigned base sequence, the
// monotonic timestamp guard, the bounded seen-seq de-duplication set, and
// the outstanding-response retry set, grounded on the teacher's
// pkg/heartbeat per-entry mutex-guarded state with a restartable timer.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/compoundpi/compoundpi/internal/dedup"
)

// seenCapacity bounds how many recent command sequence numbers a session
// remembers for de-duplication.
const seenCapacity = 256

// State is one client's session, created on first HELLO and replaced
// wholesale by a later HELLO with a strictly greater timestamp.
type State struct {
	mu sync.Mutex

	peerAddr      *net.UDPAddr
	base          uint32
	helloTime     time.Time
	seen          *dedup.Set
	cachedReplies map[uint32][]byte // seq -> encoded response, for duplicate resend
	retrySet      map[uint32]*retryEntry
}

type retryEntry struct {
	payload  []byte
	created  time.Time
	lastSent time.Time
}

// New creates a session reset to the given HELLO sequence and timestamp,
// for a client reachable at peerAddr.
func New(peerAddr *net.UDPAddr, baseSeq uint32, helloTime time.Time) *State {
	return &State{
		peerAddr:      peerAddr,
		base:          baseSeq,
		helloTime:     helloTime,
		seen:          dedup.NewSet(seenCapacity),
		cachedReplies: make(map[uint32][]byte),
		retrySet:      make(map[uint32]*retryEntry),
	}
}

// PeerAddr returns the client address this session replies to.
func (s *State) PeerAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerAddr
}

// AcceptsHello reports whether ts is strictly greater than the highest
// HELLO timestamp this session has accepted, per spec.md §4.4 and the
// "stale HELLO" rule in §7.
func (s *State) AcceptsHello(ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ts.After(s.helloTime)
}

// Reset replaces the session's base sequence, timestamp, seen-set, and
// retry set, as performed when a HELLO with a strictly greater timestamp
// is accepted.
func (s *State) Reset(baseSeq uint32, helloTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = baseSeq
	s.helloTime = helloTime
	s.seen.Reset()
	s.cachedReplies = make(map[uint32][]byte)
	s.retrySet = make(map[uint32]*retryEntry)
}

// HelloTime returns the timestamp of the most recently accepted HELLO.
func (s *State) HelloTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.helloTime
}

// Base returns the session's current base sequence number.
func (s *State) Base() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// CheckAndMark reports whether seq was already processed in this session.
// If not, it marks seq as seen and returns false (caller should execute the
// command). If so, it returns true and the cached response (caller should
// resend it unmodified, never re-executing the command), per spec.md §4.4.
func (s *State) CheckAndMark(seq uint32) (alreadySeen bool, cached []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen.Contains(seq) {
		return true, s.cachedReplies[seq]
	}
	s.seen.Add(seq)
	return false, nil
}

// CacheReply stores the encoded response for seq, so a later duplicate of
// that command can be answered without re-executing it.
func (s *State) CacheReply(seq uint32, encoded []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedReplies[seq] = encoded
}

// StartRetry registers a response as outstanding until the matching ACK
// arrives, per the server-side retry state machine in spec.md §4.4.
func (s *State) StartRetry(seq uint32, encoded []byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrySet[seq] = &retryEntry{payload: encoded, created: now, lastSent: now}
}

// Ack removes seq from the outstanding retry set. A no-op if seq was not
// outstanding (e.g. a duplicate or late ACK).
func (s *State) Ack(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retrySet, seq)
}

// PendingRetry is a snapshot of one outstanding response awaiting ACK.
type PendingRetry struct {
	Seq      uint32
	Payload  []byte
	Created  time.Time
	LastSent time.Time
}

// Pending returns a snapshot of all outstanding (un-ACKed) responses. The
// retry timer reads snapshots; only the dispatch loop mutates the
// underlying map (spec.md §5).
func (s *State) Pending() []PendingRetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingRetry, 0, len(s.retrySet))
	for seq, e := range s.retrySet {
		out = append(out, PendingRetry{Seq: seq, Payload: e.payload, Created: e.created, LastSent: e.lastSent})
	}
	return out
}

// MarkSent updates the last-sent time for an outstanding retry, used after
// a retransmission.
func (s *State) MarkSent(seq uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.retrySet[seq]; ok {
		e.lastSent = now
	}
}

// DropExpired removes outstanding retries older than maxAge (measured from
// Created), implementing the server's 5s retry ceiling from spec.md §4.4.
func (s *State) DropExpired(now time.Time, maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, e := range s.retrySet {
		if now.Sub(e.created) > maxAge {
			delete(s.retrySet, seq)
		}
	}
}
