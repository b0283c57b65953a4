package client

import (
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/compoundpi/compoundpi/pkg/transport"
)

// Options configures the coordinator's retry/collect timing, per spec.md §4.3.
type Options struct {
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration
	Timeout       time.Duration
	PollInterval  time.Duration
}

// DefaultOptions returns the protocol's real-world timing defaults: retry
// after a random 0.1-0.4s delay, give up after 5s overall.
func DefaultOptions() Options {
	return Options{
		RetryMinDelay: 100 * time.Millisecond,
		RetryMaxDelay: 400 * time.Millisecond,
		Timeout:       5 * time.Second,
		PollInterval:  50 * time.Millisecond,
	}
}

// Coordinator is the client-side fleet manager: known peers, the UDP socket
// used to reach them, and the broadcast subnet they share.
type Coordinator struct {
	udp         *transport.UDPSocket
	udpPort     int
	broadcastIP net.IP
	opts        Options
	logger      *log.Entry

	mu          sync.Mutex
	peers       map[string]*Peer
	nextOrdinal int
	nextSeq     uint32

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Coordinator that reaches servers on udpPort, broadcasting
// within the given CIDR.
func New(udp *transport.UDPSocket, cidr string, udpPort int, opts Options) (*Coordinator, error) {
	bcast, err := transport.BroadcastAddr(cidr)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		udp:         udp,
		udpPort:     udpPort,
		broadcastIP: bcast,
		opts:        opts,
		logger:      log.WithField("component", "client"),
		peers:       make(map[string]*Peer),
		nextSeq:     1,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (c *Coordinator) udpAddr(ip net.IP) *net.UDPAddr {
	return &net.UDPAddr{IP: ip, Port: c.udpPort}
}

// Add registers ip as a known peer without performing a handshake. Use
// Hello to populate its session state. A second Add of the same address
// returns the existing Peer unchanged.
func (c *Coordinator) Add(ip net.IP) *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.udpAddr(ip).String()
	if p, ok := c.peers[key]; ok {
		return p
	}
	c.nextOrdinal++
	p := &Peer{Addr: c.udpAddr(ip), Ordinal: c.nextOrdinal}
	c.peers[key] = p
	return p
}

// Remove drops a known peer outright.
func (c *Coordinator) Remove(ip net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, c.udpAddr(ip).String())
}

// Find returns the known peer at ip, if any.
func (c *Coordinator) Find(ip net.IP) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[c.udpAddr(ip).String()]
	return p, ok
}

// Servers returns every known peer, ordered by the sequence in which it was
// added (or discovered).
func (c *Coordinator) Servers() []*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// allocSeq hands out the next sequence number from the single counter
// shared by every peer and every addressing mode (unicast and broadcast
// alike), so a peer's session never observes a seq lower than one it has
// already processed regardless of which mode produced it, per the §3
// cross-cutting invariant that sequence numbers monotonically increase per
// (client, session).
func (c *Coordinator) allocSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.nextSeq
	c.nextSeq++
	return seq
}

func (c *Coordinator) jitter() time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	span := int64(c.opts.RetryMaxDelay - c.opts.RetryMinDelay)
	if span <= 0 {
		return c.opts.RetryMinDelay
	}
	return c.opts.RetryMinDelay + time.Duration(c.rng.Int63n(span+1))
}

func (c *Coordinator) resolveTargets(addrs []net.IP) ([]*Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(addrs) == 0 {
		out := make([]*Peer, 0, len(c.peers))
		for _, p := range c.peers {
			out = append(out, p)
		}
		return out, nil
	}
	out := make([]*Peer, 0, len(addrs))
	for _, ip := range addrs {
		p, ok := c.peers[c.udpAddr(ip).String()]
		if !ok {
			return nil, fmt.Errorf("client: %s is not a known peer", ip)
		}
		out = append(out, p)
	}
	return out, nil
}
