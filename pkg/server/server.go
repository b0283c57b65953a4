// Package server implements the server-side protocol handler from
// spec.md §4.4: a single-threaded UDP dispatch loop, per-client-address
// session state, sequence/timestamp de-duplication, the server-side
// retry/ACK state machine, and the camera/capture command brokering.
//
// Grounded on the teacher's pkg/sdo.SDOServer (per-exchange state machine
// with cached response replay) and pkg/heartbeat.HBConsumer (mutex-guarded
// per-peer entries serviced by a timer).
package server

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/compoundpi/compoundpi/pkg/camera"
	"github.com/compoundpi/compoundpi/pkg/session"
	"github.com/compoundpi/compoundpi/pkg/store"
	"github.com/compoundpi/compoundpi/pkg/transport"
	"github.com/compoundpi/compoundpi/pkg/wire"
)

// ProtocolVersion is compared byte-exact by the client's HELLO handshake,
// per spec.md §4.3/§9 (no semver negotiation).
const ProtocolVersion = "0.4"

// Options configures the timing behavior of the server's retry state
// machine and idle-session eviction. Tests use far shorter values than the
// protocol defaults.
type Options struct {
	RetryMinDelay    time.Duration
	RetryMaxDelay    time.Duration
	RetryTotal       time.Duration
	IdleSessionAfter time.Duration
	ReadPollInterval time.Duration
	BlinkDuration    time.Duration
}

// DefaultOptions returns the protocol's real-world timing defaults from
// spec.md §4.4: retransmit after a random 0.1-0.4s delay, give up after 5s.
func DefaultOptions() Options {
	return Options{
		RetryMinDelay:    100 * time.Millisecond,
		RetryMaxDelay:    400 * time.Millisecond,
		RetryTotal:       5 * time.Second,
		IdleSessionAfter: 10 * time.Minute,
		ReadPollInterval: 50 * time.Millisecond,
		BlinkDuration:    5 * time.Second,
	}
}

// Server is the per-process protocol handler. It owns one camera, one
// image store, and a session per client address.
type Server struct {
	udp      *transport.UDPSocket
	dialer   transport.TCPDialer
	cam      camera.Capability
	store    *store.Store
	sessions *session.Manager
	opts     Options
	logger   *log.Entry

	settingsMu sync.Mutex
	settings   camera.Settings

	rng   *rand.Rand
	rngMu sync.Mutex
}

// New creates a Server bound to the given UDP socket and camera.
func New(udp *transport.UDPSocket, cam camera.Capability, opts Options) *Server {
	return &Server{
		udp:      udp,
		cam:      cam,
		store:    store.New(),
		sessions: session.NewManager(opts.IdleSessionAfter),
		opts:     opts,
		settings: camera.Default(),
		logger:   log.WithField("component", "server"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Store exposes the image store, e.g. for an embedder inspecting state.
func (s *Server) Store() *store.Store { return s.store }

// Run drives the dispatch loop until ctx is cancelled. It interleaves
// receiving commands, servicing the server-side retry timer, and idle
// session eviction, per the single-event-loop model in spec.md §5.
func (s *Server) Run(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := s.udp.SetReadDeadline(time.Now().Add(s.opts.ReadPollInterval)); err != nil {
			return err
		}
		dgram, err := s.udp.ReceiveFrom(buf)
		if err != nil {
			if transport.IsTimeout(err) {
				s.serviceRetries()
				s.sessions.EvictIdle(time.Now())
				continue
			}
			var netErr *net.OpError
			if errors.As(err, &netErr) && errors.Is(netErr.Err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Warn("receive failed")
			continue
		}
		s.handleDatagram(dgram)
	}
}

func (s *Server) handleDatagram(dgram transport.Datagram) {
	cmd, err := wire.DecodeCommand(dgram.Payload)
	if err != nil {
		s.logger.WithError(err).WithField("peer", dgram.Source).Debug("dropping malformed command")
		return
	}
	addr := dgram.Source.String()
	logger := s.logger.WithFields(log.Fields{"peer": addr, "seq": cmd.Seq, "verb": cmd.Verb})

	if cmd.Verb == "HELLO" {
		s.handleHello(dgram.Source, addr, cmd, logger)
		return
	}

	sess, ok := s.sessions.Get(addr)
	if !ok {
		logger.Debug("command from peer with no session, dropping")
		return
	}
	s.sessions.Touch(addr)

	if cmd.Verb == "ACK" {
		sess.Ack(cmd.Seq)
		return
	}

	if seen, cached := sess.CheckAndMark(cmd.Seq); seen {
		logger.Debug("duplicate command, resending cached response")
		if cached != nil {
			_ = s.udp.SendTo(cached, dgram.Source)
			sess.StartRetry(cmd.Seq, cached, time.Now())
		}
		return
	}

	resp := s.execute(dgram.Source, cmd, logger)
	encoded := wire.EncodeResponse(resp)
	sess.CacheReply(cmd.Seq, encoded)
	sess.StartRetry(cmd.Seq, encoded, time.Now())
	if err := s.udp.SendTo(encoded, dgram.Source); err != nil {
		logger.WithError(err).Warn("send response failed")
	}
}

func (s *Server) handleHello(src *net.UDPAddr, addr string, cmd wire.Command, logger *log.Entry) {
	ts, err := wire.ParseTimestamp(cmd.Args[0])
	if err != nil {
		logger.WithError(err).Debug("malformed hello timestamp")
		return
	}
	existing, exists := s.sessions.Get(addr)
	if exists && !existing.AcceptsHello(ts) {
		logger.Debug("stale hello, ignoring")
		return
	}

	var sess *session.State
	if exists {
		existing.Reset(cmd.Seq, ts)
		sess = existing
	} else {
		sess = s.sessions.GetOrCreate(addr, src, cmd.Seq, ts)
	}

	resp := wire.Response{Seq: cmd.Seq, Status: wire.StatusOK, Data: []byte("VERSION " + ProtocolVersion)}
	encoded := wire.EncodeResponse(resp)
	sess.CacheReply(cmd.Seq, encoded)
	sess.StartRetry(cmd.Seq, encoded, time.Now())
	if err := s.udp.SendTo(encoded, src); err != nil {
		logger.WithError(err).Warn("send hello response failed")
	}
	logger.Info("hello accepted, session (re)started")
}

// serviceRetries resends every outstanding response across all sessions
// whose random retry delay has elapsed, and drops any older than the total
// retry ceiling, per spec.md §4.4.
func (s *Server) serviceRetries() {
	now := time.Now()
	for _, sess := range s.sessions.All() {
		sess.DropExpired(now, s.opts.RetryTotal)
		peer := sess.PeerAddr()
		if peer == nil {
			continue
		}
		for _, pending := range sess.Pending() {
			if now.Sub(pending.LastSent) < s.randomRetryDelay() {
				continue
			}
			if err := s.udp.SendTo(pending.Payload, peer); err != nil {
				s.logger.WithError(err).WithField("peer", peer).Warn("retry send failed")
			}
			sess.MarkSent(pending.Seq, now)
		}
	}
}

func (s *Server) randomRetryDelay() time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	span := int64(s.opts.RetryMaxDelay - s.opts.RetryMinDelay)
	if span <= 0 {
		return s.opts.RetryMinDelay
	}
	return s.opts.RetryMinDelay + time.Duration(s.rng.Int63n(span+1))
}
