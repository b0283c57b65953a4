package client

import (
	"net"
	"time"

	"github.com/compoundpi/compoundpi/pkg/transport"
	"github.com/compoundpi/compoundpi/pkg/wire"
)

// sendEntry is one physically transmitted datagram. A unicast exchange has
// one sendEntry per target peer; a broadcast exchange has exactly one,
// addressed to the subnet broadcast address.
type sendEntry struct {
	dest     *net.UDPAddr
	seq      uint32
	payload  []byte
	lastSent time.Time
}

// expectEntry is one response the exchange is still waiting to observe, from
// a specific source address carrying a specific sequence number.
type expectEntry struct {
	addr      string
	seq       uint32
	responded bool
	resp      wire.Response
}

// Result is one peer's outcome from a retry/collect exchange.
type Result struct {
	Addr     *net.UDPAddr
	Response wire.Response
	Err      error
}

// runExchange drives the retry/collect loop from spec.md §4.3: it sends
// every entry in sends once, then retransmits any whose related expect
// entries are still pending after a random jitter delay, until every
// expect entry has responded or the deadline passes. Every observed
// response is ACKed (reusing its sequence number) whether or not it was the
// first such response, per the duplicate-suppression rule in spec.md §4.4.
func (c *Coordinator) runExchange(sends []*sendEntry, expects []*expectEntry, deadline time.Time) error {
	now := time.Now()
	for _, s := range sends {
		if err := c.udp.SendTo(s.payload, s.dest); err != nil {
			return err
		}
		s.lastSent = now
	}

	buf := make([]byte, 64*1024)
	for {
		if allResponded(expects) {
			return nil
		}
		now = time.Now()
		if !now.Before(deadline) {
			return nil
		}
		readUntil := now.Add(c.opts.PollInterval)
		if readUntil.After(deadline) {
			readUntil = deadline
		}
		if err := c.udp.SetReadDeadline(readUntil); err != nil {
			return err
		}
		dgram, err := c.udp.ReceiveFrom(buf)
		if err != nil {
			if transport.IsTimeout(err) {
				c.retransmitPending(sends, expects)
				continue
			}
			return err
		}
		c.handleIncoming(dgram, expects)
	}
}

func allResponded(expects []*expectEntry) bool {
	for _, e := range expects {
		if !e.responded {
			return false
		}
	}
	return true
}

func (c *Coordinator) retransmitPending(sends []*sendEntry, expects []*expectEntry) {
	now := time.Now()
	for _, s := range sends {
		if !relatedPending(s, expects) {
			continue
		}
		if now.Sub(s.lastSent) < c.jitter() {
			continue
		}
		if err := c.udp.SendTo(s.payload, s.dest); err != nil {
			c.logger.WithError(err).WithField("dest", s.dest).Warn("retry send failed")
			continue
		}
		s.lastSent = now
	}
}

// relatedPending reports whether any expect entry sharing s's sequence
// number (the sole correlation available once a broadcast fans out to many
// sources) is still unanswered.
func relatedPending(s *sendEntry, expects []*expectEntry) bool {
	for _, e := range expects {
		if e.seq == s.seq && !e.responded {
			return true
		}
	}
	return false
}

func (c *Coordinator) handleIncoming(dgram transport.Datagram, expects []*expectEntry) {
	resp, err := wire.DecodeResponse(dgram.Payload)
	if err != nil {
		c.logger.WithError(err).WithField("peer", dgram.Source).Debug("dropping malformed response")
		return
	}
	src := dgram.Source.String()
	for _, e := range expects {
		if e.addr != src || e.seq != resp.Seq {
			continue
		}
		if !e.responded {
			e.responded = true
			e.resp = resp
		}
		c.ack(dgram.Source, resp.Seq)
		return
	}
}

func (c *Coordinator) ack(dest *net.UDPAddr, seq uint32) {
	encoded := wire.EncodeCommand(wire.Command{Seq: seq, Verb: "ACK"})
	if err := c.udp.SendTo(encoded, dest); err != nil {
		c.logger.WithError(err).WithField("dest", dest).Warn("send ack failed")
	}
}
