// Package client implements the fleet coordinator from spec.md §4.3: peer
// bookkeeping, the client-side retry/collect loop shared by every protocol
// verb, status aggregation, and the image download pipeline.
//
// Grounded on the teacher's pkg/network.Network (a mutex-guarded map of
// discovered nodes populated by a parallel Scan) and pkg/sdo.SDOClient (the
// per-exchange client retry state machine with a single overall deadline).
package client

import (
	"net"
	"time"

	"github.com/compoundpi/compoundpi/pkg/camera"
)

// Peer is one known server, per spec.md §3's client-side peer record. The
// outgoing sequence number is not tracked per peer: it is drawn from the
// Coordinator's single counter shared by every peer and addressing mode
// (see Coordinator.allocSeq), so unicast and broadcast calls interleaved
// against the same peer never reuse or regress a sequence number.
type Peer struct {
	Addr *net.UDPAddr

	// SessionStart is the HELLO timestamp the server accepted for the
	// current session.
	SessionStart time.Time

	// Ordinal is a stable, purely cosmetic, display-order number assigned
	// when the peer is added.
	Ordinal int
}

// StatusRecord is the parsed STATUS response for one peer, in the field
// order fixed by spec.md §6.
type StatusRecord struct {
	Settings  camera.Settings
	Timestamp time.Time
	Images    int
}

func (p *Peer) String() string {
	return p.Addr.String()
}
