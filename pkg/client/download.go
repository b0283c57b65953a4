package client

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/compoundpi/compoundpi/pkg/transport"
	"github.com/compoundpi/compoundpi/pkg/wire"
)

// sendCallResult carries the outcome of the UDP SEND exchange back from the
// goroutine driving it, so Send can accept and drain the TCP transfer
// concurrently instead of waiting for the UDP OK first.
type sendCallResult struct {
	responses    map[string]wire.Response
	unresponsive []net.IP
	err          error
}

// Send performs the single-peer download pipeline from spec.md §4.3, in the
// order it specifies: (a) bind a short-lived TCP accept socket, (b) issue
// SEND over UDP, (c) accept the server's inbound connection, (d) read it to
// EOF into sink, (e) verify the OK response also arrived. Steps (b) and
// (c)-(d) run concurrently rather than (b) fully completing before (c):
// the server (pkg/server/handlers.go cmdSend) streams the entire image over
// TCP before it emits the UDP OK, so waiting for OK first would deadlock
// the moment the image outgrows the TCP socket buffers — the server blocks
// writing into a connection nobody is draining, and the client never reads
// the OK that would let it start draining.
func (c *Coordinator) Send(addr net.IP, index int, sink io.Writer) (int64, error) {
	peer, ok := c.Find(addr)
	if !ok {
		return 0, fmt.Errorf("client: %s is not a known peer", addr)
	}

	ln, err := transport.ListenTCP(0)
	if err != nil {
		return 0, err
	}
	defer ln.Close()

	callDone := make(chan sendCallResult, 1)
	go func() {
		responses, unresponsive, err := c.call([]net.IP{addr}, "SEND", []string{itoa(index), itoa(ln.Port())})
		callDone <- sendCallResult{responses: responses, unresponsive: unresponsive, err: err}
	}()

	deadline := time.Now().Add(c.opts.Timeout)
	conn, err := ln.AcceptFrom(addr, deadline)
	if err != nil {
		<-callDone
		return 0, err
	}
	n, copyErr := io.Copy(sink, conn)
	conn.Close()

	result := <-callDone
	if result.err != nil {
		return n, result.err
	}
	if len(result.unresponsive) > 0 {
		return n, fmt.Errorf("client: %s did not respond to SEND", addr)
	}
	resp := result.responses[peer.Addr.IP.String()]
	if resp.Status != wire.StatusOK {
		return n, &CallError{Addr: addr, Message: resp.Message}
	}
	if copyErr != nil {
		return n, copyErr
	}
	return n, nil
}

// Download runs Send for every (addr, index) pair sequentially, to avoid
// network contention per spec.md §4.3, and issues CLEAR to each peer after
// its transfer succeeds. newSink is called once per peer to obtain the
// destination writer; the caller owns closing it if it implements io.Closer.
func (c *Coordinator) Download(targets map[string]int, newSink func(addr net.IP) (io.Writer, error)) map[string]error {
	results := make(map[string]error, len(targets))
	for ipStr, index := range targets {
		ip := net.ParseIP(ipStr)
		sink, err := newSink(ip)
		if err != nil {
			results[ipStr] = err
			continue
		}
		if _, err := c.Send(ip, index, sink); err != nil {
			results[ipStr] = err
			continue
		}
		if _, err := c.Clear([]net.IP{ip}); err != nil {
			results[ipStr] = err
			continue
		}
		results[ipStr] = nil
	}
	return results
}
