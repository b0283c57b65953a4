package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compoundpi/compoundpi/pkg/camera/fake"
	"github.com/compoundpi/compoundpi/pkg/transport"
	"github.com/compoundpi/compoundpi/pkg/wire"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.ReadPollInterval = 5 * time.Millisecond
	opts.RetryMinDelay = 20 * time.Millisecond
	opts.RetryMaxDelay = 40 * time.Millisecond
	opts.RetryTotal = time.Second
	return opts
}

func newTestServer(t *testing.T) (*Server, *net.UDPConn, *net.UDPAddr) {
	t.Helper()
	udp, err := transport.Bind("127.0.0.1", 0)
	require.NoError(t, err)
	srv := New(udp, fake.New(), testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		udp.Close()
	})
	go srv.Run(ctx)

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: udp.LocalPort()}
	return srv, clientConn, serverAddr
}

func readResponse(t *testing.T, conn *net.UDPConn, timeout time.Duration) wire.Response {
	t.Helper()
	buf := make([]byte, 65536)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	resp, err := wire.DecodeResponse(buf[:n])
	require.NoError(t, err)
	return resp
}

func hello(t *testing.T, conn *net.UDPConn, addr *net.UDPAddr, seq uint32, ts time.Time) wire.Response {
	t.Helper()
	payload := wire.EncodeCommand(wire.Command{Seq: seq, Verb: "HELLO", Args: []string{wire.FormatTimestamp(ts)}})
	_, err := conn.WriteToUDP(payload, addr)
	require.NoError(t, err)
	resp := readResponse(t, conn, time.Second)
	ackDedup(t, conn, addr, resp.Seq)
	return resp
}

func ackDedup(t *testing.T, conn *net.UDPConn, addr *net.UDPAddr, seq uint32) {
	t.Helper()
	ack := wire.EncodeCommand(wire.Command{Seq: seq, Verb: "ACK"})
	_, err := conn.WriteToUDP(ack, addr)
	require.NoError(t, err)
}

func TestHelloAssignsVersion(t *testing.T) {
	_, conn, addr := newTestServer(t)
	resp := hello(t, conn, addr, 1, time.Now())
	assert.Equal(t, wire.StatusOK, resp.Status)
	assert.Equal(t, "VERSION "+ProtocolVersion, string(resp.Data))
}

func TestDuplicateSeqResendsCachedResponseWithoutReexecuting(t *testing.T) {
	srv, conn, addr := newTestServer(t)
	hello(t, conn, addr, 1, time.Now())

	payload := wire.EncodeCommand(wire.Command{Seq: 2, Verb: "CAPTURE", Args: []string{"1", "0"}})
	_, err := conn.WriteToUDP(payload, addr)
	require.NoError(t, err)
	first := readResponse(t, conn, time.Second)
	assert.Equal(t, wire.StatusOK, first.Status)

	// Resend the identical command seq several times without ACKing.
	for i := 0; i < 3; i++ {
		_, err := conn.WriteToUDP(payload, addr)
		require.NoError(t, err)
		dup := readResponse(t, conn, time.Second)
		assert.Equal(t, first, dup)
	}
	ackDedup(t, conn, addr, 2)

	assert.Equal(t, 1, srv.Store().Len())
}

func TestAckStopsRetryWithinOneInterval(t *testing.T) {
	_, conn, addr := newTestServer(t)
	hello(t, conn, addr, 1, time.Now())

	payload := wire.EncodeCommand(wire.Command{Seq: 2, Verb: "STATUS"})
	_, err := conn.WriteToUDP(payload, addr)
	require.NoError(t, err)
	readResponse(t, conn, time.Second)
	ackDedup(t, conn, addr, 2)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, 1024)
	_, _, err = conn.ReadFromUDP(buf)
	assert.Error(t, err, "no further retransmission expected after ACK")
}

func TestStaleHelloIgnored(t *testing.T) {
	_, conn, addr := newTestServer(t)
	base := time.Now()
	hello(t, conn, addr, 1, base)

	payload := wire.EncodeCommand(wire.Command{Seq: 5, Verb: "HELLO", Args: []string{wire.FormatTimestamp(base.Add(-time.Hour))}})
	_, err := conn.WriteToUDP(payload, addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, 1024)
	_, _, err = conn.ReadFromUDP(buf)
	assert.Error(t, err, "stale hello must not produce a response")
}

func TestClearResetsImageIndexToZero(t *testing.T) {
	_, conn, addr := newTestServer(t)
	hello(t, conn, addr, 1, time.Now())

	capturePayload := wire.EncodeCommand(wire.Command{Seq: 2, Verb: "CAPTURE", Args: []string{"1", "0"}})
	_, err := conn.WriteToUDP(capturePayload, addr)
	require.NoError(t, err)
	readResponse(t, conn, time.Second)
	ackDedup(t, conn, addr, 2)

	clearPayload := wire.EncodeCommand(wire.Command{Seq: 3, Verb: "CLEAR"})
	_, err = conn.WriteToUDP(clearPayload, addr)
	require.NoError(t, err)
	readResponse(t, conn, time.Second)
	ackDedup(t, conn, addr, 3)

	secondCapture := wire.EncodeCommand(wire.Command{Seq: 4, Verb: "CAPTURE", Args: []string{"1", "0"}})
	_, err = conn.WriteToUDP(secondCapture, addr)
	require.NoError(t, err)
	readResponse(t, conn, time.Second)
	ackDedup(t, conn, addr, 4)

	listPayload := wire.EncodeCommand(wire.Command{Seq: 5, Verb: "LIST"})
	_, err = conn.WriteToUDP(listPayload, addr)
	require.NoError(t, err)
	resp := readResponse(t, conn, time.Second)
	assert.Contains(t, string(resp.Data), "IMAGE 0 ")
}

func TestStatusFieldOrder(t *testing.T) {
	_, conn, addr := newTestServer(t)
	hello(t, conn, addr, 1, time.Now())

	payload := wire.EncodeCommand(wire.Command{Seq: 2, Verb: "STATUS"})
	_, err := conn.WriteToUDP(payload, addr)
	require.NoError(t, err)
	resp := readResponse(t, conn, time.Second)

	lines := splitLines(string(resp.Data))
	require.Len(t, lines, 10)
	prefixes := []string{"RESOLUTION", "FRAMERATE", "AWB", "EXPOSURE", "ISO", "METERING", "LEVELS", "FLIP", "TIMESTAMP", "IMAGES"}
	for i, want := range prefixes {
		assert.Contains(t, lines[i], want)
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
