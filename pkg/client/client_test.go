package client

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compoundpi/compoundpi/pkg/camera/fake"
	"github.com/compoundpi/compoundpi/pkg/server"
	"github.com/compoundpi/compoundpi/pkg/transport"
)

// testServer boots a server.Server bound to loopback and returns its IP, the
// UDP port the coordinator should target, the fake camera behind it, and a
// cancel func.
func testServer(t *testing.T) (net.IP, int, *fake.Camera, func()) {
	t.Helper()
	udp, err := transport.Bind("127.0.0.1", 0)
	require.NoError(t, err)

	cam := fake.New()
	opts := server.DefaultOptions()
	opts.ReadPollInterval = 5 * time.Millisecond
	opts.RetryMinDelay = 20 * time.Millisecond
	opts.RetryMaxDelay = 40 * time.Millisecond
	opts.RetryTotal = time.Second

	srv := server.New(udp, cam, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	return net.ParseIP("127.0.0.1"), udp.LocalPort(), cam, func() {
		cancel()
		udp.Close()
	}
}

func testCoordinator(t *testing.T, serverPort int) *Coordinator {
	t.Helper()
	udp, err := transport.Bind("127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() { udp.Close() })

	opts := DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.RetryMinDelay = 20 * time.Millisecond
	opts.RetryMaxDelay = 40 * time.Millisecond
	opts.Timeout = time.Second

	c, err := New(udp, "127.0.0.1/32", serverPort, opts)
	require.NoError(t, err)
	return c
}

func TestHelloAndStatus(t *testing.T) {
	ip, port, _, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)

	unresponsive, err := c.Hello([]net.IP{ip}, time.Now(), server.ProtocolVersion)
	require.NoError(t, err)
	assert.Empty(t, unresponsive)
	assert.Len(t, c.Servers(), 1)

	records, unresponsive, err := c.Status([]net.IP{ip})
	require.NoError(t, err)
	assert.Empty(t, unresponsive)
	rec, ok := records[ip.String()]
	require.True(t, ok)
	assert.Equal(t, 1920, rec.Settings.Width)
}

func TestHelloRejectsVersionMismatch(t *testing.T) {
	ip, port, _, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)

	unresponsive, err := c.Hello([]net.IP{ip}, time.Now(), "9.9")
	require.NoError(t, err)
	assert.Equal(t, []net.IP{ip}, unresponsive)
	assert.Empty(t, c.Servers())
}

func TestStaleHelloDoesNotResetSession(t *testing.T) {
	ip, port, _, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)

	base := time.Now()
	_, err := c.Hello([]net.IP{ip}, base, server.ProtocolVersion)
	require.NoError(t, err)

	unresponsive, err := c.Hello([]net.IP{ip}, base.Add(-time.Hour), server.ProtocolVersion)
	require.NoError(t, err)
	assert.Equal(t, []net.IP{ip}, unresponsive)
}

func TestResolutionRoundTrip(t *testing.T) {
	ip, port, _, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)
	_, err := c.Hello([]net.IP{ip}, time.Now(), server.ProtocolVersion)
	require.NoError(t, err)

	unresponsive, err := c.Resolution([]net.IP{ip}, 1280, 720)
	require.NoError(t, err)
	assert.Empty(t, unresponsive)

	records, _, err := c.Status([]net.IP{ip})
	require.NoError(t, err)
	assert.Equal(t, 1280, records[ip.String()].Settings.Width)
	assert.Equal(t, 720, records[ip.String()].Settings.Height)
}

func TestInvalidResolutionIsRejected(t *testing.T) {
	ip, port, _, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)
	_, err := c.Hello([]net.IP{ip}, time.Now(), server.ProtocolVersion)
	require.NoError(t, err)

	_, err = c.Resolution([]net.IP{ip}, 0, 0)
	require.Error(t, err)
	var callErr *CallError
	assert.ErrorAs(t, err, &callErr)
}

func TestCaptureListClear(t *testing.T) {
	ip, port, cam, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)
	_, err := c.Hello([]net.IP{ip}, time.Now(), server.ProtocolVersion)
	require.NoError(t, err)

	unresponsive, err := c.Capture([]net.IP{ip}, 2, false, nil)
	require.NoError(t, err)
	assert.Empty(t, unresponsive)

	images, _, err := c.List([]net.IP{ip})
	require.NoError(t, err)
	require.Len(t, images[ip.String()], 2)
	assert.Equal(t, 0, images[ip.String()][0].Index)
	assert.Equal(t, cam.FrameSize, images[ip.String()][0].Size)

	_, err = c.Clear([]net.IP{ip})
	require.NoError(t, err)

	images, _, err = c.List([]net.IP{ip})
	require.NoError(t, err)
	assert.Empty(t, images[ip.String()])

	unresponsive, err = c.Capture([]net.IP{ip}, 1, false, nil)
	require.NoError(t, err)
	assert.Empty(t, unresponsive)
	images, _, err = c.List([]net.IP{ip})
	require.NoError(t, err)
	assert.Equal(t, 0, images[ip.String()][0].Index)
}

func TestSyncCapture(t *testing.T) {
	ip, port, _, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)
	_, err := c.Hello([]net.IP{ip}, time.Now(), server.ProtocolVersion)
	require.NoError(t, err)

	at := time.Now().Add(150 * time.Millisecond)
	unresponsive, err := c.Capture([]net.IP{ip}, 1, false, &at)
	require.NoError(t, err)
	assert.Empty(t, unresponsive)

	images, _, err := c.List([]net.IP{ip})
	require.NoError(t, err)
	require.Len(t, images[ip.String()], 1)
	assert.WithinDuration(t, at, images[ip.String()][0].Timestamp, 50*time.Millisecond)
}

func TestSendDownload(t *testing.T) {
	ip, port, _, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)
	_, err := c.Hello([]net.IP{ip}, time.Now(), server.ProtocolVersion)
	require.NoError(t, err)
	_, err = c.Capture([]net.IP{ip}, 1, false, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := c.Send(ip, 0, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)
	assert.Len(t, buf.Bytes(), 1024)

	_, err = c.Clear([]net.IP{ip})
	require.NoError(t, err)
	images, _, err := c.List([]net.IP{ip})
	require.NoError(t, err)
	assert.Empty(t, images[ip.String()])
}

func TestBlink(t *testing.T) {
	ip, port, cam, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)
	_, err := c.Hello([]net.IP{ip}, time.Now(), server.ProtocolVersion)
	require.NoError(t, err)

	_, err = c.Blink([]net.IP{ip})
	require.NoError(t, err)
	assert.Len(t, cam.Blinks, 1)
}

func TestUnknownPeerCallFails(t *testing.T) {
	_, port, _, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)

	_, err := c.Status([]net.IP{net.ParseIP("127.0.0.2")})
	assert.Error(t, err)
}

func TestUnresponsivePeerIsReportedNotFatal(t *testing.T) {
	// A peer address with nothing listening should time out without
	// failing the whole call, per spec.md §8 (S6).
	c := testCoordinator(t, 18765) // nothing bound on this port
	ghost := net.ParseIP("127.0.0.1")
	c.Add(ghost)
	c.opts.Timeout = 100 * time.Millisecond

	_, unresponsive, err := c.Status([]net.IP{ghost})
	require.NoError(t, err)
	assert.Equal(t, []net.IP{ghost}, unresponsive)
}

func TestDiscover(t *testing.T) {
	ip, port, _, done := testServer(t)
	defer done()
	c := testCoordinator(t, port)

	found, err := c.Discover(1, time.Now(), server.ProtocolVersion)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ip.String(), found[0].Addr.IP.String())
}
