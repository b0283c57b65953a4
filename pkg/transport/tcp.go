package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUnexpectedPeer is returned by AcceptFrom when a connection arrives from
// an address other than the one the download was expecting.
var ErrUnexpectedPeer = errors.New("transport: connection from unexpected peer")

// TCPListener is the client-side accept socket used to receive an image
// payload after issuing SEND, per spec.md §4.2/§4.3.
type TCPListener struct {
	ln *net.TCPListener
}

// ListenTCP binds a TCP accept socket on the given port (0 for an ephemeral
// port).
func ListenTCP(port int) (*TCPListener, error) {
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp :%d: %w", port, err)
	}
	return &TCPListener{ln: ln}, nil
}

// Port returns the bound port, resolving an ephemeral (0) request.
func (l *TCPListener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// AcceptFrom accepts exactly one inbound connection before deadline and
// verifies it originates from expectedIP, per the download pipeline in
// spec.md §4.3 ("accept one inbound TCP connection originating from addr").
// A connection from any other peer is closed and accept continues until
// deadline elapses; if any such connection was rejected by then, the result
// is ErrUnexpectedPeer.
func (l *TCPListener) AcceptFrom(expectedIP net.IP, deadline time.Time) (net.Conn, error) {
	rejected := false
	for {
		if err := l.ln.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("transport: set accept deadline: %w", err)
		}
		conn, err := l.ln.Accept()
		if err != nil {
			if rejected && IsTimeout(err) {
				return nil, ErrUnexpectedPeer
			}
			return nil, fmt.Errorf("transport: accept: %w", err)
		}
		remote := conn.RemoteAddr().(*net.TCPAddr)
		if !remote.IP.Equal(expectedIP) {
			conn.Close()
			rejected = true
			if time.Now().After(deadline) {
				return nil, ErrUnexpectedPeer
			}
			continue
		}
		return conn, nil
	}
}

// Close releases the listener.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// TCPDialer is the server-side active opener used by SEND to stream a
// stored image to the client's declared port.
type TCPDialer struct{}

// SendImage dials ip:port, writes data in full, and closes. No framing is
// used; EOF delimits the payload, per spec.md §6.
func (TCPDialer) SendImage(ip net.IP, port int, data []byte) error {
	conn, err := net.Dial("tcp4", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return fmt.Errorf("transport: dial %s:%d: %w", ip, port, err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("transport: write to %s:%d: %w", ip, port, err)
	}
	return nil
}
