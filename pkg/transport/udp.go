// Package transport implements the UDP control-channel socket and the TCP
// image-transfer side channel described in spec.md §4.2.
package transport

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultPort is the UDP control port used when no override is configured.
const DefaultPort = 5647

// Datagram is a single received UDP payload with its source address.
type Datagram struct {
	Payload []byte
	Source  *net.UDPAddr
}

// UDPSocket wraps a bound net.UDPConn, adding broadcast send support.
type UDPSocket struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket on bindAddr:port (bindAddr may be empty for all
// interfaces). Callers that need to broadcast must call EnableBroadcast.
func Bind(bindAddr string, port int) (*UDPSocket, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind udp %s:%d: %w", bindAddr, port, err)
	}
	return &UDPSocket{conn: conn}, nil
}

// EnableBroadcast sets SO_BROADCAST on the underlying file descriptor so
// SendTo can target a subnet broadcast address.
func (s *UDPSocket) EnableBroadcast() error {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("transport: raw conn: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return fmt.Errorf("transport: control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("transport: SO_BROADCAST: %w", sockErr)
	}
	return nil
}

// LocalPort is the port this socket is actually bound to, useful when the
// caller requested an ephemeral port (0).
func (s *UDPSocket) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SendTo writes payload to dst. Transport errors are returned, never
// swallowed, per spec.md §4.2.
func (s *UDPSocket) SendTo(payload []byte, dst *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(payload, dst)
	if err != nil {
		return fmt.Errorf("transport: send to %s: %w", dst, err)
	}
	return nil
}

// ReceiveFrom blocks until a datagram arrives, the deadline passes, or the
// socket is closed. A timeout is reported as a *net.OpError wrapping
// os.ErrDeadlineExceeded — callers should check with errors.Is against that
// sentinel via the standard net package, e.g. `errors.Is(err, os.ErrDeadlineExceeded)`.
func (s *UDPSocket) ReceiveFrom(buf []byte) (Datagram, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return Datagram{}, err
	}
	payload := make([]byte, n)
	copy(payload, buf[:n])
	return Datagram{Payload: payload, Source: addr}, nil
}

// SetReadDeadline bounds the next ReceiveFrom call, implementing the
// "suspension point bounded by the receive timeout" requirement of
// spec.md §5.
func (s *UDPSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close releases the socket.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// IsTimeout reports whether err is a read/write deadline expiry, as opposed
// to a genuine transport failure.
func IsTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	var se syscall.Errno
	return errors.As(err, &se) && se.Timeout()
}
