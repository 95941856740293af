// Package rendezvous implements the one-shot datagram control channel a
// worker uses to find its coordinator before the shared-memory channel exists.
//
// The worker binds an ephemeral loopback UDP port, sends a single byte
// ("hello") to the coordinator's known address and blocks until a single
// byte ("ack") comes back. Datagram contents are ignored; only arrival
// matters. After the shared-memory region is created the worker sends one
// more byte ("sync") so the coordinator knows the link file is in place.
// The channel carries no other traffic.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds the wait for an acknowledgment.
const DefaultTimeout = 30 * time.Second

var (
	// ErrHandshakeTimeout is returned when no byte arrives before the deadline.
	ErrHandshakeTimeout = errors.New("rendezvous: timed out waiting for peer")

	// ErrUnexpectedPeer is returned when a byte arrives from an unknown address.
	ErrUnexpectedPeer = errors.New("rendezvous: datagram from unexpected peer")
)

// signal is the one-byte payload. Its value carries no meaning.
var signal = []byte{0}

// Bind opens a UDP endpoint on an ephemeral loopback port.
func Bind() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("rendezvous: bind: %w", err)
	}
	return conn, nil
}

// ResolveAddr parses a host:port control-channel address.
func ResolveAddr(addr string) (*net.UDPAddr, error) {
	udp, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: resolve %q: %w", addr, err)
	}
	return udp, nil
}

// SendByte sends the one-byte signal to addr.
func SendByte(conn *net.UDPConn, addr *net.UDPAddr) error {
	if _, err := conn.WriteToUDP(signal, addr); err != nil {
		return fmt.Errorf("rendezvous: send to %s: %w", addr, err)
	}
	return nil
}

// RecvByte blocks until one datagram arrives, timeout elapses or ctx is done,
// and returns the sender. Expiry of either deadline yields ErrHandshakeTimeout.
func RecvByte(ctx context.Context, conn *net.UDPConn, timeout time.Duration) (*net.UDPAddr, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("rendezvous: set deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	// Cancellation forces the pending read to return immediately.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 16)
	_, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("rendezvous: %w", ctxErr)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w after %s", ErrHandshakeTimeout, timeout)
		}
		return nil, fmt.Errorf("rendezvous: receive: %w", err)
	}
	return from, nil
}

// Handshake performs the worker side of the rendezvous: send hello to
// parent, then wait up to timeout for the ack. There is no retry.
func Handshake(ctx context.Context, conn *net.UDPConn, parent *net.UDPAddr, timeout time.Duration) error {
	if err := SendByte(conn, parent); err != nil {
		return err
	}
	if _, err := RecvByte(ctx, conn, timeout); err != nil {
		return err
	}
	return nil
}

// Listener is the coordinator side of the control channel for one worker.
type Listener struct {
	conn *net.UDPConn
}

// Listen binds the coordinator's control socket. An empty addr binds an
// ephemeral loopback port.
func Listen(addr string) (*Listener, error) {
	if addr == "" {
		conn, err := Bind()
		if err != nil {
			return nil, err
		}
		return &Listener{conn: conn}, nil
	}

	udp, err := ResolveAddr(addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udp)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: listen %s: %w", addr, err)
	}
	return &Listener{conn: conn}, nil
}

// Addr returns the address workers should send their hello to.
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Accept waits for a worker's hello, replies with the ack and returns the
// worker's address.
func (l *Listener) Accept(ctx context.Context, timeout time.Duration) (*net.UDPAddr, error) {
	child, err := RecvByte(ctx, l.conn, timeout)
	if err != nil {
		return nil, err
	}
	if err := SendByte(l.conn, child); err != nil {
		return nil, err
	}
	return child, nil
}

// WaitSync waits for the worker's post-creation sync byte.
func (l *Listener) WaitSync(ctx context.Context, child *net.UDPAddr, timeout time.Duration) error {
	from, err := RecvByte(ctx, l.conn, timeout)
	if err != nil {
		return err
	}
	if child != nil && !sameAddr(from, child) {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedPeer, from, child)
	}
	return nil
}

// Close releases the control socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
