package internal

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"
)

// protectedDialTimeout bounds how long opening an upstream socket may take
// before a flow is abandoned (spec §6).
const protectedDialTimeout = 10 * time.Second

// ProtectedSocketFactory opens upstream TCP and UDP sockets that are marked
// so routing policy on the host can exclude them from re-entering the tun
// (spec §6, "protected socket"). How the mark is actually honored by the
// host's routing tables is out of scope; this factory only applies it.
type ProtectedSocketFactory struct {
	mark uint32
}

// NewProtectedSocketFactory constructs a factory that applies mark to every
// socket it opens. mark of zero disables marking (useful in tests and on
// platforms without fwmark support).
func NewProtectedSocketFactory(mark uint32) *ProtectedSocketFactory {
	return &ProtectedSocketFactory{mark: mark}
}

func (f *ProtectedSocketFactory) control(network, address string, c syscall.RawConn) error {
	var setErr error
	err := c.Control(func(fd uintptr) {
		setErr = setSocketMark(fd, f.mark)
	})
	if err != nil {
		return err
	}
	return setErr
}

// CreateProtectedTCPSocket dials addr over TCP with the factory's mark
// applied before connect, so the three-way handshake itself never loops
// back through the tun.
func (f *ProtectedSocketFactory) CreateProtectedTCPSocket(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, protectedDialTimeout)
	defer cancel()

	dialer := &net.Dialer{Control: f.control}
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dial protected tcp %s: %w", addr, err)
	}
	return conn, nil
}

// CreateProtectedUDPSocket opens a UDP socket bound for communication with
// addr, with the factory's mark applied before the implicit connect.
func (f *ProtectedSocketFactory) CreateProtectedUDPSocket(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, protectedDialTimeout)
	defer cancel()

	dialer := &net.Dialer{Control: f.control}
	conn, err := dialer.DialContext(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dial protected udp %s: %w", addr, err)
	}
	return conn, nil
}
