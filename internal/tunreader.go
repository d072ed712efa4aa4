package internal

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/songgao/water"
	"go.uber.org/zap"
)

// tunReadBufferSize is the fixed read buffer size named in spec §4.7.
const tunReadBufferSize = 2048

// tunMaxConsecutiveErrors aborts the reader after this many back-to-back
// IO errors (spec §4.7).
const tunMaxConsecutiveErrors = 10

// tunErrorBackoff is slept between consecutive read errors.
const tunErrorBackoff = 100 * time.Millisecond

// openTunFunc is indirected so tests can substitute an in-memory tun
// device without a real privileged interface.
var openTunFunc = func(name string) (tunDevice, int, error) {
	return openTun(name)
}

// openTun opens name as a TUN device and reports its MTU, defaulting to
// 1400 when the interface reports none (spec §6).
func openTun(name string) (*water.Interface, int, error) {
	if name == "" {
		return nil, 0, fmt.Errorf("tun device name is empty")
	}
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("open tun %q: %w", name, err)
	}

	mtu := 1400
	if ifi, err := net.InterfaceByName(name); err == nil && ifi.MTU > 0 {
		mtu = ifi.MTU
	}
	return ifce, mtu, nil
}

// tunDevice is the subset of *water.Interface the reader and writer need;
// an interface so tests can supply an in-memory double.
type tunDevice interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// TunReader runs the blocking read loop of spec §4.7: classify each
// datagram by protocol and hand it to the matching engine.
type TunReader struct {
	dev   tunDevice
	tcp   *TCPEngine
	udp   *UDPForwarder
	stats *Counters
	log   *zap.Logger
}

// NewTunReader wires a device to the TCP and UDP engines that consume its
// traffic.
func NewTunReader(dev tunDevice, tcp *TCPEngine, udp *UDPForwarder, stats *Counters, log *zap.Logger) *TunReader {
	return &TunReader{dev: dev, tcp: tcp, udp: udp, stats: stats, log: log}
}

// Run blocks reading from the tun until ctx is cancelled, the device
// closes, or ten consecutive read errors occur (spec §4.7).
func (r *TunReader) Run(ctx context.Context) error {
	buf := make([]byte, tunReadBufferSize)
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := r.dev.Read(buf)
		if err != nil {
			consecutiveErrors++
			r.log.Debug("tun read error", zap.Error(err), zap.Int("consecutive", consecutiveErrors))
			if consecutiveErrors >= tunMaxConsecutiveErrors {
				return fmt.Errorf("tun reader aborting after %d consecutive errors: %w", consecutiveErrors, err)
			}
			time.Sleep(tunErrorBackoff)
			continue
		}
		consecutiveErrors = 0

		r.stats.Packets.Add(1)
		r.stats.BytesUp.Add(uint64(n))

		frame := append([]byte(nil), buf[:n]...)
		r.dispatch(ctx, frame)
	}
}

func (r *TunReader) dispatch(ctx context.Context, frame []byte) {
	if len(frame) < 1 {
		return
	}
	if IPVersion(frame) != 4 {
		r.stats.MalformedDropped.Add(1)
		return
	}
	if len(frame) < ipv4MinHeaderLen {
		r.stats.MalformedDropped.Add(1)
		return
	}
	switch frame[9] {
	case protoTCP:
		seg, err := ParseTCP(frame)
		if err != nil {
			r.stats.MalformedDropped.Add(1)
			return
		}
		r.tcp.HandleSegment(ctx, seg)
	case protoUDP:
		seg, err := ParseUDP(frame)
		if err != nil {
			r.stats.MalformedDropped.Add(1)
			return
		}
		r.udp.HandleDatagram(ctx, seg)
	default:
		r.stats.MalformedDropped.Add(1)
	}
}
