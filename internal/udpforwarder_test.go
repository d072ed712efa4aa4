package internal

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

type captureFrameWriter struct {
	frames chan []byte
}

func newCaptureFrameWriter() *captureFrameWriter {
	return &captureFrameWriter{frames: make(chan []byte, 8)}
}

func (w *captureFrameWriter) WriteFrame(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	w.frames <- cp
	return nil
}

func startUDPEcho(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func TestUDPForwarder_HandleDatagram_AllowedFlowRoundTrips(t *testing.T) {
	echoAddr := startUDPEcho(t)

	factory := NewProtectedSocketFactory(0)
	policy := NewPolicyEngine(NewCachedIdentityResolver(nil))
	dns := NewDomainCache()
	stats := NewCounters()
	writer := newCaptureFrameWriter()

	fwd := NewUDPForwarder(factory, policy, dns, stats, writer, zap.NewNop())

	seg := &UDPSegment{
		SrcIP:   [4]byte{10, 0, 0, 2},
		SrcPort: 40000,
		DstIP:   [4]byte{127, 0, 0, 1},
		DstPort: uint16(echoAddr.Port),
		Payload: []byte("ping"),
	}

	fwd.HandleDatagram(context.Background(), seg)

	select {
	case frame := <-writer.frames:
		got, err := ParseUDP(frame)
		if err != nil {
			t.Fatalf("ParseUDP: %v", err)
		}
		if string(got.Payload) != "ping" {
			t.Fatalf("payload = %q", got.Payload)
		}
		if got.SrcPort != uint16(echoAddr.Port) || got.DstPort != 40000 {
			t.Fatalf("unexpected ports: src=%d dst=%d", got.SrcPort, got.DstPort)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for echoed frame")
	}

	if fwd.FlowCount() != 1 {
		t.Fatalf("expected 1 live flow, got %d", fwd.FlowCount())
	}
	if stats.FlowsCreated.Load() != 1 {
		t.Fatalf("expected FlowsCreated=1, got %d", stats.FlowsCreated.Load())
	}
}

func TestUDPForwarder_HandleDatagram_BlockedFlowNeverDials(t *testing.T) {
	factory := NewProtectedSocketFactory(0)
	policy := NewPolicyEngine(NewCachedIdentityResolver(nil))
	policy.SetDefaultDecision(DecisionBlock)
	dns := NewDomainCache()
	stats := NewCounters()
	writer := newCaptureFrameWriter()

	fwd := NewUDPForwarder(factory, policy, dns, stats, writer, zap.NewNop())

	seg := &UDPSegment{
		SrcIP:   [4]byte{10, 0, 0, 2},
		SrcPort: 40001,
		DstIP:   [4]byte{203, 0, 113, 9},
		DstPort: 53,
		Payload: []byte("q"),
	}
	fwd.HandleDatagram(context.Background(), seg)

	select {
	case frame := <-writer.frames:
		t.Fatalf("expected no reply frame for a blocked flow, got %d bytes", len(frame))
	case <-time.After(100 * time.Millisecond):
	}

	if stats.FlowsBlocked.Load() != 1 {
		t.Fatalf("expected FlowsBlocked=1, got %d", stats.FlowsBlocked.Load())
	}
}

func TestUDPForwarder_Sweep_EvictsIdleFlow(t *testing.T) {
	echoAddr := startUDPEcho(t)
	factory := NewProtectedSocketFactory(0)
	policy := NewPolicyEngine(NewCachedIdentityResolver(nil))
	dns := NewDomainCache()
	stats := NewCounters()
	writer := newCaptureFrameWriter()

	fwd := NewUDPForwarder(factory, policy, dns, stats, writer, zap.NewNop())
	seg := &UDPSegment{
		SrcIP: [4]byte{10, 0, 0, 2}, SrcPort: 40002,
		DstIP: [4]byte{127, 0, 0, 1}, DstPort: uint16(echoAddr.Port),
		Payload: []byte("x"),
	}
	fwd.HandleDatagram(context.Background(), seg)
	<-writer.frames

	flow, ok := fwd.table.get(seg.Key())
	if !ok {
		t.Fatalf("expected flow to exist")
	}
	flow.lastActive = time.Now().Add(-udpFlowIdleTimeout - time.Second)

	if n := fwd.Sweep(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if fwd.FlowCount() != 0 {
		t.Fatalf("expected 0 flows after sweep, got %d", fwd.FlowCount())
	}
}
