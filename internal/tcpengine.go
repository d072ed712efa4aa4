package internal

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// tcpConnectTimeout bounds the upstream connect attempted after a
// completed handshake (spec §5, "10 s hard timeout").
const tcpConnectTimeout = 10 * time.Second

// tcpDownlinkBufferSize is the fixed-size buffer the downlink worker reads
// into (spec §4.6, "16 KiB buffer").
const tcpDownlinkBufferSize = 16 * 1024

// TCPEngine implements the virtual TCP connection table and the
// per-packet dispatch rules of spec §4.6.
type TCPEngine struct {
	table   *tcpConnTable
	factory *ProtectedSocketFactory
	policy  *PolicyEngine
	dns     *DomainCache
	stats   *Counters
	tun     FrameWriter
	mtu     int
	log     *zap.Logger
}

// NewTCPEngine wires the TCP virtual-connection table to its collaborators.
func NewTCPEngine(factory *ProtectedSocketFactory, policy *PolicyEngine, dns *DomainCache, stats *Counters, tun FrameWriter, mtu int, log *zap.Logger) *TCPEngine {
	if mtu <= 0 {
		mtu = 1400
	}
	return &TCPEngine{
		table:   newTCPConnTable(),
		factory: factory,
		policy:  policy,
		dns:     dns,
		stats:   stats,
		tun:     tun,
		mtu:     mtu,
		log:     log,
	}
}

// HandleSegment dispatches one parsed TCP segment per the state table in
// spec §4.6. All other (state, event) combinations than the ones named
// there are ignored.
func (e *TCPEngine) HandleSegment(ctx context.Context, seg *TCPSegment) {
	key := seg.Key()

	conn, exists := e.table.get(key)

	switch {
	case seg.Flags&TCPFlagRST != 0:
		if exists {
			e.evict(conn)
		}
		return

	case seg.Flags&TCPFlagSYN != 0 && seg.Flags&TCPFlagACK == 0:
		if exists {
			return // duplicate SYN on a known flow: drop
		}
		e.beginHandshake(ctx, seg)
		return
	}

	if !exists {
		return
	}

	switch {
	case seg.Flags&TCPFlagFIN != 0:
		e.handleFIN(conn)
	case len(seg.Payload) > 0:
		e.handlePayload(conn, seg)
	default:
		e.handleACKOnly(conn, seg)
	}
}

func (e *TCPEngine) beginHandshake(ctx context.Context, seg *TCPSegment) {
	key := seg.Key()
	domain, _ := e.dns.Get(seg.DstIP)
	decision := e.policy.Evaluate(ProtoTCP, key, domain)

	clientSeq := seg.Seq
	serverSeq := tcpSeqBase + uint32(randInt63n(tcpSeqSpan))

	conn := newTCPConn(key, clientSeq, serverSeq, decision)
	if !e.table.putIfAbsent(conn) {
		return // a racing SYN already installed the winning connection
	}
	e.stats.FlowsCreated.Add(1)

	if decision == DecisionBlock {
		e.stats.FlowsBlocked.Add(1)
		e.sendRSTACK(conn, 0, clientSeq+1)
		e.table.remove(key)
		conn.close()
		e.stats.FlowsClosed.Add(1)
		return
	}

	e.sendSYNACK(conn)

	go e.connectUpstream(ctx, conn)
}

func (e *TCPEngine) connectUpstream(ctx context.Context, conn *tcpConn) {
	dialCtx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
	defer cancel()

	addr := fmt.Sprintf("%d.%d.%d.%d:%d", conn.key.DstIP[0], conn.key.DstIP[1], conn.key.DstIP[2], conn.key.DstIP[3], conn.key.DstPort)
	upstream, err := e.factory.CreateProtectedTCPSocket(dialCtx, addr)
	if err != nil {
		e.log.Debug("tcp upstream connect failed",
			zap.String("session", conn.sessionID.String()), zap.String("addr", addr), zap.Error(err))
		e.sendRSTACK(conn, conn.serverSeq+1, conn.clientSeq+1)
		e.evict(conn)
		return
	}

	conn.mu.Lock()
	conn.conn = upstream
	conn.mu.Unlock()

	e.maybeStartDownlink(conn)
}

// maybeStartDownlink arms the downlink worker once both halves of the
// handshake have completed: the upstream connect succeeded and the app's
// final ACK moved the connection to ESTABLISHED. These two events race;
// whichever happens second starts the worker, exactly once.
func (e *TCPEngine) maybeStartDownlink(conn *tcpConn) {
	conn.mu.Lock()
	ready := conn.conn != nil && conn.state == tcpEstablished
	conn.mu.Unlock()
	if !ready {
		return
	}
	conn.downlinkOnce.Do(func() {
		go e.downlinkLoop(conn)
	})
}

// sendSYNACK emits the handshake response. The SYN_SEEN state and its
// sequence fields were set by newTCPConn, and the caller has already
// installed the connection in the table.
func (e *TCPEngine) sendSYNACK(conn *tcpConn) {
	mss := uint16(e.mtu - 40)
	frame := BuildTCP(BuildTCPOpts{
		SrcIP: conn.key.DstIP, SrcPort: conn.key.DstPort,
		DstIP: conn.key.SrcIP, DstPort: conn.key.SrcPort,
		Flags: TCPFlagSYN | TCPFlagACK,
		Seq:   conn.serverSeq,
		Ack:   conn.clientSeq + 1,
		MTU:   e.mtu,
		Options: buildMSSOption(mss),
	})
	e.writeFrame(frame)
}

func buildMSSOption(mss uint16) []byte {
	return []byte{0x02, 0x04, byte(mss >> 8), byte(mss)}
}

func (e *TCPEngine) handleACKOnly(conn *tcpConn, seg *TCPSegment) {
	switch conn.getState() {
	case tcpSynSeen:
		if seg.Ack == conn.serverSeq+1 {
			if conn.casState(tcpSynSeen, tcpEstablished) {
				e.maybeStartDownlink(conn)
			}
		}
	case tcpEstablished, tcpFinWaitServer:
		// liveness ACK; nothing to do
	case tcpFinWaitApp:
		e.evict(conn)
	}
}

func (e *TCPEngine) handlePayload(conn *tcpConn, seg *TCPSegment) {
	if conn.getState() != tcpEstablished {
		return
	}
	conn.mu.Lock()
	upstream := conn.conn
	conn.mu.Unlock()
	if upstream == nil {
		return
	}
	if _, err := upstream.Write(seg.Payload); err != nil {
		e.sendRSTACK(conn, conn.serverSeq+1+conn.serverBytesSent.Load(), conn.clientSeq+1+conn.clientBytesSeen.Load())
		e.evict(conn)
		return
	}
	conn.clientBytesSeen.Add(uint32(len(seg.Payload)))
	e.stats.BytesUp.Add(uint64(len(seg.Payload)))
}

func (e *TCPEngine) handleFIN(conn *tcpConn) {
	switch conn.getState() {
	case tcpEstablished:
		if !conn.casState(tcpEstablished, tcpFinWaitServer) {
			return
		}
		conn.mu.Lock()
		upstream := conn.conn
		conn.mu.Unlock()
		if tc, ok := upstream.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	case tcpFinWaitApp:
		e.evict(conn)
	}
}

// downlinkLoop is the per-connection worker described in spec §4.6: it
// blocks reading from the upstream socket and synthesises downlink
// packets, advancing serverBytesSent only after each write.
func (e *TCPEngine) downlinkLoop(conn *tcpConn) {
	buf := make([]byte, tcpDownlinkBufferSize)
	for {
		n, err := conn.conn.Read(buf)
		if n > 0 {
			seq := conn.serverSeq + 1 + conn.serverBytesSent.Load()
			ack := conn.clientSeq + 1 + conn.clientBytesSeen.Load()
			frame := BuildTCP(BuildTCPOpts{
				SrcIP: conn.key.DstIP, SrcPort: conn.key.DstPort,
				DstIP: conn.key.SrcIP, DstPort: conn.key.SrcPort,
				Flags: TCPFlagPSH | TCPFlagACK,
				Seq:   seq,
				Ack:   ack,
				Payload: append([]byte(nil), buf[:n]...),
				MTU:     e.mtu,
			})
			if werr := e.tun.WriteFrame(frame); werr != nil {
				e.log.Debug("tcp downlink write failed", zap.Error(werr))
				e.sendRSTACK(conn, seq, ack)
				e.evict(conn)
				return
			}
			conn.serverBytesSent.Add(uint32(n))
			e.stats.BytesDown.Add(uint64(n))
		}
		if err != nil {
			e.handleServerEOF(conn, err)
			return
		}
	}
}

func (e *TCPEngine) handleServerEOF(conn *tcpConn, err error) {
	if err != io.EOF {
		ack := conn.clientSeq + 1 + conn.clientBytesSeen.Load()
		e.sendRSTACK(conn, conn.serverSeq+1+conn.serverBytesSent.Load(), ack)
		e.evict(conn)
		return
	}

	switch conn.getState() {
	case tcpEstablished:
		if !conn.casState(tcpEstablished, tcpFinWaitApp) {
			return
		}
		e.sendFINACK(conn)
		conn.serverBytesSent.Add(1)
	case tcpFinWaitServer:
		e.sendFINACK(conn)
		conn.setState(tcpClosed)
		e.evict(conn)
	}
}

func (e *TCPEngine) sendFINACK(conn *tcpConn) {
	seq := conn.serverSeq + 1 + conn.serverBytesSent.Load()
	ack := conn.clientSeq + 1 + conn.clientBytesSeen.Load()
	frame := BuildTCP(BuildTCPOpts{
		SrcIP: conn.key.DstIP, SrcPort: conn.key.DstPort,
		DstIP: conn.key.SrcIP, DstPort: conn.key.SrcPort,
		Flags: TCPFlagFIN | TCPFlagACK,
		Seq:   seq,
		Ack:   ack,
		MTU:   e.mtu,
	})
	e.writeFrame(frame)
}

func (e *TCPEngine) sendRSTACK(conn *tcpConn, seq, ack uint32) {
	frame := BuildTCP(BuildTCPOpts{
		SrcIP: conn.key.DstIP, SrcPort: conn.key.DstPort,
		DstIP: conn.key.SrcIP, DstPort: conn.key.SrcPort,
		Flags: TCPFlagRST | TCPFlagACK,
		Seq:   seq,
		Ack:   ack,
		MTU:   e.mtu,
	})
	e.writeFrame(frame)
}

func (e *TCPEngine) writeFrame(frame []byte) {
	if err := e.tun.WriteFrame(frame); err != nil {
		e.log.Debug("tcp control write failed", zap.Error(err))
	}
}

func (e *TCPEngine) evict(conn *tcpConn) {
	e.table.remove(conn.key)
	conn.close()
	e.stats.FlowsClosed.Add(1)
}

// EvictAll closes every live connection; used on shutdown (spec §5).
func (e *TCPEngine) EvictAll() {
	for _, conn := range e.table.all() {
		e.evict(conn)
	}
}

// ConnCount reports the number of live virtual connections, for statistics.
func (e *TCPEngine) ConnCount() int {
	return e.table.size()
}
