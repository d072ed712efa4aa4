package internal

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// tcpState is one of the four live states named in spec §3, plus CLOSED
// and RESET as terminal markers immediately followed by eviction.
type tcpState int

const (
	tcpClosed tcpState = iota
	tcpSynSeen
	tcpEstablished
	tcpFinWaitServer // app (client) closed first; waiting on the server's EOF
	tcpFinWaitApp    // server closed first; waiting on the app's final ACK/FIN
	tcpReset
)

// tcpSeqBase and tcpSeqSpan bound the uniformly-chosen synthesised initial
// sequence number (spec §3, §4.6: "[100_000, 1_000_000)").
const (
	tcpSeqBase = 100_000
	tcpSeqSpan = 1_000_000 - 100_000
)

// tcpConn is a virtual TCP connection: the app-facing peer the engine
// plays, backed by one real upstream stream socket (spec §3).
type tcpConn struct {
	key FlowKey

	// sessionID has no bearing on the protocol; it exists so a log line
	// or stats sample can correlate events from the same virtual
	// connection without reusing the 4-tuple as a map key.
	sessionID uuid.UUID

	mu    sync.Mutex
	state tcpState

	clientSeq uint32 // SYN sequence number observed from the app
	serverSeq uint32 // synthesised initial sequence number

	// Advanced only by the uplink dispatch path and the downlink worker
	// respectively; both may be read concurrently while computing the
	// next outgoing seq/ack, hence atomic rather than mutex-guarded.
	clientBytesSeen atomic.Uint32
	serverBytesSent atomic.Uint32

	decision Decision

	conn net.Conn

	downlinkOnce sync.Once
	closeOnce    sync.Once
	closed       chan struct{}
}

func newTCPConn(key FlowKey, clientSeq uint32, serverSeq uint32, decision Decision) *tcpConn {
	return &tcpConn{
		key:       key,
		sessionID: uuid.New(),
		state:     tcpSynSeen,
		clientSeq: clientSeq,
		serverSeq: serverSeq,
		decision:  decision,
		closed:    make(chan struct{}),
	}
}

func (c *tcpConn) getState() tcpState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *tcpConn) setState(s tcpState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// casState transitions from `from` to `to` only if the connection is
// currently in `from`, returning whether the transition happened.
func (c *tcpConn) casState(from, to tcpState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

// close is the idempotent eviction latch described in spec §4.6: it
// closes the upstream socket exactly once and is safe from any goroutine.
func (c *tcpConn) close() {
	c.closeOnce.Do(func() {
		c.setState(tcpReset)
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// tcpConnTable is the virtual-connection table keyed by the 4-tuple
// (spec §3, "no cycles": the engine owns the map, the map owns the conns).
type tcpConnTable struct {
	mu    sync.Mutex
	conns map[FlowKey]*tcpConn
}

func newTCPConnTable() *tcpConnTable {
	return &tcpConnTable{conns: make(map[FlowKey]*tcpConn)}
}

func (t *tcpConnTable) get(key FlowKey) (*tcpConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[key]
	return c, ok
}

// putIfAbsent inserts c under key unless one already exists, implementing
// "first writer wins" for a racing duplicate SYN (spec §5). It reports
// whether c was the one installed.
func (t *tcpConnTable) putIfAbsent(c *tcpConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.conns[c.key]; exists {
		return false
	}
	t.conns[c.key] = c
	return true
}

func (t *tcpConnTable) remove(key FlowKey) {
	t.mu.Lock()
	delete(t.conns, key)
	t.mu.Unlock()
}

func (t *tcpConnTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// all returns a snapshot slice of every live connection, for shutdown.
func (t *tcpConnTable) all() []*tcpConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*tcpConn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}
