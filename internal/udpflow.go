package internal

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// udpFlowIdleTimeout is how long a pseudo-flow may sit without traffic in
// either direction before the sweeper evicts it (spec §4.2).
const udpFlowIdleTimeout = 120 * time.Second

// udpFlowSweepInterval is how often the sweeper scans the table for idle
// flows.
const udpFlowSweepInterval = 30 * time.Second

// udpFlow is one pseudo-connection: a client 5-tuple bound to a single
// upstream UDP socket, with its own decision cached for its lifetime
// (spec §4.4, "decision cached once per flow").
type udpFlow struct {
	key       FlowKey
	sessionID uuid.UUID
	conn      net.Conn
	decision  Decision

	mu         sync.Mutex
	lastActive time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newUDPFlow(key FlowKey, conn net.Conn, decision Decision) *udpFlow {
	return &udpFlow{
		key:        key,
		sessionID:  uuid.New(),
		conn:       conn,
		decision:   decision,
		lastActive: time.Now(),
		closed:     make(chan struct{}),
	}
}

func (f *udpFlow) touch() {
	f.mu.Lock()
	f.lastActive = time.Now()
	f.mu.Unlock()
}

func (f *udpFlow) idleSince() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastActive)
}

// close is idempotent: eviction by the sweeper can race a RST-equivalent
// teardown from the receive worker without double-closing the socket.
func (f *udpFlow) close() {
	f.closeOnce.Do(func() {
		close(f.closed)
		if f.conn != nil {
			f.conn.Close()
		}
	})
}

// udpFlowTable is the pseudo-flow table described in spec §4.2: keyed by
// the client's 5-tuple, one entry per client-visible UDP conversation.
type udpFlowTable struct {
	mu    sync.Mutex
	flows map[FlowKey]*udpFlow
}

func newUDPFlowTable() *udpFlowTable {
	return &udpFlowTable{flows: make(map[FlowKey]*udpFlow)}
}

func (t *udpFlowTable) get(key FlowKey) (*udpFlow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[key]
	return f, ok
}

func (t *udpFlowTable) put(f *udpFlow) {
	t.mu.Lock()
	t.flows[f.key] = f
	t.mu.Unlock()
}

func (t *udpFlowTable) remove(key FlowKey) {
	t.mu.Lock()
	delete(t.flows, key)
	t.mu.Unlock()
}

func (t *udpFlowTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// all returns a snapshot slice of every live flow, for shutdown.
func (t *udpFlowTable) all() []*udpFlow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*udpFlow, 0, len(t.flows))
	for _, f := range t.flows {
		out = append(out, f)
	}
	return out
}

// sweepIdle evicts and closes every flow idle for longer than
// udpFlowIdleTimeout, returning how many were evicted.
func (t *udpFlowTable) sweepIdle() int {
	t.mu.Lock()
	var stale []*udpFlow
	for key, f := range t.flows {
		if f.idleSince() >= udpFlowIdleTimeout {
			stale = append(stale, f)
			delete(t.flows, key)
		}
	}
	t.mu.Unlock()

	for _, f := range stale {
		f.close()
	}
	return len(stale)
}
