package internal

import "go.uber.org/atomic"

// atomicCounter is a lock-free monotone counter. go.uber.org/atomic gives
// every counter in the data plane a race-detector-friendly, allocation-free
// increment instead of the map-plus-mutex telemetry the teacher used.
type atomicCounter = atomic.Uint64

// Counters holds every monotone counter named in spec §3. A single set is
// shared by the TUN reader, the TCP engine, and the UDP forwarder; each
// increments the fields relevant to it. Per spec, individual counters are
// atomic but a Snapshot is not cross-consistent.
type Counters struct {
	Packets          atomicCounter
	BytesUp          atomicCounter
	BytesDown        atomicCounter
	FlowsCreated     atomicCounter
	FlowsClosed      atomicCounter
	FlowsBlocked     atomicCounter
	MalformedDropped atomicCounter
}

// NewCounters constructs a zeroed counter set.
func NewCounters() *Counters { return &Counters{} }

// Statistics is the point-in-time snapshot returned by getStatistics()
// (spec §6). It is assembled from possibly-racing atomic loads; that is
// an accepted property, not a bug (spec §3).
type Statistics struct {
	Packets           uint64
	BytesUp           uint64
	BytesDown         uint64
	FlowsCreated      uint64
	FlowsClosed       uint64
	FlowsBlocked      uint64
	MalformedDropped  uint64
	QueriesObserved   uint64
	ResponsesObserved uint64
	CacheSize         int
}

// snapshot reads every counter field into a plain Statistics value.
func (c *Counters) snapshot() Statistics {
	if c == nil {
		return Statistics{}
	}
	return Statistics{
		Packets:          c.Packets.Load(),
		BytesUp:          c.BytesUp.Load(),
		BytesDown:        c.BytesDown.Load(),
		FlowsCreated:     c.FlowsCreated.Load(),
		FlowsClosed:      c.FlowsClosed.Load(),
		FlowsBlocked:     c.FlowsBlocked.Load(),
		MalformedDropped: c.MalformedDropped.Load(),
	}
}
