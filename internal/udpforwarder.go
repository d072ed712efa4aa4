package internal

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// dnsPort is the well-known port passive DNS inspection watches for, on
// either side of the flow (spec §4.3).
const dnsPort = 53

// FrameWriter writes a fully-built IPv4 frame back into the tun. A single
// implementation is shared by the UDP and TCP engines so every downstream
// write is serialized (spec §4.5, "writes to the tun are frame-atomic").
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// UDPForwarder implements the pseudo-flow forwarding described in spec
// §4.2: one upstream socket per client 5-tuple, policy evaluated once at
// flow creation, and passive DNS inspection on traffic to or from port 53.
type UDPForwarder struct {
	table   *udpFlowTable
	factory *ProtectedSocketFactory
	policy  *PolicyEngine
	dns     *DomainCache
	stats   *Counters
	tun     FrameWriter
	log     *zap.Logger
}

// NewUDPForwarder wires the UDP pseudo-flow table to its collaborators.
func NewUDPForwarder(factory *ProtectedSocketFactory, policy *PolicyEngine, dns *DomainCache, stats *Counters, tun FrameWriter, log *zap.Logger) *UDPForwarder {
	return &UDPForwarder{
		table:   newUDPFlowTable(),
		factory: factory,
		policy:  policy,
		dns:     dns,
		stats:   stats,
		tun:     tun,
		log:     log,
	}
}

// HandleDatagram processes one client-originated UDP datagram already
// parsed from a tun frame (spec §4.2). It inspects DNS queries before
// policy evaluation, creates the pseudo-flow on first sight, and forwards
// the payload upstream.
func (f *UDPForwarder) HandleDatagram(ctx context.Context, seg *UDPSegment) {
	key := seg.Key()

	if seg.DstPort == dnsPort {
		if q, err := ParseDNSQuery(seg.Payload); err == nil {
			f.dns.RecordQuery()
			_ = q // observed for statistics; the query name carries no actionable state yet
		}
	}

	flow, existing := f.table.get(key)
	if !existing {
		var err error
		flow, err = f.createFlow(ctx, seg)
		if err != nil {
			f.stats.MalformedDropped.Add(1)
			f.log.Debug("udp flow create failed", zap.Error(err))
			return
		}
	}

	flow.touch()

	if flow.decision == DecisionBlock {
		return
	}

	if _, err := flow.conn.Write(seg.Payload); err != nil {
		f.log.Debug("udp upstream write failed", zap.String("session", flow.sessionID.String()), zap.Error(err))
		f.evict(flow)
		return
	}
	f.stats.BytesUp.Add(uint64(len(seg.Payload)))
}

func (f *UDPForwarder) createFlow(ctx context.Context, seg *UDPSegment) (*udpFlow, error) {
	key := seg.Key()
	domain, _ := f.dns.Get(seg.DstIP)
	decision := f.policy.Evaluate(ProtoUDP, key, domain)

	if decision == DecisionBlock {
		flow := newUDPFlow(key, nil, decision)
		f.table.put(flow)
		f.stats.FlowsCreated.Add(1)
		f.stats.FlowsBlocked.Add(1)
		return flow, nil
	}

	addr := fmt.Sprintf("%d.%d.%d.%d:%d", seg.DstIP[0], seg.DstIP[1], seg.DstIP[2], seg.DstIP[3], seg.DstPort)
	conn, err := f.factory.CreateProtectedUDPSocket(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream udp: %w", err)
	}

	flow := newUDPFlow(key, conn, decision)
	f.table.put(flow)
	f.stats.FlowsCreated.Add(1)

	go f.receiveLoop(flow)
	return flow, nil
}

// receiveLoop reads datagrams from the upstream socket and synthesizes
// tun-bound frames with source and destination swapped back to the
// client's view of the conversation (spec §4.2).
func (f *UDPForwarder) receiveLoop(flow *udpFlow) {
	buf := make([]byte, 65507)
	for {
		n, err := flow.conn.Read(buf)
		if err != nil {
			f.evict(flow)
			return
		}
		payload := buf[:n]

		if flow.key.DstPort == dnsPort {
			if resp, err := ParseDNSResponse(payload); err == nil {
				f.dns.RecordResponse()
				for _, a := range resp.Answers {
					if ip, ok := parseIPv4Literal(a.Addr); ok {
						f.dns.Put(ip, a.Name, time.Duration(a.TTL)*time.Second)
					}
				}
			}
		}

		frame := BuildUDP(BuildUDPOpts{
			SrcIP:   flow.key.DstIP,
			SrcPort: flow.key.DstPort,
			DstIP:   flow.key.SrcIP,
			DstPort: flow.key.SrcPort,
			Payload: payload,
		})
		if err := f.tun.WriteFrame(frame); err != nil {
			f.log.Debug("udp downlink write failed", zap.Error(err))
			f.evict(flow)
			return
		}
		f.stats.BytesDown.Add(uint64(n))
		flow.touch()
	}
}

func (f *UDPForwarder) evict(flow *udpFlow) {
	f.table.remove(flow.key)
	flow.close()
	f.stats.FlowsClosed.Add(1)
}

// Sweep evicts idle flows; it is intended to be called on
// udpFlowSweepInterval by the owning lifecycle controller.
func (f *UDPForwarder) Sweep() int {
	return f.table.sweepIdle()
}

// FlowCount reports the number of live pseudo-flows, for statistics.
func (f *UDPForwarder) FlowCount() int {
	return f.table.size()
}

// parseIPv4Literal converts a dotted-quad string into its 4-byte form,
// rejecting anything that isn't a literal IPv4 address (e.g. an AAAA
// record's textual form).
func parseIPv4Literal(s string) ([4]byte, bool) {
	var out [4]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, false
	}
	copy(out[:], v4)
	return out, true
}
