package internal

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedPacket is returned by every parser when a frame is too short
// or otherwise fails a bounds check. Callers drop the frame and continue;
// see spec §7 (MalformedPacket).
var ErrMalformedPacket = errors.New("tunshield: malformed packet")

const (
	protoTCP = 6
	protoUDP = 17

	ipv4MinHeaderLen  = 20
	tcpMinHeaderLen   = 20
	udpHeaderLen      = 8
	tcpOptionKindMSS  = 2
	tcpOptionKindNOP  = 1
	tcpOptionKindEOOL = 0
)

// TCP control bits, low five bits of the flags byte (spec §4.1).
const (
	TCPFlagFIN uint8 = 1 << 0
	TCPFlagSYN uint8 = 1 << 1
	TCPFlagRST uint8 = 1 << 2
	TCPFlagPSH uint8 = 1 << 3
	TCPFlagACK uint8 = 1 << 4
)

const tcpRecvWindow uint16 = 8192

// ipv4Meta is the subset of the IPv4 header the core cares about.
type ipv4Meta struct {
	version   uint8
	headerLen int // bytes
	totalLen  int // bytes, as declared in the header
	protocol  uint8
	src, dst  [4]byte
}

func parseIPv4(b []byte) (ipv4Meta, error) {
	var m ipv4Meta
	if len(b) < ipv4MinHeaderLen {
		return m, ErrMalformedPacket
	}
	m.version = b[0] >> 4
	if m.version != 4 {
		return m, ErrMalformedPacket
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < ipv4MinHeaderLen || ihl > len(b) {
		return m, ErrMalformedPacket
	}
	m.headerLen = ihl
	m.totalLen = int(binary.BigEndian.Uint16(b[2:4]))
	m.protocol = b[9]
	copy(m.src[:], b[12:16])
	copy(m.dst[:], b[16:20])
	return m, nil
}

// IPVersion reads the top nibble of the first byte of a tun frame without
// otherwise validating it; used by the reader to classify IPv4 vs IPv6.
func IPVersion(b []byte) uint8 {
	if len(b) == 0 {
		return 0
	}
	return b[0] >> 4
}

// FlowKey identifies a flow by the application-side 4-tuple (spec §3).
type FlowKey struct {
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

// TCPSegment is the parsed view of one TCP packet's metadata and payload.
type TCPSegment struct {
	SrcIP, DstIP     [4]byte
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Payload          []byte
}

func (s *TCPSegment) Key() FlowKey {
	return FlowKey{SrcIP: s.SrcIP, SrcPort: s.SrcPort, DstIP: s.DstIP, DstPort: s.DstPort}
}

// ParseTCP parses an IPv4 frame carrying a TCP segment. It rejects frames
// that are too short to contain a full header, and never reads past what
// the declared offsets permit.
func ParseTCP(b []byte) (*TCPSegment, error) {
	ip, err := parseIPv4(b)
	if err != nil {
		return nil, err
	}
	if ip.protocol != protoTCP {
		return nil, ErrMalformedPacket
	}
	l4 := b[ip.headerLen:]
	if len(l4) < tcpMinHeaderLen {
		return nil, ErrMalformedPacket
	}
	dataOffset := int(l4[12]>>4) * 4
	if dataOffset < tcpMinHeaderLen || dataOffset > len(l4) {
		return nil, ErrMalformedPacket
	}
	seg := &TCPSegment{
		SrcIP:   ip.src,
		DstIP:   ip.dst,
		SrcPort: binary.BigEndian.Uint16(l4[0:2]),
		DstPort: binary.BigEndian.Uint16(l4[2:4]),
		Seq:     binary.BigEndian.Uint32(l4[4:8]),
		Ack:     binary.BigEndian.Uint32(l4[8:12]),
		Flags:   l4[13] & 0x1f,
		Payload: append([]byte(nil), l4[dataOffset:]...),
	}
	return seg, nil
}

// UDPSegment is the parsed view of one UDP datagram's addressing and payload.
type UDPSegment struct {
	SrcIP, DstIP     [4]byte
	SrcPort, DstPort uint16
	Payload          []byte
}

func (s *UDPSegment) Key() FlowKey {
	return FlowKey{SrcIP: s.SrcIP, SrcPort: s.SrcPort, DstIP: s.DstIP, DstPort: s.DstPort}
}

// ParseUDP parses an IPv4 frame carrying a UDP datagram.
func ParseUDP(b []byte) (*UDPSegment, error) {
	ip, err := parseIPv4(b)
	if err != nil {
		return nil, err
	}
	if ip.protocol != protoUDP {
		return nil, ErrMalformedPacket
	}
	l4 := b[ip.headerLen:]
	if len(l4) < udpHeaderLen {
		return nil, ErrMalformedPacket
	}
	udpLen := int(binary.BigEndian.Uint16(l4[4:6]))
	if udpLen < udpHeaderLen || udpLen > len(l4) {
		return nil, ErrMalformedPacket
	}
	seg := &UDPSegment{
		SrcIP:   ip.src,
		DstIP:   ip.dst,
		SrcPort: binary.BigEndian.Uint16(l4[0:2]),
		DstPort: binary.BigEndian.Uint16(l4[2:4]),
		Payload: append([]byte(nil), l4[udpHeaderLen:udpLen]...),
	}
	return seg, nil
}

func buildIPv4Header(totalLen int, protocol uint8, src, dst [4]byte) []byte {
	h := make([]byte, ipv4MinHeaderLen)
	h[0] = 0x45 // version 4, IHL 5
	h[1] = 0
	binary.BigEndian.PutUint16(h[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(h[4:6], 0) // identification
	h[6] = 0x40                           // DF flag, no fragment offset
	h[7] = 0
	h[8] = 64 // TTL
	h[9] = protocol
	// checksum at h[10:12] patched below
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	cs := internetChecksum(h)
	binary.BigEndian.PutUint16(h[10:12], cs)
	return h
}

// clampMSSOption rewrites any MSS option in opts so its value does not
// exceed maxMSS, per spec §4.1 ("rewrite any MSS option so its value
// ≤ effective MTU − 40").
func clampMSSOption(opts []byte, maxMSS uint16) []byte {
	out := append([]byte(nil), opts...)
	i := 0
	for i < len(out) {
		kind := out[i]
		if kind == tcpOptionKindEOOL {
			break
		}
		if kind == tcpOptionKindNOP {
			i++
			continue
		}
		if i+1 >= len(out) {
			break
		}
		optLen := int(out[i+1])
		if optLen < 2 || i+optLen > len(out) {
			break
		}
		if kind == tcpOptionKindMSS && optLen == 4 {
			cur := binary.BigEndian.Uint16(out[i+2 : i+4])
			if cur > maxMSS {
				binary.BigEndian.PutUint16(out[i+2:i+4], maxMSS)
			}
		}
		i += optLen
	}
	return out
}

func padTCPOptions(opts []byte) []byte {
	if len(opts)%4 == 0 {
		return opts
	}
	pad := 4 - len(opts)%4
	return append(opts, make([]byte, pad)...)
}

// BuildTCPOpts are the inputs to BuildTCP (spec §4.1).
type BuildTCPOpts struct {
	SrcIP, DstIP     [4]byte
	SrcPort, DstPort uint16
	Flags            uint8
	Seq, Ack         uint32
	Payload          []byte
	Options          []byte
	MTU              int
}

// BuildTCP synthesises a complete IPv4+TCP frame with valid checksums.
func BuildTCP(o BuildTCPOpts) []byte {
	opts := o.Options
	if o.Flags&TCPFlagSYN != 0 && len(opts) > 0 {
		maxMSS := o.MTU - 40
		if maxMSS < 0 {
			maxMSS = 0
		}
		opts = clampMSSOption(opts, uint16(maxMSS))
	}
	opts = padTCPOptions(opts)

	dataOffsetWords := (tcpMinHeaderLen + len(opts)) / 4
	tcpLen := tcpMinHeaderLen + len(opts) + len(o.Payload)

	tcp := make([]byte, tcpLen)
	binary.BigEndian.PutUint16(tcp[0:2], o.SrcPort)
	binary.BigEndian.PutUint16(tcp[2:4], o.DstPort)
	binary.BigEndian.PutUint32(tcp[4:8], o.Seq)
	binary.BigEndian.PutUint32(tcp[8:12], o.Ack)
	tcp[12] = byte(dataOffsetWords << 4)
	tcp[13] = o.Flags & 0x1f
	binary.BigEndian.PutUint16(tcp[14:16], tcpRecvWindow)
	// checksum at tcp[16:18] computed below, urgent at tcp[18:20] left zero
	copy(tcp[20:20+len(opts)], opts)
	copy(tcp[20+len(opts):], o.Payload)

	cs := pseudoHeaderChecksum(o.SrcIP, o.DstIP, protoTCP, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], cs)

	ip := buildIPv4Header(ipv4MinHeaderLen+tcpLen, protoTCP, o.SrcIP, o.DstIP)
	return append(ip, tcp...)
}

// BuildUDPOpts are the inputs to BuildUDP (spec §4.1).
type BuildUDPOpts struct {
	SrcIP, DstIP     [4]byte
	SrcPort, DstPort uint16
	Payload          []byte
}

// BuildUDP synthesises a complete IPv4+UDP frame with valid checksums.
func BuildUDP(o BuildUDPOpts) []byte {
	udpLen := udpHeaderLen + len(o.Payload)
	udp := make([]byte, udpLen)
	binary.BigEndian.PutUint16(udp[0:2], o.SrcPort)
	binary.BigEndian.PutUint16(udp[2:4], o.DstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	// checksum at udp[6:8] computed below
	copy(udp[8:], o.Payload)

	cs := pseudoHeaderChecksum(o.SrcIP, o.DstIP, protoUDP, udp)
	if cs == 0 {
		cs = 0xffff
	}
	binary.BigEndian.PutUint16(udp[6:8], cs)

	ip := buildIPv4Header(ipv4MinHeaderLen+udpLen, protoUDP, o.SrcIP, o.DstIP)
	return append(ip, udp...)
}
