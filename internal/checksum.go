package internal

import "encoding/binary"

// internetChecksum computes the RFC 1071 one's-complement checksum over b.
// Trailing odd byte is treated as the high byte of a final 16-bit word.
func internetChecksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderChecksum folds the IPv4 pseudo-header sum into the checksum
// of the transport segment (TCP or UDP), per RFC 793 §3.1 / RFC 768.
func pseudoHeaderChecksum(srcIP, dstIP [4]byte, protocol uint8, segment []byte) uint16 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(srcIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(srcIP[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[2:4]))
	sum += uint32(protocol)
	sum += uint32(len(segment))

	n := len(segment)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(segment[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(segment[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
