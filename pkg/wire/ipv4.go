package wire

import (
	"encoding/binary"

	"github.com/simeonmiteff/go-netstack/pkg/errkind"
)

const IPv4HeaderLen = 20

type IPProtocol uint8

const (
	ProtoICMP IPProtocol = 1
	ProtoTCP  IPProtocol = 6
	ProtoUDP  IPProtocol = 17
)

// IPv4Header is the fixed 20-byte header; no options.
type IPv4Header struct {
	TotalLength uint16
	Protocol    IPProtocol
	TTL         uint8
	Src         IPv4
	Dst         IPv4
}

// ParseIPv4 decodes a fixed-length IPv4 header. Options are rejected with
// Unsupported, malformed framing with Malformed.
func ParseIPv4(b []byte) (IPv4Header, []byte, error) {
	if len(b) < IPv4HeaderLen {
		return IPv4Header{}, nil, errkind.New(errkind.Malformed, "ipv4 header too short")
	}
	verIHL := b[0]
	version := verIHL >> 4
	ihl := int(verIHL&0x0f) * 4
	if version != 4 {
		return IPv4Header{}, nil, errkind.New(errkind.Malformed, "unsupported ip version")
	}
	if ihl != IPv4HeaderLen {
		return IPv4Header{}, nil, errkind.New(errkind.Unsupported, "ipv4 options not supported")
	}
	totalLen := binary.BigEndian.Uint16(b[2:4])
	if int(totalLen) > len(b) {
		return IPv4Header{}, nil, errkind.New(errkind.Malformed, "ipv4 total length exceeds frame")
	}
	if int(totalLen) < IPv4HeaderLen {
		return IPv4Header{}, nil, errkind.New(errkind.Malformed, "ipv4 total length below header length")
	}

	var h IPv4Header
	h.TotalLength = totalLen
	h.TTL = b[8]
	h.Protocol = IPProtocol(b[9])
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])
	return h, b[IPv4HeaderLen:totalLen], nil
}

// WriteIPv4 serialises h into dst[:20], header checksum included. The
// checksum covers the header only, so the payload may be written before
// or after.
func WriteIPv4(dst []byte, h IPv4Header) {
	dst[0] = 0x45 // version 4, IHL 5 (20 bytes)
	dst[1] = 0
	binary.BigEndian.PutUint16(dst[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(dst[4:6], 0) // identification
	binary.BigEndian.PutUint16(dst[6:8], 0) // flags/fragment offset
	dst[8] = h.TTL
	dst[9] = byte(h.Protocol)
	binary.BigEndian.PutUint16(dst[10:12], 0) // checksum placeholder
	copy(dst[12:16], h.Src[:])
	copy(dst[16:20], h.Dst[:])
	binary.BigEndian.PutUint16(dst[10:12], checksum(dst[0:20]))
}

// accumulateChecksum adds b's 16-bit words (one's-complement sum, no fold
// or negation yet) onto a running partial sum, so pseudo-header + header +
// payload can all be accumulated before a single fold-and-negate.
func accumulateChecksum(sum uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// checksum computes the IPv4 header checksum over b (no pseudo-header).
func checksum(b []byte) uint16 {
	return foldChecksum(accumulateChecksum(0, b))
}

// PseudoHeaderSum returns the running checksum contribution of the IPv4
// pseudo-header used by UDP/TCP checksums.
func PseudoHeaderSum(src, dst IPv4, proto IPProtocol, length uint16) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// FinishChecksum accumulates b onto partial (e.g. a pseudo-header sum, or
// a running sum from a prior AccumulatePartial call) and folds +
// negates into the final one's-complement checksum value.
func FinishChecksum(partial uint32, b []byte) uint16 {
	return foldChecksum(accumulateChecksum(partial, b))
}

// AccumulatePartial is like FinishChecksum but returns the unfolded
// running sum, for chaining multiple byte spans (header, then payload)
// before a single final fold.
func AccumulatePartial(partial uint32, b []byte) uint32 {
	return accumulateChecksum(partial, b)
}
