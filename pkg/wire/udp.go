package wire

import (
	"encoding/binary"

	"github.com/simeonmiteff/go-netstack/pkg/errkind"
)

const UDPHeaderLen = 8

// UDPHeader is the fixed 8-byte header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

func ParseUDP(b []byte) (UDPHeader, []byte, error) {
	if len(b) < UDPHeaderLen {
		return UDPHeader{}, nil, errkind.New(errkind.Malformed, "udp header too short")
	}
	h := UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Length:   binary.BigEndian.Uint16(b[4:6]),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}
	if int(h.Length) < UDPHeaderLen || int(h.Length) > len(b) {
		return UDPHeader{}, nil, errkind.New(errkind.Malformed, "udp length out of range")
	}
	return h, b[UDPHeaderLen:h.Length], nil
}

// WriteUDP serialises h into dst[:8]. If emitChecksum is false, the
// checksum field is emitted as 0.
func WriteUDP(dst []byte, h UDPHeader, payload []byte, src, dstIP IPv4, emitChecksum bool) {
	binary.BigEndian.PutUint16(dst[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(dst[2:4], h.DstPort)
	binary.BigEndian.PutUint16(dst[4:6], h.Length)
	binary.BigEndian.PutUint16(dst[6:8], 0)
	if emitChecksum {
		partial := PseudoHeaderSum(src, dstIP, ProtoUDP, h.Length)
		partial = AccumulatePartial(partial, dst[:UDPHeaderLen])
		sum := FinishChecksum(partial, payload)
		if sum == 0 {
			sum = 0xffff // a computed checksum of 0 is sent as all-ones (RFC 768)
		}
		binary.BigEndian.PutUint16(dst[6:8], sum)
	}
}

// VerifyUDPChecksum recomputes the checksum over header+payload with the
// pseudo-header and reports whether it matches. A zero checksum field
// means the sender omitted verification and the receiver may skip it.
func VerifyUDPChecksum(h UDPHeader, payload []byte, src, dst IPv4) bool {
	if h.Checksum == 0 {
		return true
	}
	hdr := make([]byte, UDPHeaderLen)
	binary.BigEndian.PutUint16(hdr[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(hdr[2:4], h.DstPort)
	binary.BigEndian.PutUint16(hdr[4:6], h.Length)
	binary.BigEndian.PutUint16(hdr[6:8], h.Checksum)
	partial := PseudoHeaderSum(src, dst, ProtoUDP, h.Length)
	partial = AccumulatePartial(partial, hdr)
	sum := FinishChecksum(partial, payload)
	return sum == 0
}
