package wire

import (
	"encoding/binary"

	"github.com/simeonmiteff/go-netstack/pkg/errkind"
)

const TCPHeaderLen = 20

// TCPFlags packs the six core control bits.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << 0
	FlagSYN TCPFlags = 1 << 1
	FlagRST TCPFlags = 1 << 2
	FlagPSH TCPFlags = 1 << 3
	FlagACK TCPFlags = 1 << 4
	FlagURG TCPFlags = 1 << 5
)

func (f TCPFlags) Has(bit TCPFlags) bool { return f&bit != 0 }

// Option kinds, a subset of RFC 793/1323/2018 sufficient for this stack:
// MSS, window scale is out of scope, timestamps, and SACK-permitted.
const (
	OptKindEnd       = 0
	OptKindNOP       = 1
	OptKindMSS       = 2
	OptKindSACKPerm  = 4
	OptKindSACK      = 5
	OptKindTimestamp = 8
)

type TCPOptions struct {
	MSS          *uint16
	SACKPermitted bool
	TSVal, TSEcr *uint32
}

// TCPHeader is the fixed 20-byte header plus parsed options.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNo      uint32
	AckNo      uint32
	DataOffset uint8 // in 4-byte words, including options
	Flags      TCPFlags
	Window     uint16
	Checksum   uint16
	UrgentPtr  uint16
	Options    TCPOptions
}

func ParseTCP(b []byte) (TCPHeader, []byte, error) {
	if len(b) < TCPHeaderLen {
		return TCPHeader{}, nil, errkind.New(errkind.Malformed, "tcp header too short")
	}
	var h TCPHeader
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.SeqNo = binary.BigEndian.Uint32(b[4:8])
	h.AckNo = binary.BigEndian.Uint32(b[8:12])
	h.DataOffset = b[12] >> 4
	h.Flags = TCPFlags(b[13] & 0x3f)
	h.Window = binary.BigEndian.Uint16(b[14:16])
	h.Checksum = binary.BigEndian.Uint16(b[16:18])
	h.UrgentPtr = binary.BigEndian.Uint16(b[18:20])

	hdrLen := int(h.DataOffset) * 4
	if hdrLen < TCPHeaderLen || hdrLen > len(b) {
		return TCPHeader{}, nil, errkind.New(errkind.Malformed, "tcp data offset out of range")
	}
	opts, err := parseTCPOptions(b[TCPHeaderLen:hdrLen])
	if err != nil {
		return TCPHeader{}, nil, err
	}
	h.Options = opts
	return h, b[hdrLen:], nil
}

func parseTCPOptions(b []byte) (TCPOptions, error) {
	var opts TCPOptions
	for len(b) > 0 {
		kind := b[0]
		if kind == OptKindEnd {
			break
		}
		if kind == OptKindNOP {
			b = b[1:]
			continue
		}
		if len(b) < 2 {
			return TCPOptions{}, errkind.New(errkind.Malformed, "truncated tcp option")
		}
		optLen := int(b[1])
		if optLen < 2 || optLen > len(b) {
			return TCPOptions{}, errkind.New(errkind.Malformed, "tcp option length out of range")
		}
		data := b[2:optLen]
		switch kind {
		case OptKindMSS:
			if len(data) != 2 {
				return TCPOptions{}, errkind.New(errkind.Malformed, "malformed mss option")
			}
			v := binary.BigEndian.Uint16(data)
			opts.MSS = &v
		case OptKindSACKPerm:
			opts.SACKPermitted = true
		case OptKindTimestamp:
			if len(data) != 8 {
				return TCPOptions{}, errkind.New(errkind.Malformed, "malformed timestamp option")
			}
			val := binary.BigEndian.Uint32(data[0:4])
			ecr := binary.BigEndian.Uint32(data[4:8])
			opts.TSVal = &val
			opts.TSEcr = &ecr
		}
		b = b[optLen:]
	}
	return opts, nil
}

// encodeTCPOptions serialises the subset of options this stack emits,
// padded to a multiple of 4 bytes with NOPs, and returns the encoded bytes.
func encodeTCPOptions(opts TCPOptions) []byte {
	var raw []byte
	if opts.MSS != nil {
		raw = append(raw, OptKindMSS, 4)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], *opts.MSS)
		raw = append(raw, b[:]...)
	}
	if opts.SACKPermitted {
		raw = append(raw, OptKindSACKPerm, 2)
	}
	if opts.TSVal != nil && opts.TSEcr != nil {
		raw = append(raw, OptKindTimestamp, 10)
		var b [8]byte
		binary.BigEndian.PutUint32(b[0:4], *opts.TSVal)
		binary.BigEndian.PutUint32(b[4:8], *opts.TSEcr)
		raw = append(raw, b[:]...)
	}
	for len(raw)%4 != 0 {
		raw = append(raw, OptKindNOP)
	}
	return raw
}

// HeaderLen reports the total serialised header length including options.
func HeaderLen(opts TCPOptions) int {
	return TCPHeaderLen + len(encodeTCPOptions(opts))
}

// WriteTCP serialises h (+ options) into dst, whose length must be at
// least HeaderLen(h.Options). The checksum field is left zero; call
// FinishTCPChecksum afterwards once the payload is known.
func WriteTCP(dst []byte, h TCPHeader) {
	optBytes := encodeTCPOptions(h.Options)
	hdrLen := TCPHeaderLen + len(optBytes)

	binary.BigEndian.PutUint16(dst[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(dst[2:4], h.DstPort)
	binary.BigEndian.PutUint32(dst[4:8], h.SeqNo)
	binary.BigEndian.PutUint32(dst[8:12], h.AckNo)
	dst[12] = byte(hdrLen/4) << 4
	dst[13] = byte(h.Flags)
	binary.BigEndian.PutUint16(dst[14:16], h.Window)
	binary.BigEndian.PutUint16(dst[16:18], 0)
	binary.BigEndian.PutUint16(dst[18:20], h.UrgentPtr)
	copy(dst[TCPHeaderLen:hdrLen], optBytes)
}

// VerifyTCPChecksum recomputes the checksum over an entire received
// segment (header, options, payload) with the pseudo-header and reports
// whether it verifies.
func VerifyTCPChecksum(segment []byte, src, dst IPv4) bool {
	partial := PseudoHeaderSum(src, dst, ProtoTCP, uint16(len(segment)))
	return FinishChecksum(partial, segment) == 0
}

// FinishTCPChecksum computes and writes the TCP checksum over the
// already-serialised header+options (dst[:hdrLen]) and payload, using the
// IPv4 pseudo-header.
func FinishTCPChecksum(dst []byte, hdrLen int, payload []byte, src, dstIP IPv4) {
	segLen := uint16(hdrLen + len(payload))
	partial := PseudoHeaderSum(src, dstIP, ProtoTCP, segLen)
	partial = AccumulatePartial(partial, dst[:hdrLen])
	sum := FinishChecksum(partial, payload)
	binary.BigEndian.PutUint16(dst[16:18], sum)
}
