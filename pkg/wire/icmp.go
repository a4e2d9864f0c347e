package wire

import (
	"encoding/binary"

	"github.com/simeonmiteff/go-netstack/pkg/errkind"
)

const ICMPHeaderLen = 8

type ICMPType uint8

const (
	ICMPEchoReply   ICMPType = 0
	ICMPEchoRequest ICMPType = 8
)

// ICMPEcho is the minimal echo request/reply message the stack needs to
// answer pings.
type ICMPEcho struct {
	Type       ICMPType
	Identifier uint16
	Sequence   uint16
	Payload    []byte
}

func ParseICMPEcho(b []byte) (ICMPEcho, error) {
	if len(b) < ICMPHeaderLen {
		return ICMPEcho{}, errkind.New(errkind.Malformed, "icmp message too short")
	}
	t := ICMPType(b[0])
	if t != ICMPEchoRequest && t != ICMPEchoReply {
		return ICMPEcho{}, errkind.New(errkind.Unsupported, "unsupported icmp type")
	}
	return ICMPEcho{
		Type:       t,
		Identifier: binary.BigEndian.Uint16(b[4:6]),
		Sequence:   binary.BigEndian.Uint16(b[6:8]),
		Payload:    b[ICMPHeaderLen:],
	}, nil
}

func WriteICMPEcho(dst []byte, msg ICMPEcho) {
	dst[0] = byte(msg.Type)
	dst[1] = 0 // code
	binary.BigEndian.PutUint16(dst[2:4], 0) // checksum placeholder
	binary.BigEndian.PutUint16(dst[4:6], msg.Identifier)
	binary.BigEndian.PutUint16(dst[6:8], msg.Sequence)
	copy(dst[ICMPHeaderLen:], msg.Payload)
	binary.BigEndian.PutUint16(dst[2:4], FinishChecksum(0, dst[:ICMPHeaderLen+len(msg.Payload)]))
}
