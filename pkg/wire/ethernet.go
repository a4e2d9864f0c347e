package wire

import (
	"encoding/binary"

	"github.com/simeonmiteff/go-netstack/pkg/errkind"
)

const EthernetHeaderLen = 14

type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

// EthernetHeader is the 14-byte Ethernet II header; no VLAN tag support.
type EthernetHeader struct {
	Dst   MAC
	Src   MAC
	Type  EtherType
}

// ParseEthernet splits frame into its header and payload. It fails with
// Malformed if frame is shorter than the fixed header.
func ParseEthernet(frame []byte) (EthernetHeader, []byte, error) {
	if len(frame) < EthernetHeaderLen {
		return EthernetHeader{}, nil, errkind.New(errkind.Malformed, "ethernet frame too short")
	}
	var h EthernetHeader
	copy(h.Dst[:], frame[0:6])
	copy(h.Src[:], frame[6:12])
	h.Type = EtherType(binary.BigEndian.Uint16(frame[12:14]))
	return h, frame[EthernetHeaderLen:], nil
}

// WriteEthernet serialises h into dst[:14]. dst must be at least
// EthernetHeaderLen bytes.
func WriteEthernet(dst []byte, h EthernetHeader) {
	copy(dst[0:6], h.Dst[:])
	copy(dst[6:12], h.Src[:])
	binary.BigEndian.PutUint16(dst[12:14], uint16(h.Type))
}
