package wire

import (
	"encoding/binary"

	"github.com/simeonmiteff/go-netstack/pkg/errkind"
)

const ARPPDULen = 28

type ARPOperation uint16

const (
	ARPRequest ARPOperation = 1
	ARPReply   ARPOperation = 2
)

const (
	arpHTypeEthernet = 1
	arpPTypeIPv4     = uint16(EtherTypeIPv4)
	arpHLenEthernet  = 6
	arpPLenIPv4      = 4
)

// ARPPacket is the fixed 28-byte PDU.
type ARPPacket struct {
	Operation  ARPOperation
	SenderHW   MAC
	SenderIP   IPv4
	TargetHW   MAC
	TargetIP   IPv4
}

// ParseARP validates and decodes a 28-byte ARP PDU. Any length or
// fixed-field mismatch fails with Malformed.
func ParseARP(b []byte) (ARPPacket, error) {
	if len(b) < ARPPDULen {
		return ARPPacket{}, errkind.New(errkind.Malformed, "arp pdu too short")
	}
	htype := binary.BigEndian.Uint16(b[0:2])
	ptype := binary.BigEndian.Uint16(b[2:4])
	hlen := b[4]
	plen := b[5]
	if htype != arpHTypeEthernet || ptype != arpPTypeIPv4 || hlen != arpHLenEthernet || plen != arpPLenIPv4 {
		return ARPPacket{}, errkind.New(errkind.Malformed, "arp fixed field mismatch")
	}
	op := ARPOperation(binary.BigEndian.Uint16(b[6:8]))
	if op != ARPRequest && op != ARPReply {
		return ARPPacket{}, errkind.New(errkind.Malformed, "arp unknown operation")
	}

	var pkt ARPPacket
	pkt.Operation = op
	copy(pkt.SenderHW[:], b[8:14])
	copy(pkt.SenderIP[:], b[14:18])
	copy(pkt.TargetHW[:], b[18:24])
	copy(pkt.TargetIP[:], b[24:28])
	return pkt, nil
}

// WriteARP serialises pkt into dst[:28]. dst must be at least ARPPDULen
// bytes. Serialize then parse is identity on well-formed input.
func WriteARP(dst []byte, pkt ARPPacket) {
	binary.BigEndian.PutUint16(dst[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(dst[2:4], arpPTypeIPv4)
	dst[4] = arpHLenEthernet
	dst[5] = arpPLenIPv4
	binary.BigEndian.PutUint16(dst[6:8], uint16(pkt.Operation))
	copy(dst[8:14], pkt.SenderHW[:])
	copy(dst[14:18], pkt.SenderIP[:])
	copy(dst[18:24], pkt.TargetHW[:])
	copy(dst[24:28], pkt.TargetIP[:])
}
