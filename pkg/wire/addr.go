// Package wire implements the leaf frame codecs (Ethernet, IPv4, ARP, UDP,
// TCP, a minimal ICMP) the stack parses and emits. The codecs stay
// deliberately dumb: no IPv4 options, no fragmentation, no VLAN tags.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MAC is a 6-byte Ethernet link address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IPv4 is a 4-byte IPv4 address in network order.
type IPv4 [4]byte

func (a IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

func IPv4FromUint32(v uint32) IPv4 {
	var a IPv4
	binary.BigEndian.PutUint32(a[:], v)
	return a
}

func (a IPv4) Uint32() uint32 {
	return binary.BigEndian.Uint32(a[:])
}

// Endpoint is an (IPv4 address, port) pair.
type Endpoint struct {
	Addr IPv4
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}
