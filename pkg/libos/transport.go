package libos

import (
	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/runtime"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
)

// frameBuilder is the scatter-gather frame handed to the runtime: a
// serialised header region plus the payload taken by reference.
type frameBuilder struct {
	header []byte
	body   *buf.Buffer
}

func (f *frameBuilder) HeaderSize() int { return len(f.header) }

func (f *frameBuilder) BodySize() int {
	if f.body == nil {
		return 0
	}
	return f.body.Len()
}

func (f *frameBuilder) WriteHeader(dst []byte) {
	copy(dst, f.header)
}

func (f *frameBuilder) TakeBody() (buf.Buffer, bool) {
	if f.body == nil {
		return buf.Buffer{}, false
	}
	b := *f.body
	f.body = nil
	return b, true
}

// nicTransport adapts the runtime into the narrow transmit interfaces the
// ARP, UDP and TCP peers each depend on.
type nicTransport struct {
	rt runtime.Runtime
}

func (t *nicTransport) LocalLinkAddr() wire.MAC { return t.rt.LocalLinkAddr() }

func (t *nicTransport) LocalIPv4Addr() wire.IPv4 { return t.rt.LocalIPv4Addr() }

func (t *nicTransport) TransmitARP(op wire.ARPOperation, targetIP wire.IPv4, targetHW wire.MAC) error {
	ethDst := targetHW
	if op == wire.ARPRequest {
		ethDst = wire.BroadcastMAC
	}
	header := make([]byte, wire.EthernetHeaderLen+wire.ARPPDULen)
	wire.WriteEthernet(header, wire.EthernetHeader{
		Dst:  ethDst,
		Src:  t.rt.LocalLinkAddr(),
		Type: wire.EtherTypeARP,
	})
	wire.WriteARP(header[wire.EthernetHeaderLen:], wire.ARPPacket{
		Operation: op,
		SenderHW:  t.rt.LocalLinkAddr(),
		SenderIP:  t.rt.LocalIPv4Addr(),
		TargetHW:  targetHW,
		TargetIP:  targetIP,
	})
	return t.rt.Transmit(&frameBuilder{header: header})
}

func (t *nicTransport) TransmitUDP(dstLink wire.MAC, src, dst wire.Endpoint, payload buf.Buffer) error {
	udpLen := uint16(wire.UDPHeaderLen + payload.Len())
	header := make([]byte, wire.EthernetHeaderLen+wire.IPv4HeaderLen+wire.UDPHeaderLen)
	wire.WriteEthernet(header, wire.EthernetHeader{
		Dst:  dstLink,
		Src:  t.rt.LocalLinkAddr(),
		Type: wire.EtherTypeIPv4,
	})
	wire.WriteIPv4(header[wire.EthernetHeaderLen:], wire.IPv4Header{
		TotalLength: uint16(wire.IPv4HeaderLen) + udpLen,
		Protocol:    wire.ProtoUDP,
		TTL:         64,
		Src:         src.Addr,
		Dst:         dst.Addr,
	})
	wire.WriteUDP(
		header[wire.EthernetHeaderLen+wire.IPv4HeaderLen:],
		wire.UDPHeader{SrcPort: src.Port, DstPort: dst.Port, Length: udpLen},
		payload.Bytes(),
		src.Addr, dst.Addr,
		t.rt.UDPOptions().TxChecksum,
	)
	return t.rt.Transmit(&frameBuilder{header: header, body: &payload})
}

func (t *nicTransport) TransmitTCP(dstLink wire.MAC, src, dst wire.IPv4, hdr wire.TCPHeader, payload buf.Buffer) error {
	tcpHdrLen := wire.HeaderLen(hdr.Options)
	header := make([]byte, wire.EthernetHeaderLen+wire.IPv4HeaderLen+tcpHdrLen)
	wire.WriteEthernet(header, wire.EthernetHeader{
		Dst:  dstLink,
		Src:  t.rt.LocalLinkAddr(),
		Type: wire.EtherTypeIPv4,
	})
	wire.WriteIPv4(header[wire.EthernetHeaderLen:], wire.IPv4Header{
		TotalLength: uint16(wire.IPv4HeaderLen + tcpHdrLen + payload.Len()),
		Protocol:    wire.ProtoTCP,
		TTL:         64,
		Src:         src,
		Dst:         dst,
	})
	tcpRegion := header[wire.EthernetHeaderLen+wire.IPv4HeaderLen:]
	wire.WriteTCP(tcpRegion, hdr)
	wire.FinishTCPChecksum(tcpRegion, tcpHdrLen, payload.Bytes(), src, dst)
	return t.rt.Transmit(&frameBuilder{header: header, body: &payload})
}

func (t *nicTransport) TransmitICMPEcho(dstLink wire.MAC, dst wire.IPv4, msg wire.ICMPEcho) error {
	icmpLen := wire.ICMPHeaderLen + len(msg.Payload)
	header := make([]byte, wire.EthernetHeaderLen+wire.IPv4HeaderLen+icmpLen)
	wire.WriteEthernet(header, wire.EthernetHeader{
		Dst:  dstLink,
		Src:  t.rt.LocalLinkAddr(),
		Type: wire.EtherTypeIPv4,
	})
	wire.WriteIPv4(header[wire.EthernetHeaderLen:], wire.IPv4Header{
		TotalLength: uint16(wire.IPv4HeaderLen + icmpLen),
		Protocol:    wire.ProtoICMP,
		TTL:         64,
		Src:         t.rt.LocalIPv4Addr(),
		Dst:         dst,
	})
	wire.WriteICMPEcho(header[wire.EthernetHeaderLen+wire.IPv4HeaderLen:], msg)
	return t.rt.Transmit(&frameBuilder{header: header})
}
