package wire_test

import (
	"testing"

	"github.com/simeonmiteff/go-netstack/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestARPRoundTrip(t *testing.T) {
	pkt := wire.ARPPacket{
		Operation: wire.ARPReply,
		SenderHW:  wire.MAC{1, 2, 3, 4, 5, 6},
		SenderIP:  wire.IPv4{10, 0, 0, 1},
		TargetHW:  wire.MAC{6, 5, 4, 3, 2, 1},
		TargetIP:  wire.IPv4{10, 0, 0, 2},
	}
	raw := make([]byte, wire.ARPPDULen)
	wire.WriteARP(raw, pkt)

	got, err := wire.ParseARP(raw)
	require.NoError(t, err)
	require.Equal(t, pkt, got)
}

func TestARPParseRejectsShort(t *testing.T) {
	_, err := wire.ParseARP(make([]byte, 27))
	require.Error(t, err)
}

func TestARPParseRejectsBadFixedFields(t *testing.T) {
	raw := make([]byte, wire.ARPPDULen)
	wire.WriteARP(raw, wire.ARPPacket{Operation: wire.ARPRequest})
	raw[0] = 0xff // corrupt htype
	_, err := wire.ParseARP(raw)
	require.Error(t, err)
}

func TestEthernetRoundTrip(t *testing.T) {
	h := wire.EthernetHeader{
		Dst:  wire.MAC{1, 1, 1, 1, 1, 1},
		Src:  wire.MAC{2, 2, 2, 2, 2, 2},
		Type: wire.EtherTypeARP,
	}
	raw := make([]byte, wire.EthernetHeaderLen+4)
	wire.WriteEthernet(raw, h)
	copy(raw[wire.EthernetHeaderLen:], []byte{9, 9, 9, 9})

	got, payload, err := wire.ParseEthernet(raw)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.Equal(t, []byte{9, 9, 9, 9}, payload)
}

func TestUDPChecksumRoundTrip(t *testing.T) {
	src := wire.IPv4{10, 0, 0, 1}
	dst := wire.IPv4{10, 0, 0, 2}
	payload := []byte("hello")
	h := wire.UDPHeader{SrcPort: 1234, DstPort: 80, Length: uint16(wire.UDPHeaderLen + len(payload))}

	raw := make([]byte, wire.UDPHeaderLen)
	wire.WriteUDP(raw, h, payload, src, dst, true)

	parsed, gotPayload, err := wire.ParseUDP(append(raw, payload...))
	require.NoError(t, err)
	require.Equal(t, payload, gotPayload)
	require.True(t, wire.VerifyUDPChecksum(parsed, gotPayload, src, dst))
}

func TestUDPChecksumOmittedSkipsVerification(t *testing.T) {
	src := wire.IPv4{10, 0, 0, 1}
	dst := wire.IPv4{10, 0, 0, 2}
	h := wire.UDPHeader{SrcPort: 1, DstPort: 2, Length: wire.UDPHeaderLen, Checksum: 0}
	require.True(t, wire.VerifyUDPChecksum(h, nil, src, dst))
}

func TestTCPOptionsRoundTrip(t *testing.T) {
	mss := uint16(1460)
	h := wire.TCPHeader{
		SrcPort: 1000, DstPort: 80, SeqNo: 111, AckNo: 222,
		Flags: wire.FlagSYN, Window: 65535,
		Options: wire.TCPOptions{MSS: &mss, SACKPermitted: true},
	}
	hdrLen := wire.HeaderLen(h.Options)
	raw := make([]byte, hdrLen)
	wire.WriteTCP(raw, h)

	got, rest, err := wire.ParseTCP(raw)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, h.SeqNo, got.SeqNo)
	require.Equal(t, h.Flags, got.Flags)
	require.NotNil(t, got.Options.MSS)
	require.Equal(t, mss, *got.Options.MSS)
	require.True(t, got.Options.SACKPermitted)
}
