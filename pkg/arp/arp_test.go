package arp_test

import (
	"testing"
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/arp"
	"github.com/simeonmiteff/go-netstack/pkg/errkind"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
	"github.com/stretchr/testify/require"
)

var (
	localMAC  = wire.MAC{0x02, 0, 0, 0, 0, 0x01}
	remoteMAC = wire.MAC{0x02, 0, 0, 0, 0, 0x02}
	localIP   = wire.IPv4{10, 0, 0, 1}
	remoteIP  = wire.IPv4{10, 0, 0, 2}
)

type sentPDU struct {
	op       wire.ARPOperation
	targetIP wire.IPv4
	targetHW wire.MAC
}

type captureTransport struct {
	sent []sentPDU
}

func (t *captureTransport) LocalLinkAddr() wire.MAC { return localMAC }

func (t *captureTransport) LocalIPv4Addr() wire.IPv4 { return localIP }

func (t *captureTransport) TransmitARP(op wire.ARPOperation, targetIP wire.IPv4, targetHW wire.MAC) error {
	t.sent = append(t.sent, sentPDU{op, targetIP, targetHW})
	return nil
}

func newPeer() (*arp.Peer, *captureTransport) {
	tr := &captureTransport{}
	p := arp.New(tr, arp.DefaultOptions(), nil)
	p.AdvanceClock(time.Unix(0, 0))
	return p, tr
}

func reply(senderHW wire.MAC, senderIP wire.IPv4) []byte {
	b := make([]byte, wire.ARPPDULen)
	wire.WriteARP(b, wire.ARPPacket{
		Operation: wire.ARPReply,
		SenderHW:  senderHW,
		SenderIP:  senderIP,
		TargetHW:  localMAC,
		TargetIP:  localIP,
	})
	return b
}

func request(senderHW wire.MAC, senderIP, targetIP wire.IPv4) []byte {
	b := make([]byte, wire.ARPPDULen)
	wire.WriteARP(b, wire.ARPPacket{
		Operation: wire.ARPRequest,
		SenderHW:  senderHW,
		SenderIP:  senderIP,
		TargetIP:  targetIP,
	})
	return b
}

func TestQueryResolvesOnReply(t *testing.T) {
	p, tr := newPeer()
	h := p.Query(remoteIP)

	_, done, err := h.Poll()
	require.NoError(t, err)
	require.False(t, done)
	require.Len(t, tr.sent, 1)
	require.Equal(t, wire.ARPRequest, tr.sent[0].op)
	require.Equal(t, remoteIP, tr.sent[0].targetIP)

	p.Receive(reply(remoteMAC, remoteIP))

	mac, done, err := h.Poll()
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, remoteMAC, mac)
	require.Equal(t, 0, p.PendingWaiters(), "fulfilled waiter must be dropped")
}

func TestQueryRetriesOnBackoffThenFails(t *testing.T) {
	p, tr := newPeer()
	h := p.Query(remoteIP)
	base := time.Unix(0, 0)

	// Schedule is 1s, 2s, 4s; each expiry retransmits until the budget
	// is exhausted.
	p.AdvanceClock(base.Add(1100 * time.Millisecond))
	_, done, _ := h.Poll()
	require.False(t, done)
	require.Len(t, tr.sent, 2)

	p.AdvanceClock(base.Add(3200 * time.Millisecond))
	_, done, _ = h.Poll()
	require.False(t, done)
	require.Len(t, tr.sent, 3)

	p.AdvanceClock(base.Add(7300 * time.Millisecond))
	_, done, err := h.Poll()
	require.True(t, done)
	kind, ok := errkind.Of(err)
	require.True(t, ok)
	require.Equal(t, errkind.ResolutionFailed, kind)
	require.Equal(t, 0, p.PendingWaiters())
}

func TestRequestForLocalIPEmitsReplyAndCachesSender(t *testing.T) {
	p, tr := newPeer()
	p.Receive(request(remoteMAC, remoteIP, localIP))

	require.Len(t, tr.sent, 1)
	require.Equal(t, wire.ARPReply, tr.sent[0].op)
	require.Equal(t, remoteIP, tr.sent[0].targetIP)
	require.Equal(t, remoteMAC, tr.sent[0].targetHW)

	mac, ok := p.TryQuery(remoteIP)
	require.True(t, ok)
	require.Equal(t, remoteMAC, mac)
}

func TestRequestForForeignIPIsIgnored(t *testing.T) {
	p, tr := newPeer()
	p.Receive(request(remoteMAC, remoteIP, wire.IPv4{10, 0, 0, 99}))
	require.Empty(t, tr.sent)
	// The sender is still cached opportunistically.
	_, ok := p.TryQuery(remoteIP)
	require.True(t, ok)
}

func TestMalformedPDUIsDropped(t *testing.T) {
	p, tr := newPeer()
	p.Receive([]byte{1, 2, 3})
	require.Empty(t, tr.sent)
	require.Equal(t, 0, p.CacheSize())
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	p, _ := newPeer()
	base := time.Unix(0, 0)
	p.Insert(remoteIP, remoteMAC)

	_, ok := p.TryQuery(remoteIP)
	require.True(t, ok)

	// Default TTL is 20s; once now reaches insertion+TTL the entry must
	// read as absent on its own.
	p.AdvanceClock(base.Add(20 * time.Second))
	_, ok = p.TryQuery(remoteIP)
	require.False(t, ok)
}

func TestDisabledModeAnswersImmediately(t *testing.T) {
	opts := arp.DefaultOptions()
	opts.Disabled = true
	opts.FixedLinkAddr = remoteMAC
	p := arp.New(&captureTransport{}, opts, nil)

	mac, ok := p.TryQuery(wire.IPv4{1, 2, 3, 4})
	require.True(t, ok)
	require.Equal(t, remoteMAC, mac)

	h := p.Query(wire.IPv4{5, 6, 7, 8})
	got, done, err := h.Poll()
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, remoteMAC, got)
}

func TestCancelRemovesWaiter(t *testing.T) {
	p, _ := newPeer()
	h := p.Query(remoteIP)
	require.Equal(t, 1, p.PendingWaiters())
	h.Cancel()
	require.Equal(t, 0, p.PendingWaiters())
}

func TestConcurrentQueriesShareOneWaiter(t *testing.T) {
	p, tr := newPeer()
	h1 := p.Query(remoteIP)
	h2 := p.Query(remoteIP)
	require.Equal(t, 1, p.PendingWaiters())
	require.Len(t, tr.sent, 1, "a second query must not issue a second request")

	h1.Cancel()
	require.Equal(t, 1, p.PendingWaiters(), "the waiter survives while a handle remains")
	h2.Cancel()
	require.Equal(t, 0, p.PendingWaiters())
}
