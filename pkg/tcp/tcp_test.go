package tcp_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/arp"
	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/errkind"
	"github.com/simeonmiteff/go-netstack/pkg/filetable"
	"github.com/simeonmiteff/go-netstack/pkg/operations"
	"github.com/simeonmiteff/go-netstack/pkg/tcp"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
	"github.com/stretchr/testify/require"

	netstack "github.com/simeonmiteff/go-netstack"
)

var (
	localMAC  = wire.MAC{0x02, 0, 0, 0, 0, 0x01}
	remoteMAC = wire.MAC{0x02, 0, 0, 0, 0, 0x02}
	localIP   = wire.IPv4{10, 0, 0, 1}
	remoteIP  = wire.IPv4{10, 0, 0, 2}
	remoteEP  = wire.Endpoint{Addr: remoteIP, Port: 7777}
)

type capturedSegment struct {
	dstLink wire.MAC
	src     wire.IPv4
	dst     wire.IPv4
	hdr     wire.TCPHeader
	payload []byte
}

type captureTransport struct {
	segs []capturedSegment
}

func (t *captureTransport) LocalLinkAddr() wire.MAC { return localMAC }

func (t *captureTransport) LocalIPv4Addr() wire.IPv4 { return localIP }

func (t *captureTransport) TransmitTCP(dstLink wire.MAC, src, dst wire.IPv4, hdr wire.TCPHeader, payload buf.Buffer) error {
	t.segs = append(t.segs, capturedSegment{
		dstLink: dstLink,
		src:     src,
		dst:     dst,
		hdr:     hdr,
		payload: append([]byte(nil), payload.Bytes()...),
	})
	return nil
}

func (t *captureTransport) take() []capturedSegment {
	s := t.segs
	t.segs = nil
	return s
}

type arpStub struct{}

func (arpStub) LocalLinkAddr() wire.MAC { return localMAC }

func (arpStub) LocalIPv4Addr() wire.IPv4 { return localIP }

func (arpStub) TransmitARP(wire.ARPOperation, wire.IPv4, wire.MAC) error { return nil }

type env struct {
	t     *testing.T
	peer  *tcp.Peer
	tr    *captureTransport
	bg    []func() bool
	now   time.Time
	stats []int
}

func newEnv(t *testing.T) *env {
	tr := &captureTransport{}
	aopts := arp.DefaultOptions()
	aopts.Disabled = true
	aopts.FixedLinkAddr = remoteMAC
	ap := arp.New(arpStub{}, aopts, nil)

	opts := tcp.DefaultOptions()
	opts.PanicOnInvariantViolation = true
	p := tcp.New(tr, ap, filetable.New(), opts, nil)

	e := &env{t: t, peer: p, tr: tr}
	p.SetBackgroundSpawner(func(label string, poll func() bool) {
		e.bg = append(e.bg, poll)
	})
	p.SetReportStatsFn(func(cs *netstack.ConnStats, state int) {
		e.stats = append(e.stats, state)
	})
	e.advance(time.Unix(0, 0))
	return e
}

func (e *env) advance(now time.Time) {
	e.now = now
	e.peer.AdvanceClock(now)
}

// pollBG runs every background retransmitter once.
func (e *env) pollBG() {
	for _, f := range e.bg {
		f()
	}
}

// inject crafts a checksummed segment from src to dst and feeds it to the
// peer.
func (e *env) inject(src, dst wire.Endpoint, hdr wire.TCPHeader, payload []byte) {
	hdr.SrcPort = src.Port
	hdr.DstPort = dst.Port
	hdrLen := wire.HeaderLen(hdr.Options)
	b := make([]byte, hdrLen+len(payload))
	wire.WriteTCP(b, hdr)
	copy(b[hdrLen:], payload)
	wire.FinishTCPChecksum(b, hdrLen, payload, src.Addr, dst.Addr)
	e.peer.Receive(remoteMAC, wire.IPv4Header{Src: src.Addr, Dst: dst.Addr, Protocol: wire.ProtoTCP}, b)
}

// establishActive runs a full client-side handshake and returns the fd,
// the chosen local endpoint, our ISS and the remote's IRS.
func (e *env) establishActive() (int32, wire.Endpoint, uint32, uint32) {
	fd, err := e.peer.Socket()
	require.NoError(e.t, err)
	op, err := e.peer.Connect(fd, remoteEP)
	require.NoError(e.t, err)

	_, done := op.Poll()
	require.False(e.t, done)
	segs := e.tr.take()
	require.Len(e.t, segs, 1)
	syn := segs[0]
	require.True(e.t, syn.hdr.Flags.Has(wire.FlagSYN))
	require.False(e.t, syn.hdr.Flags.Has(wire.FlagACK))
	iss := syn.hdr.SeqNo
	local := wire.Endpoint{Addr: localIP, Port: syn.hdr.SrcPort}

	irs := uint32(90000)
	peerMSS := uint16(1460)
	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo:   irs,
		AckNo:   iss + 1,
		Flags:   wire.FlagSYN | wire.FlagACK,
		Window:  65535,
		Options: wire.TCPOptions{MSS: &peerMSS},
	}, nil)

	res, done := op.Poll()
	require.True(e.t, done)
	require.Equal(e.t, operations.Connect, res.Kind)

	acks := e.tr.take()
	require.Len(e.t, acks, 1)
	require.True(e.t, acks[0].hdr.Flags.Has(wire.FlagACK))
	require.Equal(e.t, iss+1, acks[0].hdr.SeqNo)
	require.Equal(e.t, irs+1, acks[0].hdr.AckNo)
	return fd, local, iss, irs
}

func TestActiveOpenHandshake(t *testing.T) {
	e := newEnv(t)
	fd, _, _, _ := e.establishActive()
	require.Len(t, e.bg, 1, "establishment must spawn the retransmitter task")
	require.Equal(t, []int{netstack.StatsOpen}, e.stats)
	require.NoError(t, e.peer.Close(fd))
}

func TestConnectRefusedByRST(t *testing.T) {
	e := newEnv(t)
	fd, err := e.peer.Socket()
	require.NoError(t, err)
	op, err := e.peer.Connect(fd, remoteEP)
	require.NoError(t, err)

	_, done := op.Poll()
	require.False(t, done)
	syn := e.tr.take()[0]
	local := wire.Endpoint{Addr: localIP, Port: syn.hdr.SrcPort}

	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo: 0,
		AckNo: syn.hdr.SeqNo + 1,
		Flags: wire.FlagRST | wire.FlagACK,
	}, nil)

	res, done := op.Poll()
	require.True(t, done)
	require.Equal(t, operations.Failed, res.Kind)
	kind, ok := errkind.Of(res.Err)
	require.True(t, ok)
	require.Equal(t, errkind.ConnectionRefused, kind)
}

func TestConnectTimesOutAfterRetries(t *testing.T) {
	e := newEnv(t)
	fd, err := e.peer.Socket()
	require.NoError(t, err)
	op, err := e.peer.Connect(fd, remoteEP)
	require.NoError(t, err)

	_, done := op.Poll()
	require.False(t, done)
	require.Len(t, e.tr.take(), 1)

	synCount := 0
	deadline := e.now
	for i := 0; i < 10; i++ {
		deadline = deadline.Add(48 * time.Second)
		e.advance(deadline)
		res, done := op.Poll()
		synCount += len(e.tr.take())
		if done {
			require.Equal(t, operations.Failed, res.Kind)
			kind, _ := errkind.Of(res.Err)
			require.Equal(t, errkind.TimedOut, kind)
			require.Equal(t, 4, synCount, "four retries before giving up")
			return
		}
	}
	t.Fatal("connect never timed out")
}

func TestPushSegmentsAndAck(t *testing.T) {
	e := newEnv(t)
	fd, local, iss, irs := e.establishActive()

	data := bytes.Repeat([]byte{0xab}, 3000)
	op, err := e.peer.Push(fd, buf.FromBytes(data))
	require.NoError(t, err)

	res, done := op.Poll()
	require.True(t, done, "initial cwnd covers 3000 bytes")
	require.Equal(t, operations.Push, res.Kind)

	segs := e.tr.take()
	require.Len(t, segs, 3, "3000 bytes split at MSS=1460")
	require.Equal(t, iss+1, segs[0].hdr.SeqNo)
	require.Equal(t, iss+1+1460, segs[1].hdr.SeqNo)
	require.Equal(t, iss+1+2920, segs[2].hdr.SeqNo)
	require.Equal(t, 1460, len(segs[0].payload))
	require.Equal(t, 80, len(segs[2].payload))

	// Cumulative ACK drains the unacked queue.
	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo:  irs + 1,
		AckNo:  iss + 1 + 3000,
		Flags:  wire.FlagACK,
		Window: 65535,
	}, nil)
	m := e.peer.Metrics(fd)
	require.Equal(t, uint32(0), m.BytesInFlight)

	// With nothing in flight the retransmitter must stay quiet forever.
	e.advance(e.now.Add(time.Hour))
	e.pollBG()
	e.pollBG()
	require.Empty(t, e.tr.take())
}

func TestPartialAckSplitsSegment(t *testing.T) {
	e := newEnv(t)
	fd, local, iss, irs := e.establishActive()

	data := bytes.Repeat([]byte{0xcd}, 1000)
	_, err := e.peer.Push(fd, buf.FromBytes(data))
	require.NoError(t, err)
	e.tr.take()

	// ACK the first 400 bytes only.
	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo:  irs + 1,
		AckNo:  iss + 1 + 400,
		Flags:  wire.FlagACK,
		Window: 65535,
	}, nil)
	require.Equal(t, uint32(600), e.peer.Metrics(fd).BytesInFlight)

	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo:  irs + 1,
		AckNo:  iss + 1 + 1000,
		Flags:  wire.FlagACK,
		Window: 65535,
	}, nil)
	require.Equal(t, uint32(0), e.peer.Metrics(fd).BytesInFlight)
}

func TestRetransmitTimeout(t *testing.T) {
	e := newEnv(t)
	fd, _, iss, _ := e.establishActive()

	data := bytes.Repeat([]byte{0xee}, 500)
	_, err := e.peer.Push(fd, buf.FromBytes(data))
	require.NoError(t, err)
	require.Len(t, e.tr.take(), 1)

	// First poll observes the armed deadline; the timer has not fired.
	e.pollBG()
	require.Empty(t, e.tr.take())

	// Past the initial RTO the head of the unacked queue is resent at
	// base_seq_no.
	e.advance(e.now.Add(1100 * time.Millisecond))
	e.pollBG()
	segs := e.tr.take()
	require.Len(t, segs, 1)
	require.Equal(t, iss+1, segs[0].hdr.SeqNo)
	require.Equal(t, data, segs[0].payload)

	m := e.peer.Metrics(fd)
	require.Equal(t, uint64(1), m.Retransmits)
	require.Equal(t, uint32(1460), m.Cwnd, "RTO collapses cwnd to one MSS")
	require.GreaterOrEqual(t, m.RTO, 2*time.Second, "RTO backs off after a failure")
}

func TestFastRetransmitAfterThreeDupAcks(t *testing.T) {
	e := newEnv(t)
	fd, local, iss, irs := e.establishActive()

	data := bytes.Repeat([]byte{0x11}, 4*1460)
	_, err := e.peer.Push(fd, buf.FromBytes(data))
	require.NoError(t, err)
	// The 3·MSS initial window admits three of the four segments.
	require.Len(t, e.tr.take(), 3)

	dup := wire.TCPHeader{
		SeqNo:  irs + 1,
		AckNo:  iss + 1,
		Flags:  wire.FlagACK,
		Window: 65535,
	}
	for i := 0; i < 3; i++ {
		e.inject(remoteEP, local, dup, nil)
	}
	require.Equal(t, uint32(3), e.peer.Metrics(fd).DuplicateAcks)

	// First background poll restarts on the deadline change from the
	// push; the second consumes the fast-retransmit flag.
	e.pollBG()
	e.pollBG()
	segs := e.tr.take()
	require.Len(t, segs, 1)
	require.Equal(t, iss+1, segs[0].hdr.SeqNo)
	require.Equal(t, data[:1460], segs[0].payload)
	require.Equal(t, uint64(1), e.peer.Metrics(fd).Retransmits)

	// The one-shot flag was cleared without notify: polling again must
	// not retransmit a second time.
	e.pollBG()
	require.Empty(t, e.tr.take())
}

func TestFastRetransmitRearmsDeadline(t *testing.T) {
	e := newEnv(t)
	fd, local, iss, irs := e.establishActive()

	data := bytes.Repeat([]byte{0x22}, 4*1460)
	_, err := e.peer.Push(fd, buf.FromBytes(data))
	require.NoError(t, err)
	require.Len(t, e.tr.take(), 3)

	// Fast-retransmit at t=900ms, shortly before the 1s deadline armed by
	// the original transmission.
	e.advance(e.now.Add(900 * time.Millisecond))
	dup := wire.TCPHeader{
		SeqNo:  irs + 1,
		AckNo:  iss + 1,
		Flags:  wire.FlagACK,
		Window: 65535,
	}
	for i := 0; i < 3; i++ {
		e.inject(remoteEP, local, dup, nil)
	}
	e.pollBG()
	e.pollBG()
	require.Len(t, e.tr.take(), 1)
	require.Equal(t, uint64(1), e.peer.Metrics(fd).Retransmits)

	// Past the original deadline but before the re-armed one: the stale
	// deadline must not fire a spurious timeout on the heels of the fast
	// retransmit.
	e.advance(e.now.Add(200 * time.Millisecond))
	e.pollBG()
	e.pollBG()
	require.Empty(t, e.tr.take())
	require.Equal(t, uint64(1), e.peer.Metrics(fd).Retransmits)
	preRTOCwnd := e.peer.Metrics(fd).Cwnd

	// A genuine RTO at the re-armed deadline still halves ssthresh; the
	// fast retransmit must not have suppressed that branch.
	e.advance(e.now.Add(900 * time.Millisecond))
	e.pollBG()
	segs := e.tr.take()
	require.Len(t, segs, 1)
	require.Equal(t, iss+1, segs[0].hdr.SeqNo)

	m := e.peer.Metrics(fd)
	require.Equal(t, uint64(2), m.Retransmits)
	require.Equal(t, uint32(1460), m.Cwnd)
	want := uint32(float64(preRTOCwnd) * 0.7)
	if want < 2*1460 {
		want = 2 * 1460
	}
	require.Equal(t, want, m.Ssthresh)
}

func TestPassiveOpenAcceptAndData(t *testing.T) {
	e := newEnv(t)
	fd, err := e.peer.Socket()
	require.NoError(t, err)
	local := wire.Endpoint{Addr: localIP, Port: 80}
	require.NoError(t, e.peer.Bind(fd, local))
	require.NoError(t, e.peer.Listen(fd, 8))
	acceptOp, err := e.peer.Accept(fd)
	require.NoError(t, err)

	_, done := acceptOp.Poll()
	require.False(t, done)

	peerMSS := uint16(1460)
	irs := uint32(42000)
	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo:   irs,
		Flags:   wire.FlagSYN,
		Window:  65535,
		Options: wire.TCPOptions{MSS: &peerMSS},
	}, nil)

	segs := e.tr.take()
	require.Len(t, segs, 1)
	synack := segs[0].hdr
	require.True(t, synack.Flags.Has(wire.FlagSYN))
	require.True(t, synack.Flags.Has(wire.FlagACK))
	require.Equal(t, irs+1, synack.AckNo)

	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo:  irs + 1,
		AckNo:  synack.SeqNo + 1,
		Flags:  wire.FlagACK,
		Window: 65535,
	}, nil)

	res, done := acceptOp.Poll()
	require.True(t, done)
	require.Equal(t, operations.Accept, res.Kind)
	connFD := res.AcceptedFD
	require.Greater(t, connFD, int32(0))

	payload := bytes.Repeat([]byte{0x5a}, 32)
	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo:  irs + 1,
		AckNo:  synack.SeqNo + 1,
		Flags:  wire.FlagACK | wire.FlagPSH,
		Window: 65535,
	}, payload)

	acks := e.tr.take()
	require.Len(t, acks, 1)
	require.Equal(t, irs+1+32, acks[0].hdr.AckNo)

	popOp, err := e.peer.Pop(connFD)
	require.NoError(t, err)
	popRes, done := popOp.Poll()
	require.True(t, done)
	require.Equal(t, operations.Pop, popRes.Kind)
	require.Equal(t, payload, popRes.Buffer.Bytes())
}

func TestOutOfOrderReassembly(t *testing.T) {
	e := newEnv(t)
	fd, err := e.peer.Socket()
	require.NoError(t, err)
	local := wire.Endpoint{Addr: localIP, Port: 80}
	require.NoError(t, e.peer.Bind(fd, local))
	require.NoError(t, e.peer.Listen(fd, 8))
	acceptOp, err := e.peer.Accept(fd)
	require.NoError(t, err)

	irs := uint32(1000)
	e.inject(remoteEP, local, wire.TCPHeader{SeqNo: irs, Flags: wire.FlagSYN, Window: 65535}, nil)
	synack := e.tr.take()[0].hdr
	e.inject(remoteEP, local, wire.TCPHeader{SeqNo: irs + 1, AckNo: synack.SeqNo + 1, Flags: wire.FlagACK, Window: 65535}, nil)
	res, done := acceptOp.Poll()
	require.True(t, done)
	connFD := res.AcceptedFD

	first := []byte("hello ")
	second := []byte("world")

	// Deliver the second segment first: it parks, and the receiver emits
	// a duplicate ACK for the hole.
	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo: irs + 1 + uint32(len(first)), AckNo: synack.SeqNo + 1, Flags: wire.FlagACK, Window: 65535,
	}, second)
	acks := e.tr.take()
	require.Len(t, acks, 1)
	require.Equal(t, irs+1, acks[0].hdr.AckNo)

	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo: irs + 1, AckNo: synack.SeqNo + 1, Flags: wire.FlagACK, Window: 65535,
	}, first)
	acks = e.tr.take()
	require.Len(t, acks, 1)
	require.Equal(t, irs+1+uint32(len(first)+len(second)), acks[0].hdr.AckNo)

	popOp, err := e.peer.Pop(connFD)
	require.NoError(t, err)
	var got []byte
	for {
		popRes, done := popOp.Poll()
		require.True(t, done)
		got = append(got, popRes.Buffer.Bytes()...)
		if len(got) == len(first)+len(second) {
			break
		}
		popOp, err = e.peer.Pop(connFD)
		require.NoError(t, err)
	}
	require.Equal(t, "hello world", string(got))
}

func TestListenBacklogOverflowSendsRST(t *testing.T) {
	e := newEnv(t)
	fd, err := e.peer.Socket()
	require.NoError(t, err)
	local := wire.Endpoint{Addr: localIP, Port: 80}
	require.NoError(t, e.peer.Bind(fd, local))
	require.NoError(t, e.peer.Listen(fd, 1))

	e.inject(wire.Endpoint{Addr: remoteIP, Port: 5001}, local, wire.TCPHeader{SeqNo: 100, Flags: wire.FlagSYN, Window: 65535}, nil)
	segs := e.tr.take()
	require.Len(t, segs, 1)
	require.True(t, segs[0].hdr.Flags.Has(wire.FlagSYN))

	e.inject(wire.Endpoint{Addr: remoteIP, Port: 5002}, local, wire.TCPHeader{SeqNo: 200, Flags: wire.FlagSYN, Window: 65535}, nil)
	segs = e.tr.take()
	require.Len(t, segs, 1)
	require.True(t, segs[0].hdr.Flags.Has(wire.FlagRST))
}

func TestCloseHandshakeToTimeWait(t *testing.T) {
	e := newEnv(t)
	fd, local, iss, irs := e.establishActive()

	require.NoError(t, e.peer.Close(fd))
	segs := e.tr.take()
	require.Len(t, segs, 1)
	fin := segs[0].hdr
	require.True(t, fin.Flags.Has(wire.FlagFIN))
	require.Equal(t, iss+1, fin.SeqNo)

	// Remote acks our FIN, then sends its own.
	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo: irs + 1, AckNo: iss + 2, Flags: wire.FlagACK, Window: 65535,
	}, nil)
	e.inject(remoteEP, local, wire.TCPHeader{
		SeqNo: irs + 1, AckNo: iss + 2, Flags: wire.FlagFIN | wire.FlagACK, Window: 65535,
	}, nil)
	acks := e.tr.take()
	require.Len(t, acks, 1)
	require.Equal(t, irs+2, acks[0].hdr.AckNo, "the FIN consumes one sequence number")

	// 2*MSL later the control block is reaped and close is reported.
	require.Equal(t, []int{netstack.StatsOpen}, e.stats)
	e.advance(e.now.Add(2*30*time.Second + time.Second))
	require.Equal(t, []int{netstack.StatsOpen, netstack.StatsClose}, e.stats)
}

func TestBindErrors(t *testing.T) {
	e := newEnv(t)
	fd1, err := e.peer.Socket()
	require.NoError(t, err)
	fd2, err := e.peer.Socket()
	require.NoError(t, err)
	local := wire.Endpoint{Addr: localIP, Port: 80}
	require.NoError(t, e.peer.Bind(fd1, local))
	require.NoError(t, e.peer.Listen(fd1, 8))

	err = e.peer.Bind(fd2, local)
	kind, ok := errkind.Of(err)
	require.True(t, ok)
	require.Equal(t, errkind.AddressInUse, kind)

	err = e.peer.Listen(fd2, 0)
	kind, _ = errkind.Of(err)
	require.Equal(t, errkind.Invalid, kind)
}
