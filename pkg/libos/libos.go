// Package libos is the façade of the stack: it translates POSIX-style
// socket calls into scheduler tasks addressed by opaque queue tokens,
// and drives the NIC intake loop that feeds the ARP, UDP and TCP peers.
package libos

import (
	"github.com/rs/xid"
	"github.com/simeonmiteff/go-netstack/pkg/arp"
	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/errkind"
	"github.com/simeonmiteff/go-netstack/pkg/exporter"
	"github.com/simeonmiteff/go-netstack/pkg/filetable"
	"github.com/simeonmiteff/go-netstack/pkg/operations"
	"github.com/simeonmiteff/go-netstack/pkg/runtime"
	"github.com/simeonmiteff/go-netstack/pkg/scheduler"
	"github.com/simeonmiteff/go-netstack/pkg/tcp"
	"github.com/simeonmiteff/go-netstack/pkg/udp"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
	"github.com/sirupsen/logrus"

	netstack "github.com/simeonmiteff/go-netstack"
)

// Socket call constants, matching the POSIX values the façade accepts.
const (
	AF_INET     = 2
	SOCK_STREAM = 1
	SOCK_DGRAM  = 2
)

const (
	// maxRecvIters bounds how many NIC batches one background sweep
	// ingests before returning control.
	maxRecvIters = 2
	// timerResolution is how many background sweeps pass between clock
	// propagations to the protocol peers.
	timerResolution = 64
)

// QToken is the opaque handle to a spawned operation's result.
type QToken uint64

// Opcode tags what a redeemed QResult carries.
type Opcode int

const (
	OpConnect Opcode = iota
	OpAccept
	OpPush
	OpPop
	OpFailed
)

// QResult is the packed record redeemed for a queue token.
type QResult struct {
	Opcode     Opcode
	FD         int32
	QT         QToken
	AcceptedFD int32
	Remote     *wire.Endpoint
	Sga        *Sga
	Err        error
}

// Option customises a LibOS instance.
type Option func(*LibOS)

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *LibOS) { l.log = log }
}

// WithCollector registers a Prometheus collector that tracks every live
// connection plus ARP/UDP gauges.
func WithCollector(c *exporter.StackCollector) Option {
	return func(l *LibOS) { l.collector = c }
}

// WithReportStatsFn registers the per-connection lifecycle callback.
func WithReportStatsFn(fn netstack.ReportStatsFn) Option {
	return func(l *LibOS) { l.report = fn }
}

// LibOS is one stack instance, bound to the thread that drives it.
type LibOS struct {
	rt        runtime.Runtime
	log       logrus.FieldLogger
	sched     *scheduler.Scheduler
	files     *filetable.Table
	transport *nicTransport

	arp *arp.Peer
	udp *udp.Peer
	tcp *tcp.Peer

	collector *exporter.StackCollector
	report    netstack.ReportStatsFn

	tick uint64
}

func New(rt runtime.Runtime, opts ...Option) *LibOS {
	l := &LibOS{
		rt:    rt,
		log:   logrus.StandardLogger(),
		sched: scheduler.New(),
		files: filetable.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.transport = &nicTransport{rt: rt}
	l.arp = arp.New(l.transport, rt.ARPOptions(), l.log)
	l.udp = udp.New(l.transport, l.arp, l.files, rt.UDPOptions(), l.log)
	l.tcp = tcp.New(l.transport, l.arp, l.files, rt.TCPOptions(), l.log)
	l.tcp.SetBackgroundSpawner(l.spawnBackground)
	l.tcp.SetConnCallbacks(l.connEstablished, l.connClosed)
	if l.report != nil {
		l.tcp.SetReportStatsFn(l.report)
	}

	// The local address resolves to itself so loopback traffic never
	// waits on ARP.
	l.arp.InsertStatic(rt.LocalIPv4Addr(), rt.LocalLinkAddr())

	l.spawnBackground("udp-deferred-send", l.udp.BackgroundPoll)

	if l.collector != nil {
		l.collector.SetARPSources(l.arp.CacheSize, l.arp.PendingWaiters)
		l.collector.SetUDPSource(l.udp.QueueDepth)
	}
	return l
}

func (l *LibOS) spawnBackground(label string, poll func() bool) {
	l.sched.Insert(operations.NewBackground(label, poll))
}

func (l *LibOS) connEstablished(cb *tcp.ControlBlock) {
	if l.collector == nil {
		return
	}
	l.collector.Add(cb.ID(), []string{cb.ID(), cb.Local().String(), cb.Remote().String()}, func() (*exporter.ConnMetrics, error) {
		m := cb.Metrics()
		return &exporter.ConnMetrics{
			State:         m.State,
			Cwnd:          m.Cwnd,
			Ssthresh:      m.Ssthresh,
			BytesInFlight: m.BytesInFlight,
			RTOSeconds:    m.RTO.Seconds(),
			SRTTSeconds:   m.SRTT.Seconds(),
			DuplicateAcks: m.DuplicateAcks,
			Retransmits:   m.Retransmits,
			TxBytes:       m.TxBytes,
			RxBytes:       m.RxBytes,
		}, nil
	})
}

func (l *LibOS) connClosed(cb *tcp.ControlBlock) {
	if l.collector != nil {
		l.collector.Remove(cb.ID())
	}
}

// Socket allocates a descriptor. Only AF_INET is supported; SOCK_STREAM
// maps to TCP and SOCK_DGRAM to UDP.
func (l *LibOS) Socket(domain, sockType, protocol int) (int32, error) {
	if domain != AF_INET {
		return 0, errkind.New(errkind.AddressFamilySupport, "only AF_INET is supported")
	}
	switch sockType {
	case SOCK_STREAM:
		return l.tcp.Socket()
	case SOCK_DGRAM:
		return l.udp.Socket()
	default:
		return 0, errkind.New(errkind.SocketTypeSupport, "only SOCK_STREAM and SOCK_DGRAM are supported")
	}
}

func (l *LibOS) kind(fd int32) (filetable.Kind, error) {
	kind, ok := l.files.Get(fd)
	if !ok {
		return 0, errkind.New(errkind.BadFileDescriptor, "unknown descriptor")
	}
	return kind, nil
}

func (l *LibOS) Bind(fd int32, ep wire.Endpoint) error {
	kind, err := l.kind(fd)
	if err != nil {
		return err
	}
	if kind == filetable.KindTCP {
		return l.tcp.Bind(fd, ep)
	}
	return l.udp.Bind(fd, ep)
}

func (l *LibOS) Listen(fd int32, backlog int) error {
	kind, err := l.kind(fd)
	if err != nil {
		return err
	}
	if backlog == 0 {
		return errkind.New(errkind.Invalid, "zero backlog")
	}
	if kind != filetable.KindTCP {
		return errkind.New(errkind.Unsupported, "listen on datagram socket")
	}
	return l.tcp.Listen(fd, backlog)
}

// Accept spawns an accept operation and returns its token.
func (l *LibOS) Accept(fd int32) (QToken, error) {
	kind, err := l.kind(fd)
	if err != nil {
		return 0, err
	}
	if kind != filetable.KindTCP {
		return 0, errkind.New(errkind.Unsupported, "accept on datagram socket")
	}
	op, err := l.tcp.Accept(fd)
	if err != nil {
		return 0, err
	}
	return l.spawn(operations.New(fd, xid.New().String(), op.Poll, nil))
}

// Connect spawns a connect operation. UDP connect completes immediately;
// TCP runs ARP resolution plus the handshake.
func (l *LibOS) Connect(fd int32, ep wire.Endpoint) (QToken, error) {
	kind, err := l.kind(fd)
	if err != nil {
		return 0, err
	}
	if kind == filetable.KindUDP {
		if err := l.udp.Connect(fd, ep); err != nil {
			return 0, err
		}
		return l.spawn(operations.NewCompleted(fd, xid.New().String(), operations.Result{Kind: operations.Connect}))
	}
	op, err := l.tcp.Connect(fd, ep)
	if err != nil {
		return 0, err
	}
	return l.spawn(operations.New(fd, xid.New().String(), op.Poll, op.Cancel))
}

// Push sends an sga on a connected socket.
func (l *LibOS) Push(fd int32, sga *Sga) (QToken, error) {
	return l.Push2(fd, sga.Flatten())
}

// Push2 sends a single buffer on a connected socket.
func (l *LibOS) Push2(fd int32, data buf.Buffer) (QToken, error) {
	kind, err := l.kind(fd)
	if err != nil {
		return 0, err
	}
	if kind == filetable.KindUDP {
		if err := l.udp.Push(fd, data); err != nil {
			return 0, err
		}
		return l.spawn(operations.NewCompleted(fd, xid.New().String(), operations.Result{Kind: operations.Push}))
	}
	op, err := l.tcp.Push(fd, data)
	if err != nil {
		return 0, err
	}
	return l.spawn(operations.New(fd, xid.New().String(), op.Poll, nil))
}

// PushTo sends an sga to an explicit remote; UDP only.
func (l *LibOS) PushTo(fd int32, sga *Sga, ep wire.Endpoint) (QToken, error) {
	kind, err := l.kind(fd)
	if err != nil {
		return 0, err
	}
	if kind != filetable.KindUDP {
		return 0, errkind.New(errkind.Unsupported, "pushto on stream socket")
	}
	if err := l.udp.PushTo(fd, sga.Flatten(), ep); err != nil {
		return 0, err
	}
	return l.spawn(operations.NewCompleted(fd, xid.New().String(), operations.Result{Kind: operations.Push}))
}

// Pop spawns a receive operation and returns its token.
func (l *LibOS) Pop(fd int32) (QToken, error) {
	kind, err := l.kind(fd)
	if err != nil {
		return 0, err
	}
	if kind == filetable.KindUDP {
		op, err := l.udp.Pop(fd)
		if err != nil {
			return 0, err
		}
		return l.spawn(operations.New(fd, xid.New().String(), op.Poll, nil))
	}
	op, err := l.tcp.Pop(fd)
	if err != nil {
		return 0, err
	}
	return l.spawn(operations.New(fd, xid.New().String(), op.Poll, nil))
}

func (l *LibOS) Close(fd int32) error {
	kind, err := l.kind(fd)
	if err != nil {
		return err
	}
	if kind == filetable.KindTCP {
		return l.tcp.Close(fd)
	}
	return l.udp.Close(fd)
}

func (l *LibOS) spawn(op *operations.Operation) (QToken, error) {
	h := l.sched.Insert(op)
	token, ok := l.sched.IntoRaw(h)
	if !ok {
		return 0, errkind.New(errkind.IoError, "scheduler rejected task")
	}
	return QToken(token), nil
}

// PollBgWork runs one cooperative sweep: poll every ready task, ingest
// up to maxRecvIters batches of NIC frames, and periodically propagate
// the runtime clock to the protocol peers.
func (l *LibOS) PollBgWork() {
	l.sched.Poll()
	for i := 0; i < maxRecvIters; i++ {
		frames := l.rt.Receive()
		if len(frames) == 0 {
			break
		}
		for _, frame := range frames {
			l.demux(frame)
		}
	}
	l.tick++
	if l.tick%timerResolution == 0 {
		l.advanceClock()
	}
}

func (l *LibOS) advanceClock() {
	now := l.rt.Now()
	l.arp.AdvanceClock(now)
	l.tcp.AdvanceClock(now)
}

// demux routes one Ethernet frame to the protocol peers. Parse failures
// are logged and dropped; frames not addressed to this node are ignored.
func (l *LibOS) demux(frame buf.Buffer) {
	eth, payload, err := wire.ParseEthernet(frame.Bytes())
	if err != nil {
		l.log.WithFields(logrus.Fields{"err": err}).Debug("libos: dropping malformed frame")
		return
	}
	if eth.Dst != l.rt.LocalLinkAddr() && eth.Dst != wire.BroadcastMAC {
		return
	}
	switch eth.Type {
	case wire.EtherTypeARP:
		l.arp.Receive(payload)
	case wire.EtherTypeIPv4:
		ipHdr, body, err := wire.ParseIPv4(payload)
		if err != nil {
			l.log.WithFields(logrus.Fields{"err": err}).Debug("libos: dropping malformed ipv4 packet")
			return
		}
		if ipHdr.Dst != l.rt.LocalIPv4Addr() {
			return
		}
		switch ipHdr.Protocol {
		case wire.ProtoUDP:
			l.udp.Receive(ipHdr, body)
		case wire.ProtoTCP:
			l.tcp.Receive(eth.Src, ipHdr, body)
		case wire.ProtoICMP:
			l.handleICMP(eth.Src, ipHdr, body)
		default:
			l.log.WithFields(logrus.Fields{"proto": ipHdr.Protocol}).Debug("libos: dropping packet with unsupported protocol")
		}
	default:
		l.log.WithFields(logrus.Fields{"ethertype": eth.Type}).Debug("libos: dropping frame with unsupported ethertype")
	}
}

func (l *LibOS) handleICMP(srcLink wire.MAC, ipHdr wire.IPv4Header, body []byte) {
	msg, err := wire.ParseICMPEcho(body)
	if err != nil {
		l.log.WithFields(logrus.Fields{"err": err}).Debug("libos: dropping icmp message")
		return
	}
	if msg.Type != wire.ICMPEchoRequest {
		return
	}
	reply := wire.ICMPEcho{
		Type:       wire.ICMPEchoReply,
		Identifier: msg.Identifier,
		Sequence:   msg.Sequence,
		Payload:    msg.Payload,
	}
	if err := l.transport.TransmitICMPEcho(srcLink, ipHdr.Src, reply); err != nil {
		l.log.WithFields(logrus.Fields{"err": err}).Warn("libos: failed to transmit echo reply")
	}
}

// Poll runs one background sweep and probes qt without blocking. The
// second return is false while the operation is still in flight.
func (l *LibOS) Poll(qt QToken) (QResult, bool, error) {
	h, ok := l.sched.FromRawHandle(uint64(qt))
	if !ok {
		return QResult{}, false, errkind.New(errkind.Invalid, "unknown queue token")
	}
	l.PollBgWork()
	if !l.sched.HasCompleted(h) {
		return QResult{}, false, nil
	}
	return l.redeem(h, qt), true, nil
}

// Wait blocks (cooperatively) until qt completes, then redeems it.
func (l *LibOS) Wait(qt QToken) (QResult, error) {
	h, ok := l.sched.FromRawHandle(uint64(qt))
	if !ok {
		return QResult{}, errkind.New(errkind.Invalid, "unknown queue token")
	}
	for !l.sched.HasCompleted(h) {
		l.PollBgWork()
	}
	return l.redeem(h, qt), nil
}

// WaitAny blocks until one of qts completes and redeems it, returning
// its index. When several complete in the same sweep the lowest index
// wins.
func (l *LibOS) WaitAny(qts []QToken) (int, QResult, error) {
	handles := make([]scheduler.Handle, len(qts))
	for i, qt := range qts {
		h, ok := l.sched.FromRawHandle(uint64(qt))
		if !ok {
			return 0, QResult{}, errkind.Newf(errkind.Invalid, "unknown queue token at index %d", i)
		}
		handles[i] = h
	}
	for {
		for i, h := range handles {
			if l.sched.HasCompleted(h) {
				return i, l.redeem(h, qts[i]), nil
			}
		}
		l.PollBgWork()
	}
}

// DropQToken cancels the token's task; any external state the operation
// registered (ARP waiters, handshake halves) is torn down.
func (l *LibOS) DropQToken(qt QToken) error {
	h, ok := l.sched.FromRawHandle(uint64(qt))
	if !ok {
		return errkind.New(errkind.Invalid, "unknown queue token")
	}
	l.sched.Drop(h)
	return nil
}

func (l *LibOS) redeem(h scheduler.Handle, qt QToken) QResult {
	f, _ := l.sched.Take(h)
	op := f.(*operations.Operation)
	fd, res := op.ExpectResult()
	qr := QResult{FD: fd, QT: qt}
	switch res.Kind {
	case operations.Connect:
		qr.Opcode = OpConnect
	case operations.Accept:
		qr.Opcode = OpAccept
		qr.AcceptedFD = res.AcceptedFD
	case operations.Push:
		qr.Opcode = OpPush
	case operations.Pop:
		qr.Opcode = OpPop
		qr.Remote = res.Remote
		qr.Sga = NewSga(res.Buffer)
	case operations.Failed:
		qr.Opcode = OpFailed
		qr.Err = res.Err
	}
	return qr
}
