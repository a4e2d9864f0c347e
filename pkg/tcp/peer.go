// Package tcp implements the TCP protocol plane: the per-connection
// control block and state machine, a congestion-controlled sender (CUBIC
// by default, see the congestion subpackage), RFC 6298 retransmission
// timing, and a per-connection background retransmitter task.
package tcp

import (
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/arp"
	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/errkind"
	"github.com/simeonmiteff/go-netstack/pkg/filetable"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
	"github.com/sirupsen/logrus"

	netstack "github.com/simeonmiteff/go-netstack"
)

// Transport is the slice of the runtime collaborator the TCP peer needs:
// local addressing plus serialising a segment into an Ethernet frame.
type Transport interface {
	LocalLinkAddr() wire.MAC
	LocalIPv4Addr() wire.IPv4
	TransmitTCP(dstLink wire.MAC, src, dst wire.IPv4, hdr wire.TCPHeader, payload buf.Buffer) error
}

type connKey struct {
	local  wire.Endpoint
	remote wire.Endpoint
}

// listener is the LISTEN-state bookkeeping for one bound endpoint:
// half-open connections plus fully established ones awaiting accept.
type listener struct {
	local   wire.Endpoint
	backlog int
	pending map[connKey]*ControlBlock
	ready   []*ControlBlock
}

type socketState struct {
	local    *wire.Endpoint
	listener *listener
	cb       *ControlBlock
}

// Peer owns every TCP connection of the stack. It is single-threaded: the
// scheduler is its only caller.
type Peer struct {
	transport Transport
	arp       *arp.Peer
	files     *filetable.Table
	opts      Options
	log       logrus.FieldLogger

	sockets     map[int32]*socketState
	listeners   map[wire.Endpoint]*listener
	established map[connKey]*ControlBlock

	spawnBackground func(label string, poll func() bool)
	onEstablished   func(cb *ControlBlock)
	onClosed        func(cb *ControlBlock)
	report          netstack.ReportStatsFn

	now           time.Time
	isn           uint32
	nextEphemeral uint16
}

func New(transport Transport, arpPeer *arp.Peer, files *filetable.Table, opts Options, log logrus.FieldLogger) *Peer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Peer{
		transport:     transport,
		arp:           arpPeer,
		files:         files,
		opts:          opts,
		log:           log,
		sockets:       make(map[int32]*socketState),
		listeners:     make(map[wire.Endpoint]*listener),
		established:   make(map[connKey]*ControlBlock),
		nextEphemeral: 49152,
	}
}

// SetBackgroundSpawner wires the scheduler hook used to start each
// connection's retransmitter task.
func (p *Peer) SetBackgroundSpawner(fn func(label string, poll func() bool)) {
	p.spawnBackground = fn
}

// SetConnCallbacks registers hooks fired when a connection reaches
// ESTABLISHED and when it is torn down, used by the façade to maintain
// exporter registrations.
func (p *Peer) SetConnCallbacks(established, closed func(cb *ControlBlock)) {
	p.onEstablished = established
	p.onClosed = closed
}

// SetReportStatsFn registers the per-connection lifecycle stats callback.
func (p *Peer) SetReportStatsFn(fn netstack.ReportStatsFn) {
	p.report = fn
}

// AdvanceClock moves the peer's notion of now and reaps connections whose
// TIME_WAIT hold has elapsed.
func (p *Peer) AdvanceClock(now time.Time) {
	p.now = now
	for _, cb := range p.established {
		if cb.state == StateTimeWait && !now.Before(cb.timeWaitUntil) {
			cb.transitionClosed()
		}
	}
}

func (p *Peer) nextISS() uint32 {
	p.isn += 1 << 16
	return p.isn
}

func (p *Peer) ephemeralPort() uint16 {
	for {
		port := p.nextEphemeral
		p.nextEphemeral++
		if p.nextEphemeral == 0 {
			p.nextEphemeral = 49152
		}
		ep := wire.Endpoint{Addr: p.transport.LocalIPv4Addr(), Port: port}
		if _, used := p.listeners[ep]; used {
			continue
		}
		if !p.localInUse(ep) {
			return port
		}
	}
}

func (p *Peer) localInUse(ep wire.Endpoint) bool {
	for _, s := range p.sockets {
		if s.local != nil && *s.local == ep {
			return true
		}
	}
	return false
}

// Socket allocates a TCP descriptor.
func (p *Peer) Socket() (int32, error) {
	fd := p.files.Alloc(filetable.KindTCP)
	p.sockets[fd] = &socketState{}
	return fd, nil
}

func (p *Peer) socket(fd int32) (*socketState, error) {
	s, ok := p.sockets[fd]
	if !ok {
		return nil, errkind.New(errkind.BadFileDescriptor, "unknown tcp descriptor")
	}
	return s, nil
}

func (p *Peer) Bind(fd int32, ep wire.Endpoint) error {
	s, err := p.socket(fd)
	if err != nil {
		return err
	}
	if s.local != nil || s.cb != nil {
		return errkind.New(errkind.Invalid, "socket already bound")
	}
	if _, taken := p.listeners[ep]; taken || p.localInUse(ep) {
		return errkind.New(errkind.AddressInUse, ep.String())
	}
	s.local = &ep
	return nil
}

func (p *Peer) Listen(fd int32, backlog int) error {
	s, err := p.socket(fd)
	if err != nil {
		return err
	}
	if backlog <= 0 {
		return errkind.New(errkind.Invalid, "listen backlog must be positive")
	}
	if s.local == nil {
		return errkind.New(errkind.Invalid, "listen on unbound socket")
	}
	if s.listener != nil || s.cb != nil {
		return errkind.New(errkind.Invalid, "socket already listening or connected")
	}
	l := &listener{
		local:   *s.local,
		backlog: backlog,
		pending: make(map[connKey]*ControlBlock),
	}
	s.listener = l
	p.listeners[*s.local] = l
	return nil
}

// Accept returns an operation that completes when an established
// connection is ready on the listener.
func (p *Peer) Accept(fd int32) (*AcceptOp, error) {
	s, err := p.socket(fd)
	if err != nil {
		return nil, err
	}
	if s.listener == nil {
		return nil, errkind.New(errkind.Invalid, "accept on non-listening socket")
	}
	return &AcceptOp{peer: p, l: s.listener}, nil
}

// Connect starts an active open toward remote and returns the operation
// driving ARP resolution and the three-way handshake.
func (p *Peer) Connect(fd int32, remote wire.Endpoint) (*ConnectOp, error) {
	s, err := p.socket(fd)
	if err != nil {
		return nil, err
	}
	if s.listener != nil || s.cb != nil {
		return nil, errkind.New(errkind.Invalid, "socket already listening or connected")
	}
	var local wire.Endpoint
	if s.local != nil {
		local = *s.local
	} else {
		local = wire.Endpoint{Addr: p.transport.LocalIPv4Addr(), Port: p.ephemeralPort()}
	}
	if _, exists := p.established[connKey{local, remote}]; exists {
		return nil, errkind.New(errkind.AddressInUse, "connection already exists")
	}
	return &ConnectOp{
		peer:     p,
		fd:       fd,
		local:    local,
		remote:   remote,
		arpQuery: p.arp.Query(remote.Addr),
	}, nil
}

// Push enqueues data on the connection bound to fd.
func (p *Peer) Push(fd int32, data buf.Buffer) (*PushOp, error) {
	cb, err := p.connected(fd)
	if err != nil {
		return nil, err
	}
	if cb.state != StateEstablished && cb.state != StateCloseWait {
		return nil, errkind.New(errkind.ConnectionAborted, "push on closing connection")
	}
	target := cb.push(data)
	return &PushOp{cb: cb, target: target}, nil
}

// Pop returns an operation yielding the next received buffer.
func (p *Peer) Pop(fd int32) (*PopOp, error) {
	cb, err := p.connected(fd)
	if err != nil {
		return nil, err
	}
	return &PopOp{cb: cb}, nil
}

// Metrics snapshots the connection bound to fd; a zero value is returned
// for descriptors without a connection.
func (p *Peer) Metrics(fd int32) Metrics {
	cb, err := p.connected(fd)
	if err != nil {
		return Metrics{}
	}
	return cb.Metrics()
}

func (p *Peer) connected(fd int32) (*ControlBlock, error) {
	s, err := p.socket(fd)
	if err != nil {
		return nil, err
	}
	if s.cb == nil {
		return nil, errkind.New(errkind.BadFileDescriptor, "socket not connected")
	}
	return s.cb, nil
}

// Close releases the descriptor. A connected socket runs the FIN
// handshake in the background; the control block lives until the state
// machine reaches CLOSED.
func (p *Peer) Close(fd int32) error {
	s, err := p.socket(fd)
	if err != nil {
		return err
	}
	if s.listener != nil {
		delete(p.listeners, s.listener.local)
		for _, cb := range s.listener.pending {
			cb.transitionClosed()
		}
		for _, cb := range s.listener.ready {
			cb.close()
		}
	}
	if s.cb != nil {
		s.cb.close()
	}
	delete(p.sockets, fd)
	return p.files.Free(fd)
}

// Receive demultiplexes an inbound TCP segment: established connections
// by 4-tuple, then listeners by local endpoint, otherwise RST.
func (p *Peer) Receive(srcLink wire.MAC, ipHdr wire.IPv4Header, payload []byte) {
	hdr, data, err := wire.ParseTCP(payload)
	if err != nil {
		p.log.WithFields(logrus.Fields{"err": err}).Debug("tcp: dropping malformed segment")
		return
	}
	if p.opts.VerifyChecksum && !wire.VerifyTCPChecksum(payload, ipHdr.Src, ipHdr.Dst) {
		p.log.WithFields(logrus.Fields{"src": ipHdr.Src}).Debug("tcp: dropping segment with bad checksum")
		return
	}

	key := connKey{
		local:  wire.Endpoint{Addr: ipHdr.Dst, Port: hdr.DstPort},
		remote: wire.Endpoint{Addr: ipHdr.Src, Port: hdr.SrcPort},
	}
	if cb, ok := p.established[key]; ok {
		cb.receiveSegment(hdr, buf.FromBytes(data))
		return
	}

	l, ok := p.listeners[key.local]
	if ok && hdr.Flags.Has(wire.FlagSYN) && !hdr.Flags.Has(wire.FlagACK) {
		if len(l.pending)+len(l.ready) >= l.backlog {
			p.log.WithFields(logrus.Fields{"local": key.local, "remote": key.remote}).Warn("tcp: listen backlog full, refusing connection")
			p.sendRST(srcLink, ipHdr, hdr, len(data))
			return
		}
		cb := newControlBlock(p, key.local, key.remote, srcLink, StateSynReceived)
		cb.irs = hdr.SeqNo
		cb.rcvNxt = hdr.SeqNo + 1
		if hdr.Options.MSS != nil && uint32(*hdr.Options.MSS) < cb.mss {
			cb.mss = uint32(*hdr.Options.MSS)
		}
		cb.sendWindow = uint32(hdr.Window)
		p.established[key] = cb
		l.pending[key] = cb
		cb.sendSYNACK()
		return
	}

	if !hdr.Flags.Has(wire.FlagRST) {
		p.sendRST(srcLink, ipHdr, hdr, len(data))
	}
}

func (p *Peer) sendRST(dstLink wire.MAC, ipHdr wire.IPv4Header, hdr wire.TCPHeader, payloadLen int) {
	var rst wire.TCPHeader
	rst.SrcPort = hdr.DstPort
	rst.DstPort = hdr.SrcPort
	if hdr.Flags.Has(wire.FlagACK) {
		rst.SeqNo = hdr.AckNo
		rst.Flags = wire.FlagRST
	} else {
		segLen := uint32(payloadLen)
		if hdr.Flags.Has(wire.FlagSYN) {
			segLen++
		}
		if hdr.Flags.Has(wire.FlagFIN) {
			segLen++
		}
		rst.AckNo = hdr.SeqNo + segLen
		rst.Flags = wire.FlagRST | wire.FlagACK
	}
	if err := p.transport.TransmitTCP(dstLink, p.transport.LocalIPv4Addr(), ipHdr.Src, rst, buf.Buffer{}); err != nil {
		p.log.WithFields(logrus.Fields{"err": err}).Warn("tcp: failed to transmit rst")
	}
}

// connEstablished fires when a control block reaches ESTABLISHED: the
// retransmitter task is spawned and lifecycle accounting begins.
func (p *Peer) connEstablished(cb *ControlBlock) {
	cb.stats.OpenedAt = p.now.UnixNano()
	if p.spawnBackground != nil {
		p.spawnBackground("tcp-retransmitter-"+cb.id, newRetransmitter(cb).Poll)
	}
	if p.report != nil {
		p.report(cb.stats, netstack.StatsOpen)
	}
	if p.onEstablished != nil {
		p.onEstablished(cb)
	}
	p.log.WithFields(logrus.Fields{
		"conn":   cb.id,
		"local":  cb.local.String(),
		"remote": cb.remote.String(),
	}).Info("tcp: connection established")
}

// acceptReady moves a half-open connection into the listener's ready
// queue once its handshake completes.
func (p *Peer) acceptReady(cb *ControlBlock) {
	key := connKey{cb.local, cb.remote}
	l, ok := p.listeners[cb.local]
	if !ok {
		cb.close()
		return
	}
	delete(l.pending, key)
	l.ready = append(l.ready, cb)
}

func (p *Peer) connClosed(cb *ControlBlock) {
	key := connKey{cb.local, cb.remote}
	delete(p.established, key)
	if l, ok := p.listeners[cb.local]; ok {
		delete(l.pending, key)
		for i, ready := range l.ready {
			if ready == cb {
				l.ready = append(l.ready[:i], l.ready[i+1:]...)
				break
			}
		}
	}
	if cb.stats.ClosedAt == 0 {
		cb.stats.CloseAt(p.now.UnixNano())
		if p.report != nil {
			p.report(cb.stats, netstack.StatsClose)
		}
	}
	if p.onClosed != nil {
		p.onClosed(cb)
	}
}
