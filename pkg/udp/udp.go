// Package udp implements the UDP datagram peer: per-endpoint listener
// queues, a send fast-path that resolves the destination link address
// from the ARP cache, and a deferred-send background task that parks
// datagrams while resolution is outstanding.
package udp

import (
	"github.com/simeonmiteff/go-netstack/pkg/arp"
	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/errkind"
	"github.com/simeonmiteff/go-netstack/pkg/filetable"
	"github.com/simeonmiteff/go-netstack/pkg/operations"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Options configures checksum behaviour on both directions.
type Options struct {
	// TxChecksum computes the UDP checksum on transmit; when disabled the
	// checksum field is emitted as zero.
	TxChecksum bool
	// RxChecksum verifies checksums on receive; mismatches are dropped.
	RxChecksum bool
}

func DefaultOptions() Options {
	return Options{TxChecksum: true, RxChecksum: true}
}

// Transport is the slice of the runtime collaborator the UDP peer needs.
type Transport interface {
	LocalIPv4Addr() wire.IPv4
	TransmitUDP(dstLink wire.MAC, src, dst wire.Endpoint, payload buf.Buffer) error
}

type datagram struct {
	remote  wire.Endpoint
	payload buf.Buffer
}

type listener struct {
	queue []datagram
}

type socketState struct {
	local  *wire.Endpoint
	remote *wire.Endpoint
}

type deferredSend struct {
	local   wire.Endpoint
	remote  wire.Endpoint
	payload buf.Buffer
}

// Peer owns every UDP socket of the stack. Single-threaded; the scheduler
// is its only caller.
type Peer struct {
	transport Transport
	arp       *arp.Peer
	files     *filetable.Table
	opts      Options
	log       logrus.FieldLogger

	sockets   map[int32]*socketState
	listeners map[wire.Endpoint]*listener

	deferred     []deferredSend
	pendingQuery *arp.QueryHandle
}

func New(transport Transport, arpPeer *arp.Peer, files *filetable.Table, opts Options, log logrus.FieldLogger) *Peer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Peer{
		transport: transport,
		arp:       arpPeer,
		files:     files,
		opts:      opts,
		log:       log,
		sockets:   make(map[int32]*socketState),
		listeners: make(map[wire.Endpoint]*listener),
	}
}

// Socket allocates a UDP descriptor.
func (p *Peer) Socket() (int32, error) {
	fd := p.files.Alloc(filetable.KindUDP)
	p.sockets[fd] = &socketState{}
	return fd, nil
}

func (p *Peer) socket(fd int32) (*socketState, error) {
	s, ok := p.sockets[fd]
	if !ok {
		return nil, errkind.New(errkind.BadFileDescriptor, "unknown udp descriptor")
	}
	return s, nil
}

// Bind registers a listener at ep.
func (p *Peer) Bind(fd int32, ep wire.Endpoint) error {
	s, err := p.socket(fd)
	if err != nil {
		return err
	}
	if _, taken := p.listeners[ep]; taken {
		return errkind.New(errkind.AddressInUse, ep.String())
	}
	p.listeners[ep] = &listener{}
	s.local = &ep
	return nil
}

// Connect records the default remote; there is no handshake.
func (p *Peer) Connect(fd int32, ep wire.Endpoint) error {
	s, err := p.socket(fd)
	if err != nil {
		return err
	}
	s.remote = &ep
	return nil
}

// Push sends to the connected remote. Both a local binding and a remote
// are required.
func (p *Peer) Push(fd int32, payload buf.Buffer) error {
	s, err := p.socket(fd)
	if err != nil {
		return err
	}
	if s.local == nil || s.remote == nil {
		return errkind.New(errkind.BadFileDescriptor, "")
	}
	return p.send(*s.local, *s.remote, payload)
}

// PushTo sends to an explicit remote; only a local binding is required.
func (p *Peer) PushTo(fd int32, payload buf.Buffer, remote wire.Endpoint) error {
	s, err := p.socket(fd)
	if err != nil {
		return err
	}
	if s.local == nil {
		return errkind.New(errkind.BadFileDescriptor, "")
	}
	return p.send(*s.local, remote, payload)
}

// send transmits immediately when the destination link address is cached,
// otherwise parks the datagram for the deferred-send task.
func (p *Peer) send(local, remote wire.Endpoint, payload buf.Buffer) error {
	if mac, ok := p.arp.TryQuery(remote.Addr); ok {
		return p.transport.TransmitUDP(mac, local, remote, payload)
	}
	p.deferred = append(p.deferred, deferredSend{local: local, remote: remote, payload: payload})
	return nil
}

// Pop returns an operation yielding the next datagram on fd's listener.
func (p *Peer) Pop(fd int32) (*PopOp, error) {
	s, err := p.socket(fd)
	if err != nil {
		return nil, err
	}
	if s.local == nil {
		return nil, errkind.New(errkind.BadFileDescriptor, "pop on unbound socket")
	}
	l, ok := p.listeners[*s.local]
	if !ok {
		return nil, errkind.New(errkind.BadFileDescriptor, "listener missing")
	}
	return &PopOp{l: l}, nil
}

// PopOp yields (remote, payload) once the listener queue is nonempty.
// One outstanding pop per listener is supported; concurrent pops drain
// the queue in scheduler poll order.
type PopOp struct {
	l *listener
}

func (o *PopOp) Poll() (operations.Result, bool) {
	if len(o.l.queue) == 0 {
		return operations.Result{}, false
	}
	d := o.l.queue[0]
	o.l.queue = o.l.queue[1:]
	remote := d.remote
	return operations.Result{Kind: operations.Pop, Remote: &remote, Buffer: d.payload}, true
}

// Receive appends an inbound datagram to the listener addressed by the
// destination endpoint. Parse and checksum failures, and datagrams for
// endpoints nobody listens on, are logged and dropped.
func (p *Peer) Receive(ipHdr wire.IPv4Header, payload []byte) {
	hdr, data, err := wire.ParseUDP(payload)
	if err != nil {
		p.log.WithFields(logrus.Fields{"err": err}).Debug("udp: dropping malformed datagram")
		return
	}
	if p.opts.RxChecksum && !wire.VerifyUDPChecksum(hdr, data, ipHdr.Src, ipHdr.Dst) {
		p.log.WithFields(logrus.Fields{"src": ipHdr.Src}).Debug("udp: dropping datagram with bad checksum")
		return
	}
	local := wire.Endpoint{Addr: ipHdr.Dst, Port: hdr.DstPort}
	l, ok := p.listeners[local]
	if !ok {
		p.log.WithFields(logrus.Fields{"dst": local.String()}).Debug("udp: no listener, dropping datagram")
		return
	}
	l.queue = append(l.queue, datagram{
		remote:  wire.Endpoint{Addr: ipHdr.Src, Port: hdr.SrcPort},
		payload: buf.FromBytes(data),
	})
}

// Close removes the listener binding and frees the descriptor.
func (p *Peer) Close(fd int32) error {
	s, err := p.socket(fd)
	if err != nil {
		return err
	}
	if s.local != nil {
		delete(p.listeners, *s.local)
	}
	delete(p.sockets, fd)
	return p.files.Free(fd)
}

// BackgroundPoll is the deferred-send task: it resolves the head of the
// deferred queue via ARP and transmits once resolution completes.
// Datagrams whose resolution fails are dropped. The task never completes.
func (p *Peer) BackgroundPoll() bool {
	for len(p.deferred) > 0 {
		d := p.deferred[0]
		if p.pendingQuery == nil {
			p.pendingQuery = p.arp.Query(d.remote.Addr)
		}
		mac, done, err := p.pendingQuery.Poll()
		if !done {
			return false
		}
		p.pendingQuery = nil
		p.deferred = p.deferred[1:]
		if err != nil {
			p.log.WithFields(logrus.Fields{"remote": d.remote.String(), "err": err}).Warn("udp: dropping deferred datagram, resolution failed")
			continue
		}
		if err := p.transport.TransmitUDP(mac, d.local, d.remote, d.payload); err != nil {
			p.log.WithFields(logrus.Fields{"remote": d.remote.String(), "err": err}).Warn("udp: deferred transmit failed")
		}
	}
	return false
}

// QueueDepth reports queued datagrams across all listeners plus the
// deferred-send backlog, for the metrics exporter.
func (p *Peer) QueueDepth() int {
	n := len(p.deferred)
	for _, l := range p.listeners {
		n += len(l.queue)
	}
	return n
}
