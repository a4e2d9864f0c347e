// Package arp implements the ARP resolver: a TTL cache of
// IPv4->link address plus a single pending waiter per outstanding query,
// retried on a fixed backoff schedule.
package arp

import (
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/errkind"
	"github.com/simeonmiteff/go-netstack/pkg/ttlcache"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Transport is the narrow slice of the Runtime collaborator the
// ARP peer needs: building and sending an Ethernet+ARP frame.
type Transport interface {
	LocalLinkAddr() wire.MAC
	LocalIPv4Addr() wire.IPv4
	TransmitARP(op wire.ARPOperation, targetIP wire.IPv4, targetHW wire.MAC) error
}

// Options configures retry behaviour and the "disabled" fixed-answer mode
// used in environments where L2 is pre-wired.
type Options struct {
	// RetryBackoff is the fixed schedule of retransmit delays; len(RetryBackoff)
	// is the number of requests sent, the first one included, before
	// ResolutionFailed.
	RetryBackoff []time.Duration
	// TTL is how long a resolved entry stays live in the cache.
	TTL time.Duration
	// Disabled, if set, makes every query resolve immediately to FixedLinkAddr.
	Disabled       bool
	FixedLinkAddr  wire.MAC
}

func DefaultOptions() Options {
	return Options{
		RetryBackoff: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		TTL:          20 * time.Second,
	}
}

// waiter is the single pending request per target IP. A second Query for the same IP
// while one is outstanding is folded into the first; it is not a second
// independent timer.
type waiter struct {
	targetIP     wire.IPv4
	deadline     time.Time
	attempt      int
	resolved     bool
	result       wire.MAC
	failed       bool
	refcount     int
}

// Peer is the ARP component. It is not safe for concurrent use; the
// single-threaded scheduler is its only caller.
type Peer struct {
	transport Transport
	opts      Options
	cache     *ttlcache.Cache[wire.IPv4, wire.MAC]
	waiters   map[wire.IPv4]*waiter
	now       time.Time
	log       logrus.FieldLogger
	inBackgroundTask bool
}

func New(transport Transport, opts Options, log logrus.FieldLogger) *Peer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Peer{
		transport: transport,
		opts:      opts,
		cache:     ttlcache.New[wire.IPv4, wire.MAC](),
		waiters:   make(map[wire.IPv4]*waiter),
		log:       log,
	}
}

// AdvanceClock moves the peer's notion of now and evicts stale cache
// entries, mirroring the TTL cache's own clock discipline.
func (p *Peer) AdvanceClock(now time.Time) {
	p.now = now
	p.cache.AdvanceClock(now)
}

// Insert explicitly caches ip->mac, e.g. from an ARP REQUEST's sender
// fields observed opportunistically, or from test setup.
func (p *Peer) Insert(ip wire.IPv4, mac wire.MAC) {
	ttl := p.opts.TTL
	p.cache.Insert(ip, mac, &ttl)
}

// InsertStatic caches ip->mac without an expiry. Used for the local
// address so loopback traffic never waits on resolution.
func (p *Peer) InsertStatic(ip wire.IPv4, mac wire.MAC) {
	p.cache.Insert(ip, mac, nil)
}

// Clear empties the resolution cache.
func (p *Peer) Clear() {
	p.cache.Clear()
}

// TryQuery is the non-blocking cache probe.
func (p *Peer) TryQuery(ip wire.IPv4) (wire.MAC, bool) {
	if p.opts.Disabled {
		return p.opts.FixedLinkAddr, true
	}
	return p.cache.Get(ip)
}

// QueryHandle is the future-like handle returned by Query; the scheduler
// polls it every sweep via Poll.
type QueryHandle struct {
	peer *Peer
	ip   wire.IPv4
}

// Query resolves ip to a link address, installing a waiter and emitting
// the first ARP REQUEST if the cache misses. Poll the returned handle each
// scheduler sweep until it reports done.
func (p *Peer) Query(ip wire.IPv4) *QueryHandle {
	if _, ok := p.TryQuery(ip); ok {
		return &QueryHandle{peer: p, ip: ip}
	}

	if w, ok := p.waiters[ip]; ok {
		w.refcount++
		return &QueryHandle{peer: p, ip: ip}
	}

	w := &waiter{targetIP: ip, refcount: 1}
	p.waiters[ip] = w
	p.armRetry(w)
	return &QueryHandle{peer: p, ip: ip}
}

func (p *Peer) armRetry(w *waiter) {
	if w.attempt >= len(p.opts.RetryBackoff) {
		w.failed = true
		return
	}
	if err := p.transport.TransmitARP(wire.ARPRequest, w.targetIP, wire.MAC{}); err != nil {
		p.log.WithFields(logrus.Fields{"ip": w.targetIP, "err": err}).Warn("arp: failed to transmit request")
	}
	w.deadline = p.now.Add(p.opts.RetryBackoff[w.attempt])
	w.attempt++
}

// Poll checks whether ip has resolved, retrying on the backoff schedule if
// not. It returns (mac, true, nil) once resolved, (zero, true, err) on
// ResolutionFailed, or (zero, false, nil) while still pending.
func (h *QueryHandle) Poll() (wire.MAC, bool, error) {
	if h.peer.opts.Disabled {
		return h.peer.opts.FixedLinkAddr, true, nil
	}
	if mac, ok := h.peer.cache.Get(h.ip); ok {
		delete(h.peer.waiters, h.ip)
		return mac, true, nil
	}

	w, ok := h.peer.waiters[h.ip]
	if !ok {
		return wire.MAC{}, true, errkind.New(errkind.ResolutionFailed, h.ip.String())
	}
	if w.resolved {
		delete(h.peer.waiters, h.ip)
		return w.result, true, nil
	}
	if w.failed {
		delete(h.peer.waiters, h.ip)
		return wire.MAC{}, true, errkind.New(errkind.ResolutionFailed, h.ip.String())
	}
	if !h.peer.now.Before(w.deadline) {
		h.peer.armRetry(w)
		if w.failed {
			delete(h.peer.waiters, h.ip)
			return wire.MAC{}, true, errkind.New(errkind.ResolutionFailed, h.ip.String())
		}
	}
	return wire.MAC{}, false, nil
}

// Cancel removes this handle's interest in the waiter. If it was the last
// interested handle, the waiter and any timer state it holds are dropped,
// so dropped futures leave no orphan ARP waiter entries.
func (h *QueryHandle) Cancel() {
	w, ok := h.peer.waiters[h.ip]
	if !ok {
		return
	}
	w.refcount--
	if w.refcount <= 0 {
		delete(h.peer.waiters, h.ip)
	}
}

// Receive parses an ARP PDU. A REQUEST targeting the local IPv4 emits a
// REPLY and opportunistically caches the sender; a REPLY updates the
// cache and wakes a waiter if one exists. Parse failures are logged and
// dropped; a request for a foreign IP caches the sender and gets no reply.
func (p *Peer) Receive(payload []byte) {
	if p.inBackgroundTask {
		panic("arp: reentrant Receive while inside ARP background processing")
	}
	p.inBackgroundTask = true
	defer func() { p.inBackgroundTask = false }()

	pkt, err := wire.ParseARP(payload)
	if err != nil {
		p.log.WithFields(logrus.Fields{"err": err}).Debug("arp: dropping malformed pdu")
		return
	}

	switch pkt.Operation {
	case wire.ARPRequest:
		p.Insert(pkt.SenderIP, pkt.SenderHW)
		if pkt.TargetIP != p.transport.LocalIPv4Addr() {
			return
		}
		if err := p.transport.TransmitARP(wire.ARPReply, pkt.SenderIP, pkt.SenderHW); err != nil {
			p.log.WithFields(logrus.Fields{"err": err}).Warn("arp: failed to transmit reply")
		}
	case wire.ARPReply:
		p.Insert(pkt.SenderIP, pkt.SenderHW)
		if w, ok := p.waiters[pkt.SenderIP]; ok {
			w.resolved = true
			w.result = pkt.SenderHW
		}
	}
}

// CacheSize reports the number of map slots held by the TTL cache
// (live + not-yet-swept), used by the Prometheus exporter.
func (p *Peer) CacheSize() int {
	return p.cache.Len()
}

// PendingWaiters reports the number of outstanding queries, used by the
// Prometheus exporter.
func (p *Peer) PendingWaiters() int {
	return len(p.waiters)
}
