package tcp

import (
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/arp"
	"github.com/simeonmiteff/go-netstack/pkg/errkind"
	"github.com/simeonmiteff/go-netstack/pkg/filetable"
	"github.com/simeonmiteff/go-netstack/pkg/operations"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
)

// ConnectOp drives an active open: ARP resolution of the remote, then the
// SYN handshake with a doubling retransmission interval.
type ConnectOp struct {
	peer     *Peer
	fd       int32
	local    wire.Endpoint
	remote   wire.Endpoint
	arpQuery *arp.QueryHandle
	cb       *ControlBlock
	deadline time.Time
	backoff  time.Duration
	attempts int
}

func (o *ConnectOp) Poll() (operations.Result, bool) {
	p := o.peer
	if o.cb == nil {
		mac, done, err := o.arpQuery.Poll()
		if !done {
			return operations.Result{}, false
		}
		if err != nil {
			return operations.NewFailed(err), true
		}
		cb := newControlBlock(p, o.local, o.remote, mac, StateSynSent)
		p.established[connKey{o.local, o.remote}] = cb
		if s, ok := p.sockets[o.fd]; ok {
			s.cb = cb
			s.local = &o.local
		}
		o.cb = cb
		cb.sendSYN()
		o.backoff = p.opts.HandshakeTimeout
		o.deadline = p.now.Add(o.backoff)
		return operations.Result{}, false
	}

	cb := o.cb
	if cb.connectErr != nil {
		return operations.NewFailed(cb.connectErr), true
	}
	if cb.state != StateSynSent && cb.state != StateClosed {
		return operations.Result{Kind: operations.Connect}, true
	}
	if cb.state == StateClosed {
		return operations.NewFailed(errkind.New(errkind.ConnectionAborted, "connection closed during handshake")), true
	}
	if !p.now.Before(o.deadline) {
		o.attempts++
		if o.attempts >= p.opts.HandshakeRetries {
			cb.transitionClosed()
			return operations.NewFailed(errkind.New(errkind.TimedOut, "connect timed out")), true
		}
		cb.sendSYN()
		o.backoff *= 2
		o.deadline = p.now.Add(o.backoff)
	}
	return operations.Result{}, false
}

// Cancel tears down whatever handshake state the operation registered.
func (o *ConnectOp) Cancel() {
	if o.cb == nil {
		o.arpQuery.Cancel()
		return
	}
	if o.cb.state == StateSynSent {
		o.cb.transitionClosed()
	}
}

// AcceptOp yields the next established connection on a listener.
type AcceptOp struct {
	peer *Peer
	l    *listener
}

func (o *AcceptOp) Poll() (operations.Result, bool) {
	if len(o.l.ready) == 0 {
		return operations.Result{}, false
	}
	cb := o.l.ready[0]
	o.l.ready = o.l.ready[1:]
	fd := o.peer.files.Alloc(filetable.KindTCP)
	local := cb.local
	o.peer.sockets[fd] = &socketState{local: &local, cb: cb}
	return operations.Result{Kind: operations.Accept, AcceptedFD: fd}, true
}

// PushOp completes once every byte of its payload has been handed to the
// network at least once.
type PushOp struct {
	cb     *ControlBlock
	target uint64
}

func (o *PushOp) Poll() (operations.Result, bool) {
	cb := o.cb
	if cb.resetErr != nil {
		return operations.NewFailed(cb.resetErr), true
	}
	if cb.consumed >= o.target {
		return operations.Result{Kind: operations.Push}, true
	}
	cb.pump()
	if cb.consumed >= o.target {
		return operations.Result{Kind: operations.Push}, true
	}
	return operations.Result{}, false
}

// PopOp yields the next received buffer; a drained queue after the
// remote's FIN yields an empty buffer as end-of-stream.
type PopOp struct {
	cb *ControlBlock
}

func (o *PopOp) Poll() (operations.Result, bool) {
	b, done, err := o.cb.popReady()
	if !done {
		return operations.Result{}, false
	}
	if err != nil {
		return operations.NewFailed(err), true
	}
	return operations.Result{Kind: operations.Pop, Buffer: b}, true
}
