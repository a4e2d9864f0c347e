package tcp

import (
	"time"

	"github.com/rs/xid"
	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/errkind"
	"github.com/simeonmiteff/go-netstack/pkg/tcp/congestion"
	"github.com/simeonmiteff/go-netstack/pkg/watched"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
	"github.com/sirupsen/logrus"

	netstack "github.com/simeonmiteff/go-netstack"
)

// State is the RFC 793 connection state. The LISTEN state has no control
// block; it lives in the peer's listener table.
type State int

const (
	StateSynSent State = iota
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// maxOutOfOrder bounds the reassembly set; segments beyond it are dropped
// and recovered by sender retransmission.
const maxOutOfOrder = 64

// unackedSegment is one sent-but-unacknowledged segment. initialTx is
// cleared when the segment is retransmitted so the ambiguous sample is
// excluded from RTT estimation (Karn's algorithm).
type unackedSegment struct {
	seqNo     uint32
	payload   buf.Buffer
	fin       bool
	initialTx *time.Time
}

func (s *unackedSegment) length() uint32 {
	n := uint32(s.payload.Len())
	if s.fin {
		n++
	}
	return n
}

// ControlBlock is the per-connection state: window edges, the unacked
// queue, RTO estimation, congestion control and the receive reassembly
// machinery. It is owned by a Peer and driven entirely from the
// single-threaded scheduler.
type ControlBlock struct {
	id     string
	peer   *Peer
	local  wire.Endpoint
	remote wire.Endpoint
	// remoteLink caches the resolved link address of the remote; it is
	// refreshed from the ARP cache opportunistically on retransmission.
	remoteLink wire.MAC
	state      State

	// Send side. baseSeqNo/sentSeqNo are absolute sequence numbers; every
	// byte in unacked lies in [baseSeqNo, sentSeqNo).
	iss        uint32
	baseSeqNo  uint32
	sentSeqNo  uint32
	sendWindow uint32
	mss        uint32

	unsent   []buf.Buffer
	enqueued uint64
	consumed uint64
	unacked  []*unackedSegment

	pendingFin bool
	finQueued  bool
	finAcked   bool

	// retransmitDeadline is Some exactly while the unacked queue is
	// nonempty; the retransmitter task watches it.
	retransmitDeadline *watched.Value[*time.Time]
	rto                *RTOEstimator
	cc                 congestion.Controller
	retransmits        uint64

	// Receive side.
	irs          uint32
	rcvNxt       uint32
	recvQueue    []buf.Buffer
	recvBuffered int
	outOfOrder   map[uint32]buf.Buffer
	finReceived  bool

	timeWaitUntil time.Time
	connectErr    error
	resetErr      error

	stats *netstack.ConnStats
}

func newControlBlock(peer *Peer, local, remote wire.Endpoint, remoteLink wire.MAC, state State) *ControlBlock {
	id := xid.New().String()
	cb := &ControlBlock{
		id:                 id,
		peer:               peer,
		local:              local,
		remote:             remote,
		remoteLink:         remoteLink,
		state:              state,
		iss:                peer.nextISS(),
		mss:                uint32(peer.opts.MSS),
		retransmitDeadline: watched.New[*time.Time](nil),
		rto:                NewRTOEstimator(),
		outOfOrder:         make(map[uint32]buf.Buffer),
		stats:              netstack.NewConnStats(id, local.String(), remote.String(), peer.now.UnixNano()),
	}
	return cb
}

// ID is the correlation id attached to log lines and exporter labels.
func (cb *ControlBlock) ID() string { return cb.id }

func (cb *ControlBlock) Local() wire.Endpoint { return cb.local }

func (cb *ControlBlock) Remote() wire.Endpoint { return cb.remote }

func (cb *ControlBlock) State() State { return cb.state }

func (cb *ControlBlock) Stats() *netstack.ConnStats { return cb.stats }

// Metrics is a point-in-time snapshot of the connection for the metrics
// exporter.
type Metrics struct {
	State          string
	Cwnd           uint32
	Ssthresh       uint32
	BytesInFlight  uint32
	RTO            time.Duration
	SRTT           time.Duration
	DuplicateAcks  uint32
	Retransmits    uint64
	TxBytes        int64
	RxBytes        int64
}

func (cb *ControlBlock) Metrics() Metrics {
	m := Metrics{
		State:         cb.state.String(),
		BytesInFlight: cb.sentSeqNo - cb.baseSeqNo,
		RTO:           cb.rto.Estimate(),
		SRTT:          cb.rto.SRTT(),
		Retransmits:   cb.retransmits,
		TxBytes:       cb.stats.TxBytes,
		RxBytes:       cb.stats.RxBytes,
	}
	if cb.cc != nil {
		m.Cwnd = cb.cc.Cwnd()
		m.Ssthresh = cb.cc.Ssthresh()
		m.DuplicateAcks = cb.cc.DuplicateAckCount()
	}
	return m
}

// establish finalises the handshake: the congestion controller is created
// against the negotiated MSS and the window edges start at ISS+1.
func (cb *ControlBlock) establish(peerWindow uint16) {
	cb.baseSeqNo = cb.iss + 1
	cb.sentSeqNo = cb.iss + 1
	cb.sendWindow = uint32(peerWindow)
	switch cb.peer.opts.CongestionControl {
	case AlgorithmNone:
		cb.cc = congestion.NewNone()
	default:
		cb.cc = congestion.NewCubic(cb.mss, cb.peer.now, cb.peer.opts.FastConvergence)
	}
	cb.state = StateEstablished
}

func (cb *ControlBlock) advertisedWindow() uint16 {
	budget := int(cb.peer.opts.ReceiveWindow) - cb.recvBuffered
	if budget < 0 {
		budget = 0
	}
	return uint16(budget)
}

func (cb *ControlBlock) templateHeader(seqNo uint32, flags wire.TCPFlags) wire.TCPHeader {
	hdr := wire.TCPHeader{
		SrcPort: cb.local.Port,
		DstPort: cb.remote.Port,
		SeqNo:   seqNo,
		Flags:   flags,
		Window:  cb.advertisedWindow(),
	}
	if flags.Has(wire.FlagACK) {
		hdr.AckNo = cb.rcvNxt
	}
	return hdr
}

func (cb *ControlBlock) transmit(hdr wire.TCPHeader, payload buf.Buffer) {
	err := cb.peer.transport.TransmitTCP(cb.remoteLink, cb.local.Addr, cb.remote.Addr, hdr, payload)
	if err != nil {
		cb.peer.log.WithFields(logrus.Fields{"conn": cb.id, "err": err}).Warn("tcp: transmit failed")
		return
	}
	if payload.Len() > 0 {
		cb.stats.RecordTx(payload.Len(), cb.peer.now.UnixNano())
	}
}

func (cb *ControlBlock) sendControl(flags wire.TCPFlags) {
	cb.transmit(cb.templateHeader(cb.sentSeqNo, flags), buf.Buffer{})
}

func (cb *ControlBlock) sendSYN() {
	mss := cb.peer.opts.MSS
	hdr := cb.templateHeader(cb.iss, wire.FlagSYN)
	hdr.Options.MSS = &mss
	cb.transmit(hdr, buf.Buffer{})
}

func (cb *ControlBlock) sendSYNACK() {
	mss := cb.peer.opts.MSS
	hdr := cb.templateHeader(cb.iss, wire.FlagSYN|wire.FlagACK)
	hdr.Options.MSS = &mss
	cb.transmit(hdr, buf.Buffer{})
}

// receiveSegment dispatches an inbound segment through the state machine.
func (cb *ControlBlock) receiveSegment(hdr wire.TCPHeader, payload buf.Buffer) {
	if hdr.Flags.Has(wire.FlagRST) {
		cb.handleRST()
		return
	}

	switch cb.state {
	case StateSynSent:
		cb.receiveSynSent(hdr)
	case StateSynReceived:
		cb.receiveSynReceived(hdr, payload)
	case StateClosed:
		// Late segment on a dead connection.
	default:
		cb.receiveSynchronized(hdr, payload)
	}
}

func (cb *ControlBlock) receiveSynSent(hdr wire.TCPHeader) {
	if !hdr.Flags.Has(wire.FlagSYN) || !hdr.Flags.Has(wire.FlagACK) {
		return
	}
	if hdr.AckNo != cb.iss+1 {
		cb.peer.log.WithFields(logrus.Fields{"conn": cb.id, "ack": hdr.AckNo}).Debug("tcp: dropping syn+ack with bad ack")
		return
	}
	cb.irs = hdr.SeqNo
	cb.rcvNxt = hdr.SeqNo + 1
	if hdr.Options.MSS != nil && uint32(*hdr.Options.MSS) < cb.mss {
		cb.mss = uint32(*hdr.Options.MSS)
	}
	cb.establish(hdr.Window)
	cb.sendControl(wire.FlagACK)
	cb.peer.connEstablished(cb)
}

func (cb *ControlBlock) receiveSynReceived(hdr wire.TCPHeader, payload buf.Buffer) {
	if hdr.Flags.Has(wire.FlagSYN) && !hdr.Flags.Has(wire.FlagACK) {
		// Retransmitted SYN: the connector has not seen our SYN+ACK.
		cb.sendSYNACK()
		return
	}
	if !hdr.Flags.Has(wire.FlagACK) || hdr.AckNo != cb.iss+1 {
		return
	}
	cb.establish(hdr.Window)
	cb.peer.acceptReady(cb)
	cb.peer.connEstablished(cb)
	if payload.Len() > 0 || hdr.Flags.Has(wire.FlagFIN) {
		cb.receiveSynchronized(hdr, payload)
	}
}

func (cb *ControlBlock) receiveSynchronized(hdr wire.TCPHeader, payload buf.Buffer) {
	ackNeeded := false
	if hdr.Flags.Has(wire.FlagACK) {
		cb.processAck(hdr, payload.Len() > 0)
		if cb.state == StateClosed {
			return
		}
	}
	if payload.Len() > 0 {
		cb.receiveData(hdr.SeqNo, payload)
		ackNeeded = true
	}
	if hdr.Flags.Has(wire.FlagFIN) {
		cb.processFin(hdr.SeqNo + uint32(payload.Len()))
		ackNeeded = true
	}
	if ackNeeded && cb.state != StateClosed {
		cb.sendControl(wire.FlagACK)
	}
}

// processAck applies an acknowledgement to the send side: trimming the
// unacked queue, sampling RTT, updating the congestion controller and
// re-arming or clearing the retransmit deadline.
func (cb *ControlBlock) processAck(hdr wire.TCPHeader, hasPayload bool) {
	now := cb.peer.now
	ack := hdr.AckNo
	cb.sendWindow = uint32(hdr.Window)

	if seqGT(ack, cb.sentSeqNo) {
		// Acks data we never sent; resynchronize.
		cb.sendControl(wire.FlagACK)
		return
	}
	if ack == cb.baseSeqNo {
		if !hasPayload && len(cb.unacked) > 0 && !hdr.Flags.Has(wire.FlagSYN) && !hdr.Flags.Has(wire.FlagFIN) {
			// Pure duplicate.
			cb.cc.OnAckReceived(now, cb.rto.Estimate(), cb.baseSeqNo, cb.sentSeqNo, ack, cb.sentSeqNo-cb.baseSeqNo)
		}
		return
	}
	if seqLT(ack, cb.baseSeqNo) {
		return
	}

	remaining := ack - cb.baseSeqNo
	for remaining > 0 && len(cb.unacked) > 0 {
		seg := cb.unacked[0]
		segLen := seg.length()
		if segLen <= remaining {
			if seg.initialTx != nil {
				cb.rto.RecordSample(now.Sub(*seg.initialTx))
			}
			if seg.fin {
				cb.finAcked = true
			}
			remaining -= segLen
			cb.unacked = cb.unacked[1:]
		} else {
			seg.payload = seg.payload.Adjust(int(remaining))
			seg.seqNo += remaining
			remaining = 0
		}
	}

	oldBase := cb.baseSeqNo
	cb.cc.OnAckReceived(now, cb.rto.Estimate(), oldBase, cb.sentSeqNo, ack, cb.sentSeqNo-ack)
	cb.baseSeqNo = ack
	if ack < oldBase {
		cb.cc.OnBaseSeqNoWraparound()
	}

	if len(cb.unacked) == 0 {
		cb.retransmitDeadline.Set(nil)
	} else {
		t := now.Add(cb.rto.Estimate())
		cb.retransmitDeadline.Set(&t)
	}

	if cb.finAcked {
		switch cb.state {
		case StateFinWait1:
			cb.state = StateFinWait2
		case StateClosing:
			cb.enterTimeWait()
		case StateLastAck:
			cb.transitionClosed()
			return
		}
	}

	cb.pump()
}

// receiveData delivers in-order payload to the receive queue and parks
// out-of-order segments for reassembly.
func (cb *ControlBlock) receiveData(seqNo uint32, payload buf.Buffer) {
	switch {
	case seqNo == cb.rcvNxt:
		cb.deliver(payload)
		cb.drainOutOfOrder()
	case seqGT(seqNo, cb.rcvNxt):
		if len(cb.outOfOrder) < maxOutOfOrder {
			if _, dup := cb.outOfOrder[seqNo]; !dup {
				cb.outOfOrder[seqNo] = payload
			}
		}
	default:
		// Wholly or partially old data.
		end := seqNo + uint32(payload.Len())
		if seqGT(end, cb.rcvNxt) {
			cb.deliver(payload.Adjust(int(cb.rcvNxt - seqNo)))
			cb.drainOutOfOrder()
		}
	}
}

func (cb *ControlBlock) deliver(payload buf.Buffer) {
	cb.recvQueue = append(cb.recvQueue, payload)
	cb.recvBuffered += payload.Len()
	cb.rcvNxt += uint32(payload.Len())
	cb.stats.RecordRx(payload.Len(), cb.peer.now.UnixNano())
}

func (cb *ControlBlock) drainOutOfOrder() {
	for {
		seg, ok := cb.outOfOrder[cb.rcvNxt]
		if !ok {
			return
		}
		delete(cb.outOfOrder, cb.rcvNxt)
		cb.deliver(seg)
	}
}

func (cb *ControlBlock) processFin(finSeq uint32) {
	switch {
	case finSeq == cb.rcvNxt:
		cb.rcvNxt++
		cb.finReceived = true
		switch cb.state {
		case StateEstablished:
			cb.state = StateCloseWait
		case StateFinWait1:
			if cb.finAcked {
				cb.enterTimeWait()
			} else {
				cb.state = StateClosing
			}
		case StateFinWait2:
			cb.enterTimeWait()
		case StateTimeWait:
			cb.timeWaitUntil = cb.peer.now.Add(2 * cb.peer.opts.MSL)
		}
	case seqLT(finSeq, cb.rcvNxt):
		// Retransmitted FIN; the caller re-acks.
	default:
		// FIN beyond a hole; wait for the missing data.
	}
}

// popReady dequeues one received buffer, or reports EOF once the remote's
// FIN has been delivered and the queue is drained.
func (cb *ControlBlock) popReady() (buf.Buffer, bool, error) {
	if len(cb.recvQueue) > 0 {
		b := cb.recvQueue[0]
		cb.recvQueue = cb.recvQueue[1:]
		cb.recvBuffered -= b.Len()
		return b, true, nil
	}
	if cb.resetErr != nil {
		return buf.Buffer{}, true, cb.resetErr
	}
	if cb.finReceived {
		return buf.Buffer{}, true, nil
	}
	return buf.Buffer{}, false, nil
}

// push enqueues application data and pumps the sender.
func (cb *ControlBlock) push(data buf.Buffer) uint64 {
	cb.unsent = append(cb.unsent, data)
	cb.enqueued += uint64(data.Len())
	target := cb.enqueued
	cb.pump()
	return target
}

func (cb *ControlBlock) sendLimit() uint32 {
	limit := cb.cc.Cwnd() + cb.cc.LimitedTransmitCwndIncrease()
	if cb.sendWindow < limit {
		limit = cb.sendWindow
	}
	return limit
}

// pump moves bytes from unsent into flight, within the smaller of the
// congestion window (plus the limited-transmit bonus) and the peer's
// advertised window. A queued close is turned into a FIN once the unsent
// queue drains.
func (cb *ControlBlock) pump() {
	if cb.cc == nil || cb.state == StateClosed {
		return
	}
	now := cb.peer.now
	if len(cb.unsent) > 0 {
		cb.cc.OnCwndCheckBeforeSend(now, cb.rto.Estimate())
	}
	for len(cb.unsent) > 0 {
		inFlight := cb.sentSeqNo - cb.baseSeqNo
		limit := cb.sendLimit()
		if inFlight >= limit {
			return
		}
		allowed := limit - inFlight

		head := cb.unsent[0]
		n := uint32(head.Len())
		if n > allowed {
			n = allowed
		}
		if n > cb.mss {
			n = cb.mss
		}
		if n == 0 {
			return
		}

		var seg buf.Buffer
		if int(n) < head.Len() {
			seg = head.Trim(head.Len() - int(n))
			cb.unsent[0] = head.Adjust(int(n))
		} else {
			seg = head
			cb.unsent = cb.unsent[1:]
		}

		cb.transmit(cb.templateHeader(cb.sentSeqNo, wire.FlagACK|wire.FlagPSH), seg)
		tx := now
		cb.unacked = append(cb.unacked, &unackedSegment{seqNo: cb.sentSeqNo, payload: seg, initialTx: &tx})
		cb.cc.OnSend(now, n, cb.rto.Estimate())
		cb.sentSeqNo += n
		cb.consumed += uint64(n)
		cb.armRetransmitDeadline(now)
	}

	if cb.pendingFin && !cb.finQueued && len(cb.unsent) == 0 {
		cb.transmit(cb.templateHeader(cb.sentSeqNo, wire.FlagFIN|wire.FlagACK), buf.Buffer{})
		tx := now
		cb.unacked = append(cb.unacked, &unackedSegment{seqNo: cb.sentSeqNo, fin: true, initialTx: &tx})
		cb.sentSeqNo++
		cb.finQueued = true
		cb.armRetransmitDeadline(now)
	}
}

func (cb *ControlBlock) armRetransmitDeadline(now time.Time) {
	if d, _ := cb.retransmitDeadline.Get(); d == nil {
		t := now.Add(cb.rto.Estimate())
		cb.retransmitDeadline.Set(&t)
	}
}

// retransmitTimeout handles the retransmission timer firing: congestion
// response, resend of the head of the unacked queue at base_seq_no, and
// RTO backoff.
func (cb *ControlBlock) retransmitTimeout() {
	now := cb.peer.now
	if len(cb.unacked) == 0 {
		if cb.peer.opts.PanicOnInvariantViolation {
			panic("tcp: retransmit deadline fired with empty unacked queue")
		}
		cb.peer.log.WithField("conn", cb.id).Error("tcp: retransmit deadline fired with empty unacked queue")
		cb.retransmitDeadline.Set(nil)
		return
	}
	cb.cc.OnRTO(cb.sentSeqNo)
	seg := cb.unacked[0]
	seg.initialTx = nil
	cb.resend(seg)
	t := now.Add(cb.rto.Estimate())
	cb.retransmitDeadline.Set(&t)
	cb.rto.RecordFailure()
	cb.retransmits++
	cb.stats.Retransmits++
}

// fastRetransmit resends the head of the unacked queue. The deadline is
// re-armed just as on a timeout; only the RTO backoff is cause-specific.
// Without the fresh deadline, the one set at original transmission would
// fire moments after the fast retransmit and collapse the window again.
func (cb *ControlBlock) fastRetransmit() {
	if len(cb.unacked) == 0 {
		return
	}
	cb.cc.OnFastRetransmit()
	seg := cb.unacked[0]
	seg.initialTx = nil
	cb.resend(seg)
	t := cb.peer.now.Add(cb.rto.Estimate())
	cb.retransmitDeadline.Set(&t)
	cb.retransmits++
	cb.stats.Retransmits++
}

func (cb *ControlBlock) resend(seg *unackedSegment) {
	// Refresh the link address if the ARP cache still has a live entry;
	// otherwise reuse the one resolved at connection setup.
	if mac, ok := cb.peer.arp.TryQuery(cb.remote.Addr); ok {
		cb.remoteLink = mac
	}
	flags := wire.FlagACK
	if seg.fin {
		flags |= wire.FlagFIN
	}
	cb.transmit(cb.templateHeader(cb.baseSeqNo, flags), seg.payload)
}

// close runs the application's close through the state machine.
func (cb *ControlBlock) close() {
	switch cb.state {
	case StateEstablished:
		cb.pendingFin = true
		cb.state = StateFinWait1
		cb.pump()
	case StateCloseWait:
		cb.pendingFin = true
		cb.state = StateLastAck
		cb.pump()
	case StateSynSent, StateSynReceived:
		cb.transitionClosed()
	default:
		// Already closing or closed.
	}
}

func (cb *ControlBlock) handleRST() {
	if cb.state == StateSynSent {
		cb.connectErr = errkind.New(errkind.ConnectionRefused, cb.remote.String())
	} else {
		cb.resetErr = errkind.New(errkind.ConnectionAborted, "connection reset by peer")
	}
	cb.transitionClosed()
}

func (cb *ControlBlock) enterTimeWait() {
	cb.state = StateTimeWait
	cb.timeWaitUntil = cb.peer.now.Add(2 * cb.peer.opts.MSL)
	cb.retransmitDeadline.Set(nil)
	cb.unacked = nil
}

func (cb *ControlBlock) transitionClosed() {
	if cb.state == StateClosed {
		return
	}
	cb.state = StateClosed
	cb.retransmitDeadline.Set(nil)
	cb.unacked = nil
	cb.unsent = nil
	cb.peer.connClosed(cb)
}
