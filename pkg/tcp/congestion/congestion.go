// Package congestion defines the capability set a TCP control block needs
// from a congestion-control algorithm, and implements CUBIC (RFC 8312)
// with NewReno-style fast recovery (RFC 6582) and limited transmit
// (RFC 3042). The algorithm carried by a connection is swappable: anything
// satisfying Controller plugs into the sender unchanged.
package congestion

import (
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/watched"
)

// Controller is the interface between the sender and the active
// congestion-control algorithm. All window quantities are in bytes.
type Controller interface {
	// Cwnd is the current congestion window.
	Cwnd() uint32
	// WatchCwnd exposes the window as a watched value so the sender pump
	// can observe growth without polling the controller's internals.
	WatchCwnd() *watched.Value[uint32]
	// Ssthresh is the current slow-start threshold.
	Ssthresh() uint32

	// OnCwndCheckBeforeSend runs before a fresh segment is sent; an idle
	// connection has its window clamped back toward the initial window.
	OnCwndCheckBeforeSend(now time.Time, rto time.Duration)
	// OnSend records that bytesSent new bytes left the sender.
	OnSend(now time.Time, bytesSent uint32, rto time.Duration)
	// OnAckReceived processes an acknowledgement. baseSeqNo and sentSeqNo
	// are the sender's window edges before the ACK is applied;
	// bytesOutstanding is the flight size after it is applied.
	OnAckReceived(now time.Time, rto time.Duration, baseSeqNo, sentSeqNo, ackSeqNo, bytesOutstanding uint32)
	// OnRTO reacts to the retransmission timer firing.
	OnRTO(sentSeqNo uint32)
	// OnFastRetransmit records that a fast retransmission was performed.
	OnFastRetransmit()
	// OnBaseSeqNoWraparound resets sequence-relative tracking after the
	// send window wraps the 32-bit sequence space.
	OnBaseSeqNoWraparound()

	// LimitedTransmitCwndIncrease is the RFC 3042 bonus added on top of
	// cwnd when deciding whether a fresh segment may be sent.
	LimitedTransmitCwndIncrease() uint32
	WatchLimitedTransmitCwndIncrease() *watched.Value[uint32]
	// DuplicateAckCount reports consecutive duplicate ACKs seen.
	DuplicateAckCount() uint32
	// RetransmitNow is the one-shot fast-retransmit signal. It is raised
	// with Set and must be cleared by the consumer with SetWithoutNotify
	// so the clearing write does not re-trigger the consumer itself.
	RetransmitNow() *watched.Value[bool]
}

// InitialCwnd computes the RFC 5681 §3.1 initial window for an MSS.
func InitialCwnd(mss uint32) uint32 {
	switch {
	case mss <= 1095:
		return 4 * mss
	case mss <= 2190:
		return 3 * mss
	default:
		return 2 * mss
	}
}

// seqGT compares 32-bit sequence numbers with wraparound (RFC 793 serial
// arithmetic).
func seqGT(a, b uint32) bool {
	return int32(a-b) > 0
}

// seqDelta is the wrap-aware magnitude of the distance between a and b.
func seqDelta(a, b uint32) uint32 {
	d := int32(a - b)
	if d < 0 {
		d = -d
	}
	return uint32(d)
}
