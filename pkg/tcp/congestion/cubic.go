package congestion

import (
	"math"
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/watched"
)

const (
	// cubicC is the CUBIC scaling constant C (RFC 8312 §5).
	cubicC = 0.4
	// cubicBeta is the multiplicative decrease factor β.
	cubicBeta = 0.7
	// dupAckThreshold is the number of duplicate ACKs that triggers fast
	// retransmit (RFC 5681).
	dupAckThreshold = 3
)

// Cubic implements CUBIC congestion avoidance with NewReno fast recovery
// and limited transmit. Window growth during congestion avoidance is a
// cubic function of the time since the last window reduction; wMax and
// caStart track that curve, and K is derived from wMax on each ACK.
type Cubic struct {
	mss         uint32
	initialCwnd uint32

	cwnd                        *watched.Value[uint32]
	limitedTransmitCwndIncrease *watched.Value[uint32]
	retransmitNow               *watched.Value[bool]

	ssthresh          uint32
	duplicateAckCount uint32
	prevAckSeqNo      uint32
	recover           uint32
	inFastRecovery    bool
	fastConvergence   bool

	// wMax is the window size (in MSS) just before the last reduction.
	wMax                  float64
	caStart               time.Time
	lastCongestionWasRTO  bool
	retransmittedInFlight uint32

	lastSendTime  time.Time
	rttAtLastSend time.Duration
}

// NewCubic returns a CUBIC controller for the given MSS. fastConvergence
// enables the RFC 8312 §4.6 wMax reduction when a flow's window shrinks
// between congestion events.
func NewCubic(mss uint32, now time.Time, fastConvergence bool) *Cubic {
	initial := InitialCwnd(mss)
	return &Cubic{
		mss:                         mss,
		initialCwnd:                 initial,
		cwnd:                        watched.New(initial),
		limitedTransmitCwndIncrease: watched.New(uint32(0)),
		retransmitNow:               watched.New(false),
		ssthresh:                    math.MaxUint32,
		fastConvergence:             fastConvergence,
		caStart:                     now,
	}
}

func (c *Cubic) Cwnd() uint32 {
	v, _ := c.cwnd.Get()
	return v
}

func (c *Cubic) WatchCwnd() *watched.Value[uint32] { return c.cwnd }

func (c *Cubic) Ssthresh() uint32 { return c.ssthresh }

func (c *Cubic) LimitedTransmitCwndIncrease() uint32 {
	v, _ := c.limitedTransmitCwndIncrease.Get()
	return v
}

func (c *Cubic) WatchLimitedTransmitCwndIncrease() *watched.Value[uint32] {
	return c.limitedTransmitCwndIncrease
}

func (c *Cubic) DuplicateAckCount() uint32 { return c.duplicateAckCount }

func (c *Cubic) RetransmitNow() *watched.Value[bool] { return c.retransmitNow }

// setCwnd clamps the window to at least one MSS, which holds the
// cwnd >= MSS invariant through every deflation path.
func (c *Cubic) setCwnd(v uint32) {
	if v < c.mss {
		v = c.mss
	}
	c.cwnd.Set(v)
}

func (c *Cubic) OnCwndCheckBeforeSend(now time.Time, rto time.Duration) {
	if c.lastSendTime.IsZero() {
		return
	}
	if now.Sub(c.lastSendTime) > c.rttAtLastSend {
		// Idle restart: the window no longer reflects current path state.
		if cw := c.Cwnd(); cw > c.initialCwnd {
			c.setCwnd(c.initialCwnd)
		}
		c.limitedTransmitCwndIncrease.Set(0)
	}
}

func (c *Cubic) OnSend(now time.Time, bytesSent uint32, rto time.Duration) {
	c.lastSendTime = now
	c.rttAtLastSend = rto
	ltci, _ := c.limitedTransmitCwndIncrease.Get()
	if ltci > bytesSent {
		ltci -= bytesSent
	} else {
		ltci = 0
	}
	c.limitedTransmitCwndIncrease.Set(ltci)
}

func (c *Cubic) OnAckReceived(now time.Time, rto time.Duration, baseSeqNo, sentSeqNo, ackSeqNo, bytesOutstanding uint32) {
	acked := ackSeqNo - baseSeqNo
	if acked == 0 {
		c.onDuplicateAck(ackSeqNo, sentSeqNo)
		return
	}

	c.duplicateAckCount = 0
	switch {
	case c.inFastRecovery:
		if seqGT(ackSeqNo, c.recover) {
			// Full ACK: deflate per RFC 6582 and leave recovery.
			fly := bytesOutstanding
			if fly < c.mss {
				fly = c.mss
			}
			cw := fly + c.mss
			if c.ssthresh < cw {
				cw = c.ssthresh
			}
			c.setCwnd(cw)
			c.inFastRecovery = false
			c.lastCongestionWasRTO = false
			c.caStart = now
		} else {
			// Partial ACK: retransmit the next hole and deflate by the
			// amount acked, crediting one MSS back.
			c.retransmitNow.Set(true)
			deflate := acked
			if acked >= c.mss {
				deflate = acked - c.mss
			}
			cw := c.Cwnd()
			if deflate > cw {
				deflate = cw
			}
			c.setCwnd(cw - deflate)
		}
	case c.Cwnd() < c.ssthresh:
		// Slow start.
		inc := acked
		if inc > c.mss {
			inc = c.mss
		}
		c.setCwnd(c.Cwnd() + inc)
	default:
		c.congestionAvoidance(now, rto)
	}
	c.prevAckSeqNo = ackSeqNo
}

func (c *Cubic) onDuplicateAck(ackSeqNo, sentSeqNo uint32) {
	c.duplicateAckCount++
	if c.duplicateAckCount < dupAckThreshold {
		// Limited transmit: allow one fresh segment per early dup ACK.
		ltci, _ := c.limitedTransmitCwndIncrease.Get()
		c.limitedTransmitCwndIncrease.Set(ltci + c.mss)
	}

	ackCoversRecover := seqGT(ackSeqNo-1, c.recover)
	retransmittedDropped := c.Cwnd() > c.mss && seqDelta(ackSeqNo, c.prevAckSeqNo) <= 4*c.mss

	if c.duplicateAckCount == dupAckThreshold && (ackCoversRecover || retransmittedDropped) {
		c.inFastRecovery = true
		c.recover = sentSeqNo
		c.reduceWMax()
		c.setCwnd(uint32(float64(c.Cwnd()) * cubicBeta))
		c.ssthresh = c.Cwnd()
		if c.ssthresh < 2*c.mss {
			c.ssthresh = 2 * c.mss
		}
		c.retransmitNow.Set(true)
	} else if c.duplicateAckCount > dupAckThreshold || c.inFastRecovery {
		// Window inflation while the hole is outstanding.
		c.setCwnd(c.Cwnd() + c.mss)
	}

	if c.retransmittedInFlight > 0 {
		c.retransmittedInFlight--
	}
}

// reduceWMax records the pre-reduction window, applying fast convergence
// when the window is still below the previous wMax.
func (c *Cubic) reduceWMax() {
	cwndMSS := float64(c.Cwnd()) / float64(c.mss)
	if c.fastConvergence && cwndMSS < c.wMax {
		c.wMax = cwndMSS * (1 + cubicBeta) / 2
	} else {
		c.wMax = cwndMSS
	}
}

func (c *Cubic) congestionAvoidance(now time.Time, rto time.Duration) {
	t := now.Sub(c.caStart).Seconds()
	rtt := rto.Seconds()
	if rtt <= 0 {
		rtt = 0.001
	}

	var k float64
	if !c.lastCongestionWasRTO {
		k = math.Cbrt(c.wMax * (1 - cubicBeta) / cubicC)
	}
	wCubic := func(t float64) float64 {
		d := t - k
		return cubicC*d*d*d + c.wMax
	}
	wEst := c.wMax*cubicBeta + (3*(1-cubicBeta)/(1+cubicBeta))*(t/rtt)

	cwndMSS := float64(c.Cwnd()) / float64(c.mss)
	if wCubic(t) < wEst {
		// TCP-friendly region.
		c.setCwnd(uint32(wEst * float64(c.mss)))
	} else {
		inc := ((wCubic(t+rtt) - cwndMSS) / cwndMSS) * float64(c.mss)
		if inc > 0 {
			c.setCwnd(c.Cwnd() + uint32(inc))
		}
	}
}

func (c *Cubic) OnRTO(sentSeqNo uint32) {
	preReset := c.Cwnd()
	c.reduceWMax()
	if c.retransmittedInFlight == 0 {
		ss := uint32(float64(preReset) * cubicBeta)
		if ss < 2*c.mss {
			ss = 2 * c.mss
		}
		c.ssthresh = ss
	}
	c.setCwnd(c.mss)
	c.retransmittedInFlight++
	c.lastCongestionWasRTO = true

	c.recover = sentSeqNo
	c.inFastRecovery = false
}

// OnFastRetransmit has no window work to do here: the reduction happened
// when the third duplicate ACK raised the flag, and retransmittedInFlight
// tracks timer-driven retransmissions only, so a fast retransmit must not
// suppress the ssthresh update of a later genuine RTO.
func (c *Cubic) OnFastRetransmit() {}

func (c *Cubic) OnBaseSeqNoWraparound() {
	c.recover = 0
	c.prevAckSeqNo = 0
}
