package congestion

import (
	"math"
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/watched"
)

// None is a controller that never constrains the sender. It pins the
// window at the maximum representable value and ignores every event,
// which makes it useful on lossless links and in sender tests that want
// to exercise the window/ACK machinery without CUBIC dynamics.
type None struct {
	cwnd            *watched.Value[uint32]
	limitedTransmit *watched.Value[uint32]
	retransmitNow   *watched.Value[bool]
}

func NewNone() *None {
	return &None{
		cwnd:            watched.New(uint32(math.MaxUint32)),
		limitedTransmit: watched.New(uint32(0)),
		retransmitNow:   watched.New(false),
	}
}

func (n *None) Cwnd() uint32 {
	v, _ := n.cwnd.Get()
	return v
}

func (n *None) WatchCwnd() *watched.Value[uint32] { return n.cwnd }

func (n *None) Ssthresh() uint32 { return math.MaxUint32 }

func (n *None) OnCwndCheckBeforeSend(time.Time, time.Duration) {}

func (n *None) OnSend(time.Time, uint32, time.Duration) {}

func (n *None) OnAckReceived(time.Time, time.Duration, uint32, uint32, uint32, uint32) {}

func (n *None) OnRTO(uint32) {}

func (n *None) OnFastRetransmit() {}

func (n *None) OnBaseSeqNoWraparound() {}

func (n *None) LimitedTransmitCwndIncrease() uint32 { return 0 }

func (n *None) WatchLimitedTransmitCwndIncrease() *watched.Value[uint32] {
	return n.limitedTransmit
}

func (n *None) DuplicateAckCount() uint32 { return 0 }

func (n *None) RetransmitNow() *watched.Value[bool] { return n.retransmitNow }
