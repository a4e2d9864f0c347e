package tcp

import "time"

const (
	rtoInitial     = 1 * time.Second
	rtoMin         = 200 * time.Millisecond
	rtoMax         = 60 * time.Second
	rtoGranularity = 1 * time.Millisecond
)

// RTOEstimator tracks smoothed RTT and variance per RFC 6298. It is
// advanced with RecordSample for each unambiguous RTT measurement and
// backed off with RecordFailure whenever the retransmission timer fires.
type RTOEstimator struct {
	srtt      time.Duration
	rttvar    time.Duration
	rto       time.Duration
	hasSample bool
}

func NewRTOEstimator() *RTOEstimator {
	return &RTOEstimator{rto: rtoInitial}
}

// Estimate returns the current retransmission timeout.
func (e *RTOEstimator) Estimate() time.Duration {
	return e.rto
}

// SRTT returns the smoothed round-trip time, zero before the first sample.
func (e *RTOEstimator) SRTT() time.Duration {
	return e.srtt
}

// RecordSample folds a new RTT measurement into the estimate.
func (e *RTOEstimator) RecordSample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if !e.hasSample {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.hasSample = true
	} else {
		delta := e.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = (3*e.rttvar + delta) / 4
		e.srtt = (7*e.srtt + rtt) / 8
	}
	margin := 4 * e.rttvar
	if margin < rtoGranularity {
		margin = rtoGranularity
	}
	e.rto = clampRTO(e.srtt + margin)
}

// RecordFailure doubles the timeout after a retransmission, capped at
// rtoMax.
func (e *RTOEstimator) RecordFailure() {
	e.rto = clampRTO(e.rto * 2)
}

func clampRTO(d time.Duration) time.Duration {
	if d < rtoMin {
		return rtoMin
	}
	if d > rtoMax {
		return rtoMax
	}
	return d
}
