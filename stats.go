// Package netstack carries the per-connection lifecycle accounting the
// stack reports to its embedder: open/close timestamps, first/last
// activity, and byte counters. The TCP peer fills one ConnStats per
// connection and fires the registered ReportStatsFn on open and close.
//
// Timestamps are nanoseconds on the stack's monotonic clock (supplied by
// the runtime collaborator), not the host wall clock.
package netstack

const (
	StatsOpen  = 0
	StatsClose = 1
)

var StateMap = map[int]string{
	StatsOpen:  "open",
	StatsClose: "close",
}

// ReportStatsFn receives a connection's accounting at each lifecycle
// event.
type ReportStatsFn func(stats *ConnStats, state int)

// ConnStats is the accounting record of one connection.
type ConnStats struct {
	ID     string
	Local  string
	Remote string

	OpenedAt    int64
	ClosedAt    int64
	FirstRxAt   int64
	FirstTxAt   int64
	LastRxAt    int64
	LastTxAt    int64
	TxBytes     int64
	RxBytes     int64
	Retransmits int64

	Details map[string]any
}

func NewConnStats(id, local, remote string, nowNano int64) *ConnStats {
	return &ConnStats{
		ID:       id,
		Local:    local,
		Remote:   remote,
		OpenedAt: nowNano,
		Details:  make(map[string]any),
	}
}

// RecordTx tracks n transmitted payload bytes.
func (c *ConnStats) RecordTx(n int, nowNano int64) {
	if c.TxBytes == 0 && n > 0 {
		c.FirstTxAt = nowNano
	}
	c.TxBytes += int64(n)
	c.LastTxAt = nowNano
}

// RecordRx tracks n received payload bytes.
func (c *ConnStats) RecordRx(n int, nowNano int64) {
	if c.RxBytes == 0 && n > 0 {
		c.FirstRxAt = nowNano
	}
	c.RxBytes += int64(n)
	c.LastRxAt = nowNano
}

// CloseAt stamps the connection's teardown time.
func (c *ConnStats) CloseAt(nowNano int64) {
	c.ClosedAt = nowNano
}
