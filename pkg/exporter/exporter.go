// Package exporter exposes the stack's protocol state as Prometheus
// metrics: per-connection TCP congestion/retransmission gauges plus
// ARP cache and UDP queue depth gauges. Connections are registered by
// correlation id as they are established and removed as they close.
package exporter

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnMetrics is a point-in-time snapshot of one TCP connection.
type ConnMetrics struct {
	State         string
	Cwnd          uint32
	Ssthresh      uint32
	BytesInFlight uint32
	RTOSeconds    float64
	SRTTSeconds   float64
	DuplicateAcks uint32
	Retransmits   uint64
	TxBytes       int64
	RxBytes       int64
}

// ConnMetricsFn produces a fresh snapshot for one registered connection.
// Returning an error drops the connection from the collector.
type ConnMetricsFn func() (*ConnMetrics, error)

type info struct {
	description *prometheus.Desc
	supplier    func(m *ConnMetrics, labelValues []string) prometheus.Metric
}

type connEntry struct {
	fn     ConnMetricsFn
	labels []string
}

// StackCollector is a prometheus.Collector over the stack's live state.
// The mutex guards the registration map against the Prometheus scrape
// goroutine; snapshots themselves are produced on the scrape.
type StackCollector struct {
	conns  map[string]connEntry
	mu     sync.Mutex
	logger func(error)
	infos  []info

	arpCacheSize  func() int
	arpPending    func() int
	udpQueueDepth func() int

	arpCacheDesc   *prometheus.Desc
	arpPendingDesc *prometheus.Desc
	udpQueueDesc   *prometheus.Desc
}

func (t *StackCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range t.infos {
		descs <- info.description
	}
	descs <- t.arpCacheDesc
	descs <- t.arpPendingDesc
	descs <- t.udpQueueDesc
}

func (t *StackCollector) Collect(metrics chan<- prometheus.Metric) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, entry := range t.conns {
		m, err := entry.fn()
		if err != nil {
			t.logger(fmt.Errorf("error snapshotting connection (removing conn %s): %w", id, err))

			delete(t.conns, id)
			continue
		}

		for _, info := range t.infos {
			metrics <- info.supplier(m, entry.labels)
		}
	}

	if t.arpCacheSize != nil {
		metrics <- prometheus.MustNewConstMetric(t.arpCacheDesc, prometheus.GaugeValue, float64(t.arpCacheSize()))
	}
	if t.arpPending != nil {
		metrics <- prometheus.MustNewConstMetric(t.arpPendingDesc, prometheus.GaugeValue, float64(t.arpPending()))
	}
	if t.udpQueueDepth != nil {
		metrics <- prometheus.MustNewConstMetric(t.udpQueueDesc, prometheus.GaugeValue, float64(t.udpQueueDepth()))
	}
}

// Add registers a connection under id with its label values.
func (t *StackCollector) Add(id string, labels []string, fn ConnMetricsFn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conns[id] = connEntry{fn: fn, labels: labels}
}

// Remove drops a connection from the collector.
func (t *StackCollector) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, id)
}

// SetARPSources wires the ARP cache size and pending-query gauges.
func (t *StackCollector) SetARPSources(cacheSize, pending func() int) {
	t.arpCacheSize = cacheSize
	t.arpPending = pending
}

// SetUDPSource wires the UDP queue depth gauge.
func (t *StackCollector) SetUDPSource(queueDepth func() int) {
	t.udpQueueDepth = queueDepth
}

func NewStackCollector(
	prefix string,
	connectionLabels []string, // connectionLabels are known up front for the collector and values are provided when adding a connection.
	constLabels prometheus.Labels, // constLabels is meant for labels with values that are constant for the whole process.
	errorLoggingCallback func(error),
) *StackCollector {
	t := StackCollector{
		conns:  make(map[string]connEntry),
		logger: errorLoggingCallback,
	}
	t.addMetrics(prefix, connectionLabels, constLabels)
	return &t
}

func (t *StackCollector) addMetrics(prefix string, connectionLabels []string, constLabels prometheus.Labels) {
	gauge := func(name, help string, value func(m *ConnMetrics) float64) info {
		desc := prometheus.NewDesc(prefix+name, help, connectionLabels, constLabels)
		return info{
			description: desc,
			supplier: func(m *ConnMetrics, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value(m), labelValues...)
			},
		}
	}
	counter := func(name, help string, value func(m *ConnMetrics) float64) info {
		desc := prometheus.NewDesc(prefix+name, help, connectionLabels, constLabels)
		return info{
			description: desc,
			supplier: func(m *ConnMetrics, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, value(m), labelValues...)
			},
		}
	}

	t.infos = []info{
		gauge("tcp_cwnd_bytes", "Congestion window size.", func(m *ConnMetrics) float64 { return float64(m.Cwnd) }),
		gauge("tcp_ssthresh_bytes", "Slow-start threshold.", func(m *ConnMetrics) float64 { return float64(m.Ssthresh) }),
		gauge("tcp_bytes_in_flight", "Unacknowledged bytes in flight.", func(m *ConnMetrics) float64 { return float64(m.BytesInFlight) }),
		gauge("tcp_rto_seconds", "Current retransmission timeout.", func(m *ConnMetrics) float64 { return m.RTOSeconds }),
		gauge("tcp_srtt_seconds", "Smoothed round-trip time.", func(m *ConnMetrics) float64 { return m.SRTTSeconds }),
		gauge("tcp_duplicate_acks", "Consecutive duplicate ACKs observed.", func(m *ConnMetrics) float64 { return float64(m.DuplicateAcks) }),
		counter("tcp_retransmits_total", "Segments retransmitted.", func(m *ConnMetrics) float64 { return float64(m.Retransmits) }),
		counter("tcp_tx_bytes_total", "Payload bytes transmitted.", func(m *ConnMetrics) float64 { return float64(m.TxBytes) }),
		counter("tcp_rx_bytes_total", "Payload bytes received.", func(m *ConnMetrics) float64 { return float64(m.RxBytes) }),
	}

	t.arpCacheDesc = prometheus.NewDesc(prefix+"arp_cache_entries", "Entries held by the ARP cache.", nil, constLabels)
	t.arpPendingDesc = prometheus.NewDesc(prefix+"arp_pending_queries", "Outstanding ARP resolutions.", nil, constLabels)
	t.udpQueueDesc = prometheus.NewDesc(prefix+"udp_queued_datagrams", "Datagrams queued across UDP listeners and the deferred-send backlog.", nil, constLabels)
}
