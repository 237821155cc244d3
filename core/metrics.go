package core

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics holds the monotonic counters and rolling averages the
// spec requires per transport instance.
type TransportMetrics struct {
	MessagesSent     uint64
	MessagesReceived uint64
	SendFailures     uint64
	ReceiveFailures  uint64
	BytesSent        uint64
	BytesReceived    uint64
	AverageLatencyMs float64
	ReliabilityScore float64
	LastUpdated      time.Time
}

// RecordSend folds a send attempt into the metrics: cumulative-mean
// latency on success, reliability EMA on every attempt (§4.4).
func (m *TransportMetrics) RecordSend(success bool, latencyMs float64, bytes int) {
	if success {
		m.MessagesSent++
		m.BytesSent += uint64(bytes)
		n := float64(m.MessagesSent)
		m.AverageLatencyMs = (m.AverageLatencyMs*(n-1) + latencyMs) / n
		m.ReliabilityScore = 0.9*m.ReliabilityScore + 0.1*1.0
	} else {
		m.SendFailures++
		m.ReliabilityScore = 0.9*m.ReliabilityScore + 0.1*0.0
	}
	m.LastUpdated = time.Now()
}

// RecordReceive folds an inbound message into the metrics.
func (m *TransportMetrics) RecordReceive(success bool, bytes int) {
	if success {
		m.MessagesReceived++
		m.BytesReceived += uint64(bytes)
	} else {
		m.ReceiveFailures++
	}
	m.LastUpdated = time.Now()
}

// UnifiedMetrics aggregates every transport's TransportMetrics plus totals
// computed across them. The write path is a single mutex; readers take the
// same lock and return a copy, matching the "writer lock, read-and-clone"
// discipline in §5.
type UnifiedMetrics struct {
	mu         sync.RWMutex
	perTransport map[TransportType]*TransportMetrics
	lastUpdated  time.Time

	reg        *prometheus.Registry
	sentGauge  *prometheus.GaugeVec
	failGauge  *prometheus.GaugeVec
	latGauge   *prometheus.GaugeVec
}

// NewUnifiedMetrics constructs an empty aggregator. If reg is non-nil, the
// per-transport series are also registered as Prometheus gauges so a host
// process can expose /metrics; passing nil keeps it purely in-memory,
// which is what every unit test does.
func NewUnifiedMetrics(reg *prometheus.Registry) *UnifiedMetrics {
	um := &UnifiedMetrics{
		perTransport: make(map[TransportType]*TransportMetrics),
	}
	if reg != nil {
		um.reg = reg
		um.sentGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synapse_transport_messages_sent",
			Help: "Messages sent per transport.",
		}, []string{"transport"})
		um.failGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synapse_transport_send_failures",
			Help: "Send failures per transport.",
		}, []string{"transport"})
		um.latGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synapse_transport_latency_ms",
			Help: "Average send latency per transport, milliseconds.",
		}, []string{"transport"})
		reg.MustRegister(um.sentGauge, um.failGauge, um.latGauge)
	}
	return um
}

// Update stores the latest snapshot for a transport and refreshes any
// registered Prometheus series.
func (u *UnifiedMetrics) Update(tt TransportType, m TransportMetrics) {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := m
	u.perTransport[tt] = &cp
	u.lastUpdated = time.Now()
	if u.reg != nil {
		label := string(tt)
		u.sentGauge.WithLabelValues(label).Set(float64(m.MessagesSent))
		u.failGauge.WithLabelValues(label).Set(float64(m.SendFailures))
		u.latGauge.WithLabelValues(label).Set(m.AverageLatencyMs)
	}
}

// Snapshot is the read-only aggregate returned by UnifiedMetrics.Aggregate.
type Snapshot struct {
	PerTransport          map[TransportType]TransportMetrics
	TotalMessagesSent     uint64
	TotalMessagesReceived uint64
	TotalFailures         uint64
	OverallReliability    float64
	AverageLatency        float64
	LastUpdated           time.Time
}

// Aggregate computes the totals defined in §4.5 from the current
// per-transport snapshots.
func (u *UnifiedMetrics) Aggregate() Snapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()

	snap := Snapshot{
		PerTransport: make(map[TransportType]TransportMetrics, len(u.perTransport)),
		LastUpdated:  u.lastUpdated,
	}

	var sentWithFailed uint64
	var latencySum float64
	var latencyCount int

	for tt, m := range u.perTransport {
		snap.PerTransport[tt] = *m
		snap.TotalMessagesSent += m.MessagesSent
		snap.TotalMessagesReceived += m.MessagesReceived
		snap.TotalFailures += m.SendFailures + m.ReceiveFailures
		sentWithFailed += m.MessagesSent + m.SendFailures
		if m.MessagesSent >= 1 {
			latencySum += m.AverageLatencyMs
			latencyCount++
		}
	}

	if sentWithFailed > 0 {
		snap.OverallReliability = float64(snap.TotalMessagesSent) / float64(sentWithFailed)
	}
	if latencyCount > 0 {
		snap.AverageLatency = latencySum / float64(latencyCount)
	}
	return snap
}
