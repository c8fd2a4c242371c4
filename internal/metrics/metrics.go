// Package metrics tracks router throughput with relaxed atomic counters and
// exposes them both as a periodic structured-log line and as Prometheus
// counters behind an HTTP handler.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Metrics holds the four monotonic counters spec.md §3 defines, updated
// with relaxed atomic increments and read with relaxed atomic loads. There
// is no lock: sync/atomic is the correct tool for a handful of
// independently-updated word-sized counters, and no third-party metrics
// library in the example pack improves on that for the hot path (Prometheus
// client_golang is layered on top purely for the scrape surface, see below).
type Metrics struct {
	received    atomic.Uint64
	routed      atomic.Uint64
	dropped     atomic.Uint64
	bytesRouted atomic.Uint64
	startTime   time.Time

	promReceived    prometheus.Counter
	promRouted      prometheus.Counter
	promDropped     prometheus.Counter
	promBytesRouted prometheus.Counter
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	Received    uint64
	Routed      uint64
	Dropped     uint64
	BytesRouted uint64
	Uptime      time.Duration
}

// New creates a Metrics instance and registers its Prometheus counters
// against reg. Pass a fresh prometheus.NewRegistry() in tests to avoid
// collisions with the global default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		promReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mavrouter",
			Name:      "frames_received_total",
			Help:      "Total MAVLink frames received on any endpoint.",
		}),
		promRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mavrouter",
			Name:      "frames_routed_total",
			Help:      "Total MAVLink frames successfully forwarded to a destination.",
		}),
		promDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mavrouter",
			Name:      "frames_dropped_total",
			Help:      "Total forwarding attempts dropped due to backpressure.",
		}),
		promBytesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mavrouter",
			Name:      "bytes_routed_total",
			Help:      "Total bytes successfully forwarded.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.promReceived, m.promRouted, m.promDropped, m.promBytesRouted)
	}

	return m
}

// RecordReceived counts one frame arriving on any endpoint.
func (m *Metrics) RecordReceived() {
	m.received.Add(1)
	m.promReceived.Inc()
}

// RecordRouted counts one successful forward of frameLen bytes.
func (m *Metrics) RecordRouted(frameLen int) {
	m.routed.Add(1)
	m.bytesRouted.Add(uint64(frameLen))
	m.promRouted.Inc()
	m.promBytesRouted.Add(float64(frameLen))
}

// RecordDropped counts one forwarding attempt abandoned due to
// backpressure. Never logged above warn level per spec.md §7.
func (m *Metrics) RecordDropped() {
	m.dropped.Add(1)
	m.promDropped.Inc()
}

// Snapshot reads all counters and the elapsed uptime.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Received:    m.received.Load(),
		Routed:      m.routed.Load(),
		Dropped:     m.dropped.Load(),
		BytesRouted: m.bytesRouted.Load(),
		Uptime:      time.Since(m.startTime),
	}
}

// RunStatsLogger logs a structured summary every interval until stop is
// closed. A zero interval disables logging entirely (spec.md §6,
// stats_interval_secs = 0).
func (m *Metrics) RunStatsLogger(stop <-chan struct{}, interval time.Duration, logger *logrus.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := m.Snapshot()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cur := m.Snapshot()
			secs := interval.Seconds()
			msgDelta := cur.Routed - last.Routed
			byteDelta := cur.BytesRouted - last.BytesRouted

			logger.WithFields(logrus.Fields{
				"uptime_s":      int(cur.Uptime.Seconds()),
				"received":      cur.Received,
				"routed":        cur.Routed,
				"dropped":       cur.Dropped,
				"bytes_routed":  cur.BytesRouted,
				"msgs_per_sec":  float64(msgDelta) / secs,
				"kbytes_per_sec": float64(byteDelta) / 1024 / secs,
			}).Info("performance stats")

			if cur.Dropped > last.Dropped {
				logger.WithField("dropped_in_window", cur.Dropped-last.Dropped).
					Warn("backpressure detected")
			}

			last = cur
		}
	}
}
