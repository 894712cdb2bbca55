package monitoring

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

// Metrics holds the receive-path counters and a private Prometheus registry.
// Other components publish their own counters through AddCounterFunc.
type Metrics struct {
	Datagrams     atomic.Uint64
	Bytes         atomic.Uint64
	Decoded       atomic.Uint64
	UnknownLength atomic.Uint64
	InvalidValue  atomic.Uint64
	QueueDrops    atomic.Uint64

	mu       sync.Mutex
	lastLog  time.Time
	lastSeen uint64

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with its collectors registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lastLog:  time.Now(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.AddCounterFunc("fh5_datagrams_received_total", "Datagrams read from the telemetry socket",
		func() float64 { return float64(m.Datagrams.Load()) })
	m.AddCounterFunc("fh5_datagram_bytes_total", "Bytes read from the telemetry socket",
		func() float64 { return float64(m.Bytes.Load()) })
	m.AddCounterFunc("fh5_frames_decoded_total", "Datagrams decoded into frames",
		func() float64 { return float64(m.Decoded.Load()) })
	m.AddCounterFunc("fh5_decode_unknown_length_total", "Datagrams dropped for an unknown length",
		func() float64 { return float64(m.UnknownLength.Load()) })
	m.AddCounterFunc("fh5_decode_invalid_value_total", "Datagrams dropped for a NaN or Inf channel",
		func() float64 { return float64(m.InvalidValue.Load()) })
	m.AddCounterFunc("fh5_queue_drops_total", "Frames evicted from the receive queue",
		func() float64 { return float64(m.QueueDrops.Load()) })
}

// AddCounterFunc exposes a monotonically increasing value owned elsewhere.
func (m *Metrics) AddCounterFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help}, fn))
}

// AddGaugeFunc exposes a value that can go up and down.
func (m *Metrics) AddGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// AddDatagram records one datagram of n bytes.
func (m *Metrics) AddDatagram(n int) {
	m.Datagrams.Add(1)
	m.Bytes.Add(uint64(n))
}

// AddDecoded records a datagram that became a frame.
func (m *Metrics) AddDecoded() { m.Decoded.Add(1) }

// AddDecodeError classifies a decoder failure.
func (m *Metrics) AddDecodeError(err error) {
	switch {
	case errors.Is(err, telemetry.ErrUnknownLength):
		m.UnknownLength.Add(1)
	case errors.Is(err, telemetry.ErrInvalidValue):
		m.InvalidValue.Add(1)
	}
}

// AddQueueDrop records a frame evicted by the drop-oldest policy.
func (m *Metrics) AddQueueDrop() { m.QueueDrops.Add(1) }

// DecodeErrors is the total of all decoder failures.
func (m *Metrics) DecodeErrors() uint64 {
	return m.UnknownLength.Load() + m.InvalidValue.Load()
}

// LogStats writes a one-line summary of the receive path since the last call.
func (m *Metrics) LogStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	total := m.Datagrams.Load()
	elapsed := now.Sub(m.lastLog).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(total-m.lastSeen) / elapsed
	}
	Logf("telemetry: %d datagrams (%.1f/s), %d decoded, %d unknown length, %d invalid, %d queue drops",
		total, rate, m.Decoded.Load(), m.UnknownLength.Load(), m.InvalidValue.Load(), m.QueueDrops.Load())
	m.lastLog = now
	m.lastSeen = total
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
