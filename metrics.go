package sftp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

// Metrics holds the Prometheus collectors that a Client reports into.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	// RequestsTotal counts requests sent, by packet type.
	RequestsTotal *prometheus.CounterVec

	// ResponsesTotal counts responses received, by packet type.
	ResponsesTotal *prometheus.CounterVec

	// RequestDuration tracks the round trip of requests, by packet type.
	RequestDuration *prometheus.HistogramVec

	// InflightRequests tracks requests awaiting a response.
	InflightRequests prometheus.Gauge

	// RequestErrorsTotal counts failed requests, by kind of failure.
	RequestErrorsTotal *prometheus.CounterVec

	// ReadAheadPending tracks read-ahead requests outstanding across all readers.
	ReadAheadPending prometheus.Gauge

	// ReadBytesTotal counts bytes delivered by readers.
	ReadBytesTotal prometheus.Counter
}

// NewMetrics creates the client metrics with the sftp_client_ prefix.
//
// If reg is nil, the collectors are created but not registered.
// A collector that is already registered with reg is reused,
// so that multiple clients can report into one registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sftp_client_requests_total",
				Help: "Total SFTP requests sent by packet type",
			},
			[]string{"type"},
		),
		ResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sftp_client_responses_total",
				Help: "Total SFTP responses received by packet type",
			},
			[]string{"type"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sftp_client_request_duration_seconds",
				Help:    "SFTP request round trip in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		InflightRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sftp_client_inflight_requests",
				Help: "Current number of SFTP requests awaiting a response",
			},
		),
		RequestErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sftp_client_request_errors_total",
				Help: "Total failed SFTP requests by kind",
			},
			[]string{"kind"}, // "status", "timeout", "canceled", "protocol", "connection", "not_supported"
		),
		ReadAheadPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sftp_client_readahead_pending",
				Help: "Current number of outstanding read-ahead requests",
			},
		),
		ReadBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sftp_client_read_bytes_total",
				Help: "Total bytes delivered by pipelined readers",
			},
		),
	}

	if reg != nil {
		m.RequestsTotal = registerOrReuse(reg, m.RequestsTotal).(*prometheus.CounterVec)
		m.ResponsesTotal = registerOrReuse(reg, m.ResponsesTotal).(*prometheus.CounterVec)
		m.RequestDuration = registerOrReuse(reg, m.RequestDuration).(*prometheus.HistogramVec)
		m.InflightRequests = registerOrReuse(reg, m.InflightRequests).(prometheus.Gauge)
		m.RequestErrorsTotal = registerOrReuse(reg, m.RequestErrorsTotal).(*prometheus.CounterVec)
		m.ReadAheadPending = registerOrReuse(reg, m.ReadAheadPending).(prometheus.Gauge)
		m.ReadBytesTotal = registerOrReuse(reg, m.ReadBytesTotal).(prometheus.Counter)
	}

	return m
}

// registerOrReuse registers c with reg, or returns the equal collector that is already registered.
// It panics on any other registration failure.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) recordRequest(typ sshfx.PacketType) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(typ.String()).Inc()
	m.InflightRequests.Inc()
}

func (m *Metrics) recordResponse(req, resp sshfx.PacketType, start time.Time) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(resp.String()).Inc()
	m.RequestDuration.WithLabelValues(req.String()).Observe(time.Since(start).Seconds())
}

func (m *Metrics) requestDone() {
	if m == nil {
		return
	}
	m.InflightRequests.Dec()
}

func (m *Metrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.RequestErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) readAheadIssued() {
	if m == nil {
		return
	}
	m.ReadAheadPending.Inc()
}

func (m *Metrics) readAheadDone() {
	if m == nil {
		return
	}
	m.ReadAheadPending.Dec()
}

func (m *Metrics) recordReadBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReadBytesTotal.Add(float64(n))
}
