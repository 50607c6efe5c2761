package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by all bridges of a gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	pending      *prometheus.GaugeVec
	frames       *prometheus.CounterVec
	handshakes   *prometheus.CounterVec
}

// Call outcomes used as the "outcome" label.
const (
	OutcomeOK         = "ok"
	OutcomeRemote     = "remote_error"
	OutcomeTimeout    = "timeout"
	OutcomeTerminated = "terminated"
	OutcomeCanceled   = "canceled"
	OutcomeWriteError = "write_error"
)

// Frame classes used as the "kind" label.
const (
	frameKindUnmatched = "unmatched"
)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbridge_calls_total",
				Help: "JSON-RPC calls made to workers, by outcome",
			},
			[]string{"service", "method", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolbridge_call_duration_seconds",
				Help:    "Time from writing a request to its completion",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"service", "method"},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolbridge_pending_calls",
				Help: "Calls currently waiting for a response",
			},
			[]string{"service"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbridge_frames_total",
				Help: "Lines read from worker stdout, by kind",
			},
			[]string{"service", "kind"},
		),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbridge_handshakes_total",
				Help: "Initialize handshakes, by outcome",
			},
			[]string{"service", "outcome"},
		),
	}
	reg.MustRegister(m.calls, m.callDuration, m.pending, m.frames, m.handshakes)
	return m
}

func (m *Metrics) observeCall(service, method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(service, method, outcome).Inc()
	m.callDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

func (m *Metrics) addPending(service string, delta float64) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(service).Add(delta)
}

func (m *Metrics) observeFrame(service, kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(service, kind).Inc()
}

func (m *Metrics) observeHandshake(service, outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(service, outcome).Inc()
}
