// Package instrument exposes node metrics to prometheus.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nebula"

// Signal outcomes
const (
	SignalSent       = "sent"
	SignalDelivered  = "delivered"
	SignalForwarded  = "forwarded"
	SignalDuplicate  = "duplicate"
	SignalUnknown    = "unknown_sender"
	SignalBadSig     = "bad_signature"
	SignalUndecrypt  = "decrypt_failed"
	SignalUnroutable = "unroutable"
)

// Registry holds every metric of this package
var Registry = prometheus.NewRegistry()

var (
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active relay sessions",
		},
	)
	acceptedConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_connections_total",
			Help:      "Number of accepted relay connections",
		},
	)
	framesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Number of decoded frames by message type",
		},
		[]string{"type"},
	)
	framesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Number of frames written by message type",
		},
		[]string{"type"},
	)
	framesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Number of rejected frames or messages by reason",
		},
		[]string{"reason"},
	)
	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Number of broadcast signals by outcome",
		},
		[]string{"outcome"},
	)
	directorySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_peers",
			Help:      "Number of peers in the directory",
		},
	)
	bridgedStreams = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridged_streams_total",
			Help:      "Number of hidden service streams bridged to the relay",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		activeSessions,
		acceptedConns,
		framesIn,
		framesOut,
		framesRejected,
		signals,
		directorySize,
		bridgedStreams,
	)
}

// Handler serves the registry in the prometheus exposition format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func SessionOpened() {
	activeSessions.Inc()
}

func SessionClosed() {
	activeSessions.Dec()
}

func Accepted() {
	acceptedConns.Inc()
}

func FrameIn(msgType string) {
	framesIn.WithLabelValues(msgType).Inc()
}

func FrameOut(msgType string) {
	framesOut.WithLabelValues(msgType).Inc()
}

// FrameRejected counts a frame or message dropped for reason
func FrameRejected(reason string) {
	framesRejected.WithLabelValues(reason).Inc()
}

// Signal counts a broadcast signal by outcome
func Signal(outcome string) {
	signals.WithLabelValues(outcome).Inc()
}

func DirectorySize(n int) {
	directorySize.Set(float64(n))
}

func BridgedStream() {
	bridgedStreams.Inc()
}
