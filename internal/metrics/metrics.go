// Package metrics counts what the channel layer does on the wire.
//
// All methods are safe to call on a nil *Metrics, which keeps tests and
// callers that don't care about metrics free of nil checks.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bigbattle"

// Drop reasons.
const (
	DropDuplicate = "duplicate"
	DropOversize  = "oversize"
	DropMalformed = "malformed"
	DropDecode    = "decode"
)

// Disconnect reasons.
const (
	DisconnectZeroRead   = "zero_read"
	DisconnectSendFailed = "send_failed"
	DisconnectIdle       = "idle"
	DisconnectKicked     = "kicked"
)

type Metrics struct {
	registry *prometheus.Registry

	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	framesDropped  *prometheus.CounterVec
	seqGaps        prometheus.Counter
	bytesSent      prometheus.Counter
	bytesReceived  prometheus.Counter
	activePeers    prometheus.Gauge
	disconnects    *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the socket",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames accepted into a channel inbox",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped, by reason",
		}, []string{"reason"}),
		seqGaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Accepted frames whose id was not the expected next id",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes accepted by the socket",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from the socket",
		}),
		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Peers with a live channel",
		}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Peers torn down, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameSent(n int) {
	if m == nil {
		return
	}
	m.framesSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SeqGap() {
	if m == nil {
		return
	}
	m.seqGaps.Inc()
}

func (m *Metrics) BytesReceived(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.activePeers.Inc()
}

func (m *Metrics) PeerDisconnected(reason string) {
	if m == nil {
		return
	}
	m.activePeers.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

// Handler serves the registry on /metrics and a liveness probe on /healthz.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	}

	return r
}
