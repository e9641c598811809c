package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collaboration collectors.
type Metrics struct {
	Sessions     prometheus.Gauge
	Peers        prometheus.Gauge
	Evictions    prometheus.Counter
	Updates      prometheus.Counter
	UpdateBytes  prometheus.Counter
	FramesIn     *prometheus.CounterVec
	PeersDropped *prometheus.CounterVec
	Loads        *prometheus.CounterVec
	Saves        *prometheus.CounterVec
	SaveDuration prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil reg registers on a private registry,
// which keeps tests and embedded uses free of global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "draftsync_sessions",
			Help: "Live collaboration sessions held by the registry.",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "draftsync_peers",
			Help: "Peers attached across all sessions.",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "draftsync_session_evictions_total",
			Help: "Sessions removed from the registry after a successful persist.",
		}),
		Updates: f.NewCounter(prometheus.CounterOpts{
			Name: "draftsync_updates_applied_total",
			Help: "Document updates merged into sessions.",
		}),
		UpdateBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "draftsync_update_bytes_total",
			Help: "Bytes of document updates merged into sessions.",
		}),
		FramesIn: f.NewCounterVec(prometheus.CounterOpts{
			Name: "draftsync_frames_received_total",
			Help: "Inbound protocol frames by kind.",
		}, []string{"kind"}),
		PeersDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "draftsync_peers_dropped_total",
			Help: "Peers disconnected by the server, by reason.",
		}, []string{"reason"}),
		Loads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "draftsync_loads_total",
			Help: "Persisted state loads by result.",
		}, []string{"result"}),
		Saves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "draftsync_saves_total",
			Help: "Save attempts by result.",
		}, []string{"result"}),
		SaveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "draftsync_save_duration_seconds",
			Help:    "Duration of successful saves.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}
