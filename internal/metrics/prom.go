package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes.
const (
	OutcomeHandled = "handled"
	OutcomeAsync   = "async"
	OutcomeDropped = "dropped"
	OutcomeError   = "error"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "subrelay_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "background"},
		},
		[]string{"date", "sha", "version"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subrelay_dispatch_total",
			Help: "Inbound envelopes by sender and dispatch outcome",
		},
		[]string{"sender", "outcome"},
	)

	livePlayers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subrelay_live_players",
			Help: "Player UIs with a recent heartbeat",
		},
	)

	liveVideos = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subrelay_live_videos",
			Help: "Video elements with a recent heartbeat",
		},
	)

	broadcastFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subrelay_broadcast_failures_total",
			Help: "Tabs skipped while broadcasting the live set",
		},
	)

	connectedContexts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subrelay_connected_contexts",
			Help: "Connected contexts by kind",
		},
		[]string{"kind"},
	)

	frameFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subrelay_frame_fetch_total",
			Help: "Frame bridge fetch pass-through results",
		},
		[]string{"result"},
	)
)

// Register registers all collectors with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, dispatchTotal, livePlayers, liveVideos, broadcastFailures, connectedContexts, frameFetchTotal)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordDispatch counts one dispatched envelope.
func RecordDispatch(sender, outcome string) {
	dispatchTotal.WithLabelValues(sender, outcome).Inc()
}

// SetLive publishes the size of the live set after a sweep.
func SetLive(players, videos int) {
	livePlayers.Set(float64(players))
	liveVideos.Set(float64(videos))
}

// RecordBroadcastFailure counts a tab skipped during broadcast.
func RecordBroadcastFailure() { broadcastFailures.Inc() }

// ContextConnected and ContextDisconnected track connected peers.
func ContextConnected(kind string)    { connectedContexts.WithLabelValues(kind).Inc() }
func ContextDisconnected(kind string) { connectedContexts.WithLabelValues(kind).Dec() }

// RecordFrameFetch counts a fetch pass-through by result (ok, error, timeout).
func RecordFrameFetch(result string) {
	frameFetchTotal.WithLabelValues(result).Inc()
}
