// Package metrics exposes Prometheus counters/gauges for the proxy's own
// operation (not in spec.md — an operability supplement, same spirit as
// internal/adminhttp). Grounded on the teacher's use of
// prometheus/client_golang, which survived the trim with no instrumentation
// call site until this package gave it one.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	FramesParsed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liqiproxy",
		Name:      "frames_parsed_total",
		Help:      "Frames successfully decoded by the session parser, by direction.",
	}, []string{"direction"})

	FramesParseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liqiproxy",
		Name:      "frame_parse_errors_total",
		Help:      "Frames that failed to parse and were forwarded unchanged.",
	}, []string{"direction"})

	ModifierActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liqiproxy",
		Name:      "modifier_actions_total",
		Help:      "Rewrite/drop/inject actions taken by the modifier, by method and kind.",
	}, []string{"method", "action"})

	ForwarderQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "liqiproxy",
		Name:      "forwarder_queue_depth",
		Help:      "Current number of events buffered in the forwarder queue.",
	})

	ForwarderDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liqiproxy",
		Name:      "forwarder_drops_total",
		Help:      "Events dropped by the forwarder due to queue backpressure.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "liqiproxy",
		Name:      "active_sessions",
		Help:      "Currently open client<->server WebSocket sessions.",
	})
)

var activeSessionCount int64

// SessionOpened records a new session for both the Prometheus gauge and the
// plain counter internal/adminhttp's /debug/sessions reads without going
// through the collector registry.
func SessionOpened() {
	ActiveSessions.Inc()
	atomic.AddInt64(&activeSessionCount, 1)
}

// SessionClosed is SessionOpened's counterpart.
func SessionClosed() {
	ActiveSessions.Dec()
	atomic.AddInt64(&activeSessionCount, -1)
}

// ActiveSessionCount returns the current open-session count.
func ActiveSessionCount() int64 {
	return atomic.LoadInt64(&activeSessionCount)
}

// Registry is the process-wide collector registry, separate from the
// default global one so /metrics only ever exposes this proxy's own series.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		FramesParsed,
		FramesParseErrors,
		ModifierActions,
		ForwarderQueueDepth,
		ForwarderDropsTotal,
		ActiveSessions,
	)
}
