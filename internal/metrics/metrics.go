// Package metrics holds the Prometheus collectors for the negotiation core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peerlink_active_sessions",
		Help: "Number of sessions whose event loop is running",
	})
	OpenChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peerlink_mux_open_channels",
		Help: "Number of multiplexer channels currently open",
	})
)

// Counters
var (
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerlink_sessions_created_total",
		Help: "Total sessions created",
	})
	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlink_session_state_transitions_total",
		Help: "Session state transitions by destination state",
	}, []string{"state"})
	CandidatesGatheredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlink_candidates_gathered_total",
		Help: "Local candidates emitted by the gatherer by type",
	}, []string{"type"})
	GatheringTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerlink_gathering_timeouts_total",
		Help: "STUN/TURN servers that did not answer within the gathering timeout",
	})
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlink_connectivity_checks_total",
		Help: "Connectivity checks by outcome",
	}, []string{"outcome"})
	PairSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlink_pair_switches_total",
		Help: "Active pair changes by reason",
	}, []string{"reason"})
	MuxPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlink_mux_packets_total",
		Help: "Multiplexer packets by direction",
	}, []string{"direction"})
	MuxDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlink_mux_dropped_total",
		Help: "Multiplexer packets dropped by reason",
	}, []string{"reason"})
	SignalingDecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerlink_signaling_decode_errors_total",
		Help: "Inbound signaling messages that failed to decode",
	})
)

// Histograms
var (
	CheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "peerlink_connectivity_check_duration_ms",
		Help:    "Connectivity check duration in milliseconds by outcome",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"outcome"})
)
