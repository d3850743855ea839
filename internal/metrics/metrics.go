// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

// Package metrics provides Prometheus instrumentation for the
// collaboration engine: session and participant gauges, event counters,
// and broker interaction counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session registry metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_active_sessions",
			Help: "Number of sessions with at least one local participant",
		},
	)

	ConnectedParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_connected_participants",
			Help: "Number of participants connected to this process",
		},
	)

	// Event flow metrics
	EventsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_events_accepted_total",
			Help: "Total collaboration events accepted from participants",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_events_dropped_total",
			Help: "Total inbound messages dropped",
		},
		[]string{"reason"}, // "malformed", "unsupported_type"
	)

	BroadcastSendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_broadcast_send_failures_total",
			Help: "Total per-participant delivery failures during local fan-out",
		},
	)

	// Cross-process relay metrics
	RelayPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_relay_published_total",
			Help: "Total events published to the shared relay channel",
		},
	)

	RelayPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_relay_publish_errors_total",
			Help: "Total failed relay publishes",
		},
	)

	RelayReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_relay_received_total",
			Help: "Total events received from the shared relay channel",
		},
	)

	RelayDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_relay_dropped_total",
			Help: "Total relay messages dropped before local delivery",
		},
		[]string{"reason"}, // "own_origin", "decode_error", "no_local_session"
	)

	// History store metrics
	HistoryAppendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_history_append_errors_total",
			Help: "Total failed history appends (broker unavailable or breaker open)",
		},
	)

	HistoryReplayErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_history_replay_errors_total",
			Help: "Total failed history reads during join replay",
		},
	)
)
