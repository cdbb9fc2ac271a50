// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connections and room membership, counters for message
// throughput and moderation activity, and a histogram for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pitchtalk_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat messages processed, labeled by type:
	// "received", "sent" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchtalk_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// RejectionsTotal counts refused sends by reason label.
	RejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchtalk_rejections_total",
		Help: "Total number of rejected chat messages",
	}, []string{"reason"})

	// MessageLatency records send pipeline latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pitchtalk_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoomMembers tracks the current number of connections in each room.
	RoomMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pitchtalk_room_members",
		Help: "Current number of connections joined to each room",
	}, []string{"room"})

	// ReportsTotal counts accepted message reports.
	ReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pitchtalk_reports_total",
		Help: "Total number of message reports submitted",
	})

	// ModerationActionsTotal counts admin actions labeled "ban" or "unban".
	ModerationActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchtalk_moderation_actions_total",
		Help: "Total number of moderation actions taken by admins",
	}, []string{"action"})

	// ModerationEventsConsumed counts events seen by the audit consumer.
	ModerationEventsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchtalk_moderation_events_consumed_total",
		Help: "Total number of moderation events consumed from the bus",
	}, []string{"kind"})

	// RoomFeedConsumed counts room messages seen by the audit consumer.
	RoomFeedConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchtalk_room_feed_consumed_total",
		Help: "Total number of room messages consumed from the bus",
	}, []string{"room"})

	// FramesRejected counts WebSocket frames refused for exceeding the size cap.
	FramesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pitchtalk_frames_rejected_total",
		Help: "Total number of oversized WebSocket frames rejected",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		RejectionsTotal,
		MessageLatency,
		RoomMembers,
		ReportsTotal,
		ModerationActionsTotal,
		ModerationEventsConsumed,
		RoomFeedConsumed,
		FramesRejected,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
