package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "assoc_chat",
		Name:      "messages_sent_total",
		Help:      "Messages appended through the send path.",
	})

	MessageSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "assoc_chat",
		Name:      "message_send_failures_total",
		Help:      "Sends the external collaborator rejected.",
	})

	DeliveryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assoc_chat",
		Name:      "delivery_transitions_total",
		Help:      "Delivery status changes by target status.",
	}, []string{"status"})

	ReactionsToggled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assoc_chat",
		Name:      "reactions_toggled_total",
		Help:      "Reaction toggles by direction.",
	}, []string{"direction"})

	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "assoc_chat",
		Name:      "open_sessions",
		Help:      "Conversation sessions currently held in memory.",
	})

	WSClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "assoc_chat",
		Name:      "ws_clients",
		Help:      "Connected websocket clients by stream.",
	}, []string{"stream"})

	StoriesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "assoc_chat",
		Name:      "stories_created_total",
		Help:      "Stories published.",
	})

	StoryViews = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "assoc_chat",
		Name:      "story_views_total",
		Help:      "Distinct story views recorded.",
	})

	StoriesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "assoc_chat",
		Name:      "stories_expired_total",
		Help:      "Stories removed by the expiry janitor.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assoc_chat",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-user limiter.",
	}, []string{"route"})
)
