package messaging

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradenode",
		Subsystem: "messaging",
		Name:      "sent_total",
		Help:      "Outbound envelopes by kind and first-attempt result.",
	}, []string{"kind", "result"}) // "delivered", "queued", "rejected"

	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradenode",
		Subsystem: "messaging",
		Name:      "received_total",
		Help:      "Inbound envelopes by kind and outcome.",
	}, []string{"kind", "result"}) // "applied", "duplicate", "deferred", "rejected"

	outboxRedelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradenode",
		Subsystem: "messaging",
		Name:      "outbox_redelivered_total",
		Help:      "Queued envelopes eventually accepted by their recipient.",
	}, []string{"kind"})

	outboxDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradenode",
		Subsystem: "messaging",
		Name:      "outbox_dropped_total",
		Help:      "Queued envelopes abandoned, by reason.",
	}, []string{"reason"}) // "rejected", "max_attempts"
)

func init() {
	prometheus.MustRegister(
		messagesSent,
		messagesReceived,
		outboxRedelivered,
		outboxDropped,
	)
}
