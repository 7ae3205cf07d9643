package order

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradenode",
		Subsystem: "order",
		Name:      "transitions_total",
		Help:      "Order state transitions applied to local replicas.",
	}, []string{"role", "to"})

	protocolRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradenode",
		Subsystem: "order",
		Name:      "protocol_rejects_total",
		Help:      "Inbound protocol messages not applied, by kind and reason.",
	}, []string{"kind", "reason"}) // "behind", "invalid"
)

func init() {
	prometheus.MustRegister(transitionsTotal, protocolRejects)
}
