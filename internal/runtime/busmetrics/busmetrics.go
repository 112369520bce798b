// Package busmetrics exposes Prometheus counters for the messaging and
// trust layers. Collectors register on the default registerer; the
// lifecycle optionally serves them via promhttp.
package busmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buskit",
		Name:      "messages_published_total",
		Help:      "Messages published to the operational exchange.",
	}, []string{"message_type"})

	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buskit",
		Name:      "messages_consumed_total",
		Help:      "Messages handled per queue, labelled by outcome.",
	}, []string{"queue", "outcome"})

	MessagesRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buskit",
		Name:      "messages_retried_total",
		Help:      "Messages republished for retry after a handler failure.",
	}, []string{"queue"})

	MessagesDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buskit",
		Name:      "messages_dead_lettered_total",
		Help:      "Messages rejected to the dead-letter exchange.",
	}, []string{"queue"})

	AuditEventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buskit",
		Name:      "audit_events_published_total",
		Help:      "Audit events successfully published to the audit exchange.",
	})

	AuditEventsSpilled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buskit",
		Name:      "audit_events_spilled_total",
		Help:      "Audit events written to the local spill buffer after a publish failure.",
	})

	AuthzDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buskit",
		Name:      "authz_decisions_total",
		Help:      "Authorization check outcomes.",
	}, []string{"decision"})

	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buskit",
		Name:      "registry_heartbeats_total",
		Help:      "Heartbeats sent to the service registry, labelled by result.",
	}, []string{"result"})
)
