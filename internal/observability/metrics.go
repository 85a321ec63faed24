// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry and Prometheus for system monitoring.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CommandsIngestedTotal counts commands accepted by the ingress, by
	// command name.
	CommandsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemogo_commands_ingested_total",
			Help: "Total number of commands accepted by the ingress",
		},
		[]string{"command"},
	)
	// EventsJournaledTotal counts events durably written to the journal,
	// by event name.
	EventsJournaledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemogo_events_journaled_total",
			Help: "Total number of events durably journaled",
		},
		[]string{"event"},
	)
	// MailboxDepth is a gauge of a processor's pending-message count.
	MailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mnemogo_processor_mailbox_depth",
			Help: "Number of messages queued in a processor's mailbox",
		},
		[]string{"entity_id"},
	)
	// DispatcherCommitFailuresTotal counts chunks the dispatcher left
	// uncommitted because of a retryable failure.
	DispatcherCommitFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemogo_dispatcher_commit_failures_total",
			Help: "Total number of chunks left uncommitted for redelivery",
		},
		[]string{"topic"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(CommandsIngestedTotal)
	prometheus.MustRegister(EventsJournaledTotal)
	prometheus.MustRegister(MailboxDepth)
	prometheus.MustRegister(DispatcherCommitFailuresTotal)
}
