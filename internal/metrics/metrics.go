package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NodesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cnc_nodes_connected",
		Help: "Number of node agents with a live session.",
	})
	NodesRegisteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cnc_nodes_registered_total",
		Help: "Total number of successful node registrations.",
	})
	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cnc_sessions_rejected_total",
		Help: "Total number of node sessions rejected, by close reason.",
	}, []string{"reason"})
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cnc_commands_dispatched_total",
		Help: "Total number of commands written to node agents, by type.",
	}, []string{"type"})
	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cnc_commands_completed_total",
		Help: "Total number of command completions, by type and disposition.",
	}, []string{"type", "status"})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cnc_command_duration_seconds",
		Help:    "Time from command dispatch to result.",
		Buckets: prometheus.DefBuckets,
	})
	ProtocolFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cnc_protocol_validation_failures_total",
		Help: "Total number of protocol validation failures, by direction and message type.",
	}, []string{"direction", "type"})
	WakeSchedulesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cnc_wake_schedules_processed_total",
		Help: "Total number of wake schedules materialised into commands.",
	})
	HostsUnreachableMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cnc_hosts_marked_unreachable_total",
		Help: "Total number of hosts marked unreachable after node loss.",
	})
)
