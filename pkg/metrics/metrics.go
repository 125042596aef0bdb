package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pidtrap"

var (
	TracepointsInstalled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracepoints_installed",
		Help:      "Number of tracepoints currently present in the tracepoint table.",
	})
	TracepointBudgetUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracepoint_budget_used",
		Help:      "Number of tracepoint slots reserved by existing probes.",
	})
	Providers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "providers",
		Help:      "Number of provider records, retired ones included.",
	})
	TracedProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "traced_processes",
		Help:      "Number of process records in the process registry.",
	})
	EnableFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enable_failures_total",
		Help:      "Probe enable attempts that failed.",
	}, []string{"reason"})
	ProbeCreateErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_create_errors_total",
		Help:      "Probe creation requests that were declined.",
	}, []string{"reason"})
	ProcessTerminations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "process_terminations_total",
		Help:      "Traced processes killed after a failed instruction restore.",
	})
	BarrierRetirements = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barrier_retirements_total",
		Help:      "Generations retired by the modification barrier.",
	})
	CleanupPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_passes_total",
		Help:      "Provider cleanup passes, by outcome.",
	}, []string{"outcome"})
)

// InitMetrics registers every collector of the package on registry.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(
		TracepointsInstalled,
		TracepointBudgetUsed,
		Providers,
		TracedProcesses,
		EnableFailures,
		ProbeCreateErrors,
		ProcessTerminations,
		BarrierRetirements,
		CleanupPasses,
	)
}
