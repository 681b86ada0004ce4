package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infusion_commands_total",
			Help: "Total number of device commands by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infusion_command_duration_seconds",
			Help:    "Device command round trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Dose metrics
	DosesFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infusion_doses_finalized_total",
			Help: "Total number of doses moved to the finalized log by type",
		},
		[]string{"type"},
	)

	UnitsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infusion_units_delivered_total",
			Help: "Insulin units in finalized doses by type",
		},
		[]string{"type"},
	)

	// Delivery state metrics
	EngagementState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infusion_engagement_state",
			Help: "Outstanding change per category (0 = stable, 1 = engaging, -1 = disengaging)",
		},
		[]string{"category"},
	)

	UncertainCommands = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infusion_uncertain_commands",
			Help: "Device commands whose outcome is not yet confirmed",
		},
	)

	BasalRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infusion_basal_rate_units_per_hour",
			Help: "Effective basal rate after suspend and temp basal precedence",
		},
	)

	ReservoirUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infusion_reservoir_units",
			Help: "Reservoir volume from the last device status",
		},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "infusion_reconciliation_duration_seconds",
			Help:    "Time taken by one finalize and recovery pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "infusion_reconciliation_cycles_total",
			Help: "Total number of reconciliation passes",
		},
	)

	ReportFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "infusion_report_failures_total",
			Help: "Dose reports that were not acknowledged and will be retried",
		},
	)

	PersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "infusion_state_persist_failures_total",
			Help: "Failed writes of the delivery state blob",
		},
	)
)

func init() {
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(DosesFinalized)
	prometheus.MustRegister(UnitsDelivered)
	prometheus.MustRegister(EngagementState)
	prometheus.MustRegister(UncertainCommands)
	prometheus.MustRegister(BasalRate)
	prometheus.MustRegister(ReservoirUnits)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCycles)
	prometheus.MustRegister(ReportFailures)
	prometheus.MustRegister(PersistFailures)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
