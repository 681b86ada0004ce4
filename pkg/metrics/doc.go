/*
Package metrics provides Prometheus metrics and health reporting for the
infusion daemon.

All collectors are registered with the default Prometheus registry at init
and served by Handler on /metrics.

# Metrics

Device commands:

	infusion_commands_total{op,outcome}          outcome: applied, rejected, uncertain, fault
	infusion_command_duration_seconds{op}

Doses:

	infusion_doses_finalized_total{type}
	infusion_units_delivered_total{type}

Delivery state (refreshed by Collector):

	infusion_engagement_state{category}          0 stable, 1 engaging, -1 disengaging
	infusion_uncertain_commands
	infusion_basal_rate_units_per_hour
	infusion_reservoir_units

Reconciliation and persistence:

	infusion_reconciliation_duration_seconds
	infusion_reconciliation_cycles_total
	infusion_report_failures_total
	infusion_state_persist_failures_total

# Health

The package keeps one HealthChecker for the process. Components register
themselves with RegisterComponent and report changes with UpdateComponent.
GetReadiness is "ready" only while every critical component (see
SetCritical) is healthy; HealthHandler, ReadyHandler and LivenessHandler
expose the same data over HTTP.

# Usage

	timer := metrics.NewTimer()
	status, err := dev.Status(ctx)
	timer.ObserveDurationVec(metrics.CommandDuration, "status")

	collector := metrics.NewCollector(ctrl, 15*time.Second)
	collector.Start()
	defer collector.Stop()
*/
package metrics
