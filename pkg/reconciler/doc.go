/*
Package reconciler runs the periodic pass that keeps delivery state
current between user commands.

Each tick, in order:

 1. ResolveUncertain: read the device status and settle commands whose
    outcome was unknown, comparing their IDs with the device's last
    applied command.
 2. RefreshStatus: poll the device so reservoir, alarms and health stay
    fresh. Active alarms are logged; terminal ones at error level.
 3. Finalize: move finished doses into the finalized log and report them.
    A failed report is retried on the next tick.

A step failure is logged and the pass moves on. The pass context times out
after one interval.

Metrics: infusion_reconciliation_duration_seconds and
infusion_reconciliation_cycles_total.
*/
package reconciler
