/*
Package controller is the delivery controller: it validates insulin delivery
requests, sends them to the pump and commits the confirmed result to the
delivery state.

# Operations

Every operation blocks until the pump answers or its context ends:

	SetBasalSchedule  compile entries and send the basal program
	EnactBolus        deliver a bolus at the fixed bolus rate
	CancelBolus       stop the running bolus
	EnactTempBasal    override the basal rate for a whole number of slots
	CancelTempBasal   return to the basal program
	Suspend           stop all delivery, cancelling bolus and temp basal
	Resume            resend the stored basal program
	RefreshStatus     read the pump status
	ResolveUncertain  settle commands whose outcome is unknown
	Finalize          move finished doses to the log and report them

# Concurrency

Bolus, temp basal and suspend/resume each have an engagement flag. A second
request in a category that is already engaging or disengaging returns a
*BusyError at once. Requests in different categories queue on a single
device session, so a suspend waits for an in-flight bolus command and then
cancels the bolus along with everything else.

The delivery state is only locked to apply a confirmed change. Listeners
and the read methods get deep copies.

# Unknown outcomes

When a command fails in a way that may have reached the pump, its dose is
recorded as uncertain and handed to the UncertaintyHandler, and the caller
gets an *UncertainError. Before the next command is sent the controller
reads the pump status; the pump's last applied command ID decides whether
the uncertain dose becomes certain or is discarded. If the pump cannot be
read, new commands fail with ErrUnconfirmed.

# Reporting

After every operation finished doses move to the finalized log and a
report is requested on ReportRequests. Finalize, run by the reconciler on
that signal and on each tick, hands the log plus the still-open doses to
the DoseReporter and clears the log only after the reporter succeeds.
Operations never wait on the reporter. Reporters must accept the same
finalized dose more than once.

Example:

	sim := device.NewSimulator(device.SimulatorConfig{})
	ctrl, err := controller.New(controller.Config{Device: sim})
	if err != nil {
		return err
	}
	if _, err := ctrl.SetBasalSchedule(ctx, entries); err != nil {
		return err
	}
	rec, err := ctrl.EnactBolus(ctx, 2.5)
*/
package controller
