/*
Package log provides structured logging for the delivery engine using zerolog.

A single global zerolog.Logger is configured once by Init from the daemon or
CLI entry point. Every other package derives a child logger from it with
WithComponent and adds request context with the field helpers, so that one
delivery command can be followed across the controller, the device
simulator, the reconciler and the reporters by its command_id.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stdout,
	})

JSONOutput selects machine-readable lines for a supervised daemon; the
console writer is meant for the interactive CLI.

# Context Loggers

	logger := log.WithComponent("controller")
	cmdLog := log.WithDoseType(log.WithCommandID(logger, id), "bolus")
	cmdLog.Info().Float64("units", 1.5).Msg("bolus enacted")

Produces:

	{"level":"info","component":"controller","command_id":"6f1c...","dose_type":"bolus","units":1.5,"time":"...","message":"bolus enacted"}

Field names used across the module:

	component    package emitting the line
	command_id   device command identity (uuid)
	dose_type    bolus, tempBasal, suspend or resume
	op           controller operation
	outcome      ok, rejected, failed, uncertain

# Levels

Debug is for per-pass reconciler chatter, Info for every device command and
state transition, Warn for recoverable device failures and report retries,
Error for unrecoverable device alarms and persistence failures. Info and
Warn write a bare message on the global logger for the CLI.
*/
package log
