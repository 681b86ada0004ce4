/*
Package device defines the boundary to the pump and ships an in-process
simulator of it.

The wireless transport and pairing protocol live outside this module. What
the delivery engine needs from a pump is captured by Commander: send a
basal, temp basal or bolus program, stop programs, and read status. Every
program command carries a command ID, and the pump echoes the last applied
ID in its Status. That echo is what lets a later status read decide
whether a command whose reply was lost actually took effect.

# Failures

A failed command returns a *CommandError:

	REJECTED      the pump refused; nothing changed, safe to retry
	NO_RESPONSE   sent, reply lost; MaybeApplied is set
	FAULT         terminal alarm; Unrecoverable is set
	UNREACHABLE   never sent (context ended first)

Any other error type is treated as a transport failure that may have
reached the pump.

# Simulator

Simulator accounts delivery in whole pulses against an injected clock. A
bolus delivers one pulse per pulse interval (pulse size divided by the
bolus rate); basal delivery is integrated slot by slot and carried as a
fractional remainder between reads. Sending a program while a temp basal
runs raises a program-overlap alarm, like the hardware does. InjectFault
and Hold let tests exercise lost replies, rejections and commands that
are still in flight.
*/
package device
