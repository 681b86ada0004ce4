package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/infusion/pkg/basal"
)

// Commander is the device-communication collaborator. Every call blocks
// until the device answers or ctx ends. A nil error means the command was
// applied and the returned Status was read after it took effect.
type Commander interface {
	SendBasalProgram(ctx context.Context, cmd BasalCommand) (Status, error)
	SendTempBasal(ctx context.Context, cmd TempBasalCommand) (Status, error)
	SendBolus(ctx context.Context, cmd BolusCommand) (Status, error)
	StopProgram(ctx context.Context, cmd StopCommand) (Status, error)
	GetStatus(ctx context.Context) (Status, error)
}

// BasalCommand replaces the running basal program. Sending it while the
// device is suspended resumes delivery.
type BasalCommand struct {
	ID      string
	Program basal.Program
}

// TempBasalCommand overrides the basal rate for Duration
type TempBasalCommand struct {
	ID            string
	PulsesPerHour int
	Duration      time.Duration
}

// BolusCommand delivers Pulses at the fixed bolus rate
type BolusCommand struct {
	ID     string
	Pulses int
}

// StopKind selects what a stop command halts
type StopKind int

const (
	StopBolus StopKind = iota
	StopTempBasal
	// StopAll halts every program and suspends delivery
	StopAll
)

func (k StopKind) String() string {
	switch k {
	case StopBolus:
		return "bolus"
	case StopTempBasal:
		return "tempBasal"
	case StopAll:
		return "all"
	default:
		return "unknown"
	}
}

// StopCommand halts programs. Reminder is only meaningful for StopAll: the
// device beeps once it has been suspended that long.
type StopCommand struct {
	ID       string
	Kind     StopKind
	Reminder time.Duration
}

// Alarm is a device alarm or alert flag
type Alarm string

const (
	AlarmOcclusion      Alarm = "occlusion"
	AlarmEmptyReservoir Alarm = "emptyReservoir"
	AlarmProgramOverlap Alarm = "programOverlap"
	AlarmSuspendExpired Alarm = "suspendExpired"
)

// Status is what the device reports after every command.
//
// BolusRemainingPulses counts bolus pulses not yet delivered. In the reply
// to a stop command it is the count that was abandoned when the stop took
// effect, which is authoritative for finalizing the cancelled bolus.
type Status struct {
	Time                 time.Time `json:"time"`
	LastCommandID        string    `json:"last_command_id,omitempty"`
	BolusActive          bool      `json:"bolus_active"`
	BolusRemainingPulses int       `json:"bolus_remaining_pulses"`
	TempBasalActive      bool      `json:"temp_basal_active"`
	Suspended            bool      `json:"suspended"`
	DeliveredPulses      int       `json:"delivered_pulses"`
	ReservoirPulses      int       `json:"reservoir_pulses"`
	Alarms               []Alarm   `json:"alarms,omitempty"`
}

// HasAlarm reports whether a is raised
func (s Status) HasAlarm(a Alarm) bool {
	for _, x := range s.Alarms {
		if x == a {
			return true
		}
	}
	return false
}

// Faulted reports whether a terminal alarm is raised. A faulted device
// accepts no further programs and has to be replaced.
func (s Status) Faulted() bool {
	for _, a := range s.Alarms {
		if a.Terminal() {
			return true
		}
	}
	return false
}

// Terminal reports whether the alarm stops the device for good
func (a Alarm) Terminal() bool {
	switch a {
	case AlarmOcclusion, AlarmEmptyReservoir, AlarmProgramOverlap:
		return true
	default:
		return false
	}
}

// ErrorCode classifies a device failure
type ErrorCode string

const (
	// CodeRejected means the device refused the command; nothing changed
	CodeRejected ErrorCode = "REJECTED"

	// CodeNoResponse means the command was sent but no reply arrived
	CodeNoResponse ErrorCode = "NO_RESPONSE"

	// CodeFault means the device is in a terminal alarm state
	CodeFault ErrorCode = "FAULT"

	// CodeUnreachable means the command never left the controller
	CodeUnreachable ErrorCode = "UNREACHABLE"
)

// CommandError is returned by a Commander when a command fails
type CommandError struct {
	Op            string
	Code          ErrorCode
	Message       string
	Unrecoverable bool
	// MaybeApplied is set when the command may have reached the device
	MaybeApplied bool
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

// MaybeApplied reports whether a failed command could still have taken
// effect on the device. Errors that are not a *CommandError come from the
// transport and are treated as possibly applied.
func MaybeApplied(err error) bool {
	if err == nil {
		return false
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.MaybeApplied
	}
	return true
}

// Unrecoverable reports whether err means the device needs replacing
func Unrecoverable(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Unrecoverable
}
