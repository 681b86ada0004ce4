package controller

import (
	"errors"
	"fmt"

	"github.com/cuemby/infusion/pkg/device"
	"github.com/cuemby/infusion/pkg/engagement"
)

var (
	// ErrBusy matches every *BusyError
	ErrBusy = errors.New("operation in progress")

	// ErrSuspended is returned for deliveries requested while suspended
	ErrSuspended = errors.New("delivery is suspended")

	// ErrNotSuspended is returned by Resume when delivery is running
	ErrNotSuspended = errors.New("delivery is not suspended")

	// ErrNoActiveDose is returned when there is nothing to cancel
	ErrNoActiveDose = errors.New("no active dose")

	// ErrUnconfirmed is returned while an earlier command's outcome is
	// still unknown and the device cannot be read to settle it
	ErrUnconfirmed = errors.New("earlier command unconfirmed")
)

// ValidationError is a request rejected before any device command
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid request: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BusyError means a change in the same category is still outstanding.
// The caller should retry later.
type BusyError struct {
	Category engagement.Category
	Reason   string
}

func (e *BusyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s busy", e.Category)
	}
	return fmt.Sprintf("%s busy: %s", e.Category, e.Reason)
}

// Is lets errors.Is(err, ErrBusy) match
func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}

// CommError is a device failure where the command did not apply.
// Recoverable failures are safe to retry as-is; the others mean the device
// is in a terminal alarm state.
type CommError struct {
	Op          string
	Code        device.ErrorCode
	Recoverable bool
	Err         error
}

func (e *CommError) Error() string {
	kind := "recoverable"
	if !e.Recoverable {
		kind = "unrecoverable"
	}
	return fmt.Sprintf("%s: %s device error: %v", e.Op, kind, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

// UncertainError means the command may have reached the device. Its dose
// was recorded as uncertain and queued for recovery; retrying blindly could
// apply it twice.
type UncertainError struct {
	Op        string
	CommandID string
	Err       error
}

func (e *UncertainError) Error() string {
	return fmt.Sprintf("%s: could not confirm command %s: %v", e.Op, e.CommandID, e.Err)
}

func (e *UncertainError) Unwrap() error {
	return e.Err
}

// IsUncertain reports whether err is an *UncertainError
func IsUncertain(err error) bool {
	var ue *UncertainError
	return errors.As(err, &ue)
}

// IsValidation reports whether err is a *ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func commError(op string, err error) *CommError {
	ce := &CommError{Op: op, Recoverable: !device.Unrecoverable(err), Err: err}
	var dce *device.CommandError
	if errors.As(err, &dce) {
		ce.Code = dce.Code
	}
	return ce
}
