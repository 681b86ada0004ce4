package dose

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/infusion/pkg/pulse"
)

// Type identifies what kind of delivery operation a record describes
type Type string

const (
	TypeBolus     Type = "bolus"
	TypeTempBasal Type = "tempBasal"
	TypeSuspend   Type = "suspend"
	TypeResume    Type = "resume"
)

// Certainty records whether the device acknowledged the command that
// produced a dose
type Certainty string

const (
	Certain   Certainty = "certain"
	Uncertain Certainty = "uncertain"
)

// ErrInvalidDose is wrapped by every constructor rejection
var ErrInvalidDose = errors.New("invalid dose")

// Record is one bolus, temp basal, suspend or resume.
//
// While open, Units is the programmed target. Cancel sets ProgrammedUnits
// (and ProgrammedRate for temp basals) to the original target and rewrites
// Units and Duration to what was actually delivered. A nil ProgrammedUnits
// means the dose is still, or was, fully delivered as scheduled.
type Record struct {
	Type            Type           `json:"type"`
	StartTime       time.Time      `json:"start_time"`
	Certainty       Certainty      `json:"certainty"`
	Units           float64        `json:"units"`
	Duration        *time.Duration `json:"duration,omitempty"`
	ProgrammedUnits *float64       `json:"programmed_units,omitempty"`
	ProgrammedRate  *float64       `json:"programmed_rate,omitempty"`
	CommandID       string         `json:"command_id,omitempty"`
	PulseSize       pulse.Size     `json:"pulse_size"`
}

// NewBolus creates a scheduled bolus of units delivered over duration
func NewBolus(start time.Time, units float64, duration time.Duration, size pulse.Size) (Record, error) {
	if err := checkAmount(units, size); err != nil {
		return Record{}, err
	}
	if duration <= 0 {
		return Record{}, fmt.Errorf("%w: bolus duration must be positive, got %s", ErrInvalidDose, duration)
	}
	return Record{
		Type:      TypeBolus,
		StartTime: start,
		Certainty: Certain,
		Units:     units,
		Duration:  &duration,
		PulseSize: size,
	}, nil
}

// NewTempBasal creates a scheduled temp basal running at ratePerHour for duration
func NewTempBasal(start time.Time, ratePerHour float64, duration time.Duration, size pulse.Size) (Record, error) {
	if err := checkAmount(ratePerHour, size); err != nil {
		return Record{}, err
	}
	if duration <= 0 {
		return Record{}, fmt.Errorf("%w: temp basal duration must be positive, got %s", ErrInvalidDose, duration)
	}
	return Record{
		Type:      TypeTempBasal,
		StartTime: start,
		Certainty: Certain,
		Units:     ratePerHour * duration.Hours(),
		Duration:  &duration,
		PulseSize: size,
	}, nil
}

// NewSuspend creates an instantaneous suspend marker
func NewSuspend(start time.Time, size pulse.Size) Record {
	return Record{Type: TypeSuspend, StartTime: start, Certainty: Certain, PulseSize: size}
}

// NewResume creates an instantaneous resume marker
func NewResume(start time.Time, size pulse.Size) Record {
	return Record{Type: TypeResume, StartTime: start, Certainty: Certain, PulseSize: size}
}

func checkAmount(v float64, size pulse.Size) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: amount must be a non-negative number, got %v", ErrInvalidDose, v)
	}
	if !size.Valid() {
		return fmt.Errorf("%w: pulse size %v", ErrInvalidDose, float64(size))
	}
	return nil
}

// EndTime returns when the dose ends; instantaneous doses end at StartTime
func (r Record) EndTime() time.Time {
	if r.Duration == nil {
		return r.StartTime
	}
	return r.StartTime.Add(*r.Duration)
}

// Rate returns the delivery rate in U/h, 0 when there is no duration
func (r Record) Rate() float64 {
	if r.Duration == nil || *r.Duration <= 0 {
		return 0
	}
	return r.Units / r.Duration.Hours()
}

// OriginalRate returns the programmed rate for a cancelled temp basal and
// the current rate otherwise
func (r Record) OriginalRate() float64 {
	if r.ProgrammedRate != nil {
		return *r.ProgrammedRate
	}
	return r.Rate()
}

// IsCancelled reports whether Cancel has been applied
func (r Record) IsCancelled() bool {
	return r.ProgrammedUnits != nil
}

// IsFinished reports whether the dose has no duration or has run out at t
func (r Record) IsFinished(t time.Time) bool {
	if r.Duration == nil {
		return true
	}
	return !t.Before(r.EndTime())
}

// Progress returns the fraction of the duration elapsed at t, clamped to [0, 1]
func (r Record) Progress(t time.Time) float64 {
	if r.Duration == nil || *r.Duration <= 0 {
		return 0
	}
	p := float64(t.Sub(r.StartTime)) / float64(*r.Duration)
	return math.Max(0, math.Min(1, p))
}

// FinalizedUnits returns the delivered amount once the dose is finished, nil before
func (r Record) FinalizedUnits(t time.Time) *float64 {
	if !r.IsFinished(t) {
		return nil
	}
	units := r.Units
	return &units
}

// Cancel truncates the dose at t. It is applied at most once; later calls
// are no-ops.
//
// When the device reports the pulses it had not yet delivered, that count is
// authoritative. Otherwise delivery is capped at what the original rate could
// have delivered by t, floored to whole pulses. A t before StartTime clamps the
// duration to zero and leaves Units untouched.
func (r *Record) Cancel(t time.Time, remainingPulses *int) {
	if r.IsCancelled() {
		return
	}

	oldRate := r.Rate()
	programmed := r.Units
	r.ProgrammedUnits = &programmed
	if r.Type == TypeTempBasal {
		rate := oldRate
		r.ProgrammedRate = &rate
	}

	elapsed := t.Sub(r.StartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	r.Duration = &elapsed

	switch {
	case remainingPulses != nil:
		remaining := r.PulseSize.Units(*remainingPulses)
		r.Units = math.Max(0, programmed-remaining)
	case t.Before(r.StartTime):
		// nothing elapsed on our clock; keep the full amount
	default:
		r.Units = math.Min(programmed, r.PulseSize.Floor(oldRate*elapsed.Hours()))
	}
}

// Key is a stable identity used by persistence consumers to deduplicate
// repeated reports: dose type, start time and amount in pulses
func (r Record) Key() string {
	size := r.PulseSize
	if !size.Valid() {
		size = pulse.DefaultSize
	}
	return fmt.Sprintf("%s|%d|%d", r.Type, r.StartTime.UnixMilli(), size.Pulses(r.Units))
}

// Equal reports structural equality, comparing optional fields by value
func (r Record) Equal(other Record) bool {
	return r.Type == other.Type &&
		r.StartTime.Equal(other.StartTime) &&
		r.Certainty == other.Certainty &&
		r.Units == other.Units &&
		r.CommandID == other.CommandID &&
		r.PulseSize == other.PulseSize &&
		equalDuration(r.Duration, other.Duration) &&
		equalFloat(r.ProgrammedUnits, other.ProgrammedUnits) &&
		equalFloat(r.ProgrammedRate, other.ProgrammedRate)
}

// Clone returns a deep copy so callers can never alias optional fields
func (r Record) Clone() Record {
	out := r
	if r.Duration != nil {
		d := *r.Duration
		out.Duration = &d
	}
	if r.ProgrammedUnits != nil {
		u := *r.ProgrammedUnits
		out.ProgrammedUnits = &u
	}
	if r.ProgrammedRate != nil {
		v := *r.ProgrammedRate
		out.ProgrammedRate = &v
	}
	return out
}

func (r Record) String() string {
	switch r.Type {
	case TypeBolus:
		return fmt.Sprintf("bolus %.2fU at %s", r.Units, r.StartTime.Format(time.RFC3339))
	case TypeTempBasal:
		return fmt.Sprintf("temp basal %.2fU/h for %s at %s", r.OriginalRate(), r.durationString(), r.StartTime.Format(time.RFC3339))
	default:
		return fmt.Sprintf("%s at %s", r.Type, r.StartTime.Format(time.RFC3339))
	}
}

func (r Record) durationString() string {
	if r.Duration == nil {
		return "0s"
	}
	return r.Duration.String()
}

func equalDuration(a, b *time.Duration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
