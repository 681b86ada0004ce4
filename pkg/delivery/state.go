package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/infusion/pkg/basal"
	"github.com/cuemby/infusion/pkg/dose"
)

var (
	// ErrDoseInProgress is returned when a category already has an unfinished dose
	ErrDoseInProgress = errors.New("dose already in progress")

	// ErrNoOpenDose is returned when a cancel finds nothing to cancel
	ErrNoOpenDose = errors.New("no open dose")

	// ErrWrongType is returned when a record is offered to the wrong slot
	ErrWrongType = errors.New("dose type does not match operation")
)

// SuspendState is either Suspended or Resumed, with the time of the transition
type SuspendState struct {
	Suspended bool      `json:"suspended"`
	At        time.Time `json:"at"`
}

// Suspended returns a suspended state at t
func Suspended(t time.Time) SuspendState {
	return SuspendState{Suspended: true, At: t}
}

// Resumed returns a resumed state at t
func Resumed(t time.Time) SuspendState {
	return SuspendState{Suspended: false, At: t}
}

// State is the aggregate delivery record: the active basal program, the
// suspend state, at most one open dose per category and the log of finalized
// doses still waiting for persistence.
//
// State does no locking. Its owner serializes every call.
type State struct {
	program   basal.Program
	suspend   SuspendState
	slots     [numCategories]Slot
	finalized []dose.Record
}

// New creates a state running program, resumed at t
func New(program basal.Program, t time.Time) *State {
	return &State{program: program, suspend: Resumed(t)}
}

// Program returns the active basal program
func (s *State) Program() basal.Program {
	return s.program
}

// SetProgram replaces the active basal program
func (s *State) SetProgram(p basal.Program) {
	s.program = p
}

// SuspendState returns the current suspend/resume state
func (s *State) SuspendState() SuspendState {
	return s.suspend
}

// IsSuspended reports whether delivery is suspended
func (s *State) IsSuspended() bool {
	return s.suspend.Suspended
}

// Slot returns the slot for a category
func (s *State) Slot(c Category) Slot {
	return s.slots[c]
}

// BeginBolus opens a bolus. It fails if an unfinished bolus is open.
func (s *State) BeginBolus(r dose.Record) error {
	if r.Type != dose.TypeBolus {
		return fmt.Errorf("%w: %s", ErrWrongType, r.Type)
	}
	return s.begin(CategoryBolus, r)
}

// BeginTempBasal opens a temp basal. An unfinished temp basal must be
// cancelled first; the device alarms on overlapping programs.
func (s *State) BeginTempBasal(r dose.Record) error {
	if r.Type != dose.TypeTempBasal {
		return fmt.Errorf("%w: %s", ErrWrongType, r.Type)
	}
	return s.begin(CategoryTempBasal, r)
}

func (s *State) begin(c Category, r dose.Record) error {
	if s.slots[c].ActiveAt(r.StartTime) {
		return fmt.Errorf("%w: %s", ErrDoseInProgress, c)
	}
	s.retire(c)
	s.slots[c] = Open(r)
	return nil
}

// CancelBolus truncates the open bolus at t and moves it to the finalized
// log. remainingPulses is the device-reported undelivered count, if known.
func (s *State) CancelBolus(t time.Time, remainingPulses *int) (dose.Record, error) {
	return s.cancel(CategoryBolus, t, remainingPulses)
}

// CancelTempBasal truncates the open temp basal at t and finalizes it
func (s *State) CancelTempBasal(t time.Time) (dose.Record, error) {
	return s.cancel(CategoryTempBasal, t, nil)
}

func (s *State) cancel(c Category, t time.Time, remainingPulses *int) (dose.Record, error) {
	rec := s.slots[c].rec
	if rec == nil {
		return dose.Record{}, fmt.Errorf("%w: %s", ErrNoOpenDose, c)
	}
	rec.Cancel(t, remainingPulses)
	out := rec.Clone()
	s.finalized = append(s.finalized, out)
	s.slots[c] = Empty()
	return out.Clone(), nil
}

// Suspend records a suspend at r.StartTime. Any temp basal or bolus still
// running at that instant is cancelled first; bolusRemaining is the device's
// count of undelivered bolus pulses at the moment of suspension. Returns the
// doses that were cancelled.
func (s *State) Suspend(r dose.Record, bolusRemaining *int) ([]dose.Record, error) {
	if r.Type != dose.TypeSuspend {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, r.Type)
	}
	at := r.StartTime

	var cancelled []dose.Record
	if s.slots[CategoryTempBasal].ActiveAt(at) {
		rec, _ := s.cancel(CategoryTempBasal, at, nil)
		cancelled = append(cancelled, rec)
	}
	if s.slots[CategoryBolus].ActiveAt(at) {
		rec, _ := s.cancel(CategoryBolus, at, bolusRemaining)
		cancelled = append(cancelled, rec)
	}

	s.retire(CategorySuspend)
	s.slots[CategorySuspend] = Open(r)
	s.suspend = Suspended(at)
	return cancelled, nil
}

// Resume records a resume at r.StartTime
func (s *State) Resume(r dose.Record) error {
	if r.Type != dose.TypeResume {
		return fmt.Errorf("%w: %s", ErrWrongType, r.Type)
	}
	s.retire(CategoryResume)
	s.slots[CategoryResume] = Open(r)
	s.suspend = Resumed(r.StartTime)
	return nil
}

// retire moves whatever the slot holds into the finalized log, so replacing
// a finished dose never drops it
func (s *State) retire(c Category) {
	if rec := s.slots[c].rec; rec != nil {
		s.finalized = append(s.finalized, rec.Clone())
		s.slots[c] = Empty()
	}
}

// Finalize moves every finished, certain open dose into the finalized log
// and returns the newly finalized records. Uncertain doses stay open until
// their command is resolved.
func (s *State) Finalize(now time.Time) []dose.Record {
	var moved []dose.Record
	for c := Category(0); c < numCategories; c++ {
		rec := s.slots[c].rec
		if rec == nil || rec.Certainty == dose.Uncertain || !rec.IsFinished(now) {
			continue
		}
		moved = append(moved, rec.Clone())
		s.retire(c)
	}
	return moved
}

// Finalized returns a copy of the doses awaiting persistence acknowledgement
func (s *State) Finalized() []dose.Record {
	out := make([]dose.Record, 0, len(s.finalized))
	for _, r := range s.finalized {
		out = append(out, r.Clone())
	}
	return out
}

// Open returns copies of every open dose in category order
func (s *State) Open() []dose.Record {
	var out []dose.Record
	for c := Category(0); c < numCategories; c++ {
		if r, ok := s.slots[c].Dose(); ok {
			out = append(out, r)
		}
	}
	return out
}

// Reportable returns the finalized log followed by the still-open doses,
// which is what gets handed to the persistence collaborator
func (s *State) Reportable() []dose.Record {
	return append(s.Finalized(), s.Open()...)
}

// Acknowledge drops every finalized entry structurally equal to one of the
// acknowledged records. Unknown and repeated acknowledgements are ignored.
// Returns how many entries were removed.
func (s *State) Acknowledge(acked []dose.Record) int {
	if len(acked) == 0 || len(s.finalized) == 0 {
		return 0
	}
	kept := s.finalized[:0]
	removed := 0
	for _, r := range s.finalized {
		if containsEqual(acked, r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.finalized = kept
	return removed
}

func containsEqual(list []dose.Record, r dose.Record) bool {
	for _, candidate := range list {
		if candidate.Equal(r) {
			return true
		}
	}
	return false
}

// ResolveCommand settles an uncertain open dose produced by commandID. When
// the device applied the command the dose becomes certain; otherwise it is
// discarded, since nothing was delivered. A command that no longer maps to
// an open uncertain dose is ignored and ok is false.
func (s *State) ResolveCommand(commandID string, applied bool) (rec dose.Record, ok bool) {
	if commandID == "" {
		return dose.Record{}, false
	}
	for c := Category(0); c < numCategories; c++ {
		r := s.slots[c].rec
		if r == nil || r.CommandID != commandID || r.Certainty != dose.Uncertain {
			continue
		}
		if applied {
			r.Certainty = dose.Certain
			return r.Clone(), true
		}
		out := r.Clone()
		s.slots[c] = Empty()
		return out, true
	}
	return dose.Record{}, false
}

// MarkUncertain flags the dose open in c as uncertain if it is still
// running at t. A cancel or suspend with an unknown outcome leaves the dose
// it targeted this way, so Finalize holds it until the command is resolved.
func (s *State) MarkUncertain(c Category, t time.Time) bool {
	if !s.slots[c].ActiveAt(t) {
		return false
	}
	s.slots[c].rec.Certainty = dose.Uncertain
	return true
}

// Confirm clears the uncertain flag on the dose open in c
func (s *State) Confirm(c Category) bool {
	r := s.slots[c].rec
	if r == nil || r.Certainty != dose.Uncertain {
		return false
	}
	r.Certainty = dose.Certain
	return true
}

// Unconfirmed reports whether any open dose is uncertain
func (s *State) Unconfirmed() bool {
	for c := Category(0); c < numCategories; c++ {
		if r := s.slots[c].rec; r != nil && r.Certainty == dose.Uncertain {
			return true
		}
	}
	return false
}

// EffectiveRate returns the basal delivery rate in U/h at now. Suspension
// wins over a running temp basal, which wins over the scheduled program.
func (s *State) EffectiveRate(now time.Time) float64 {
	if s.suspend.Suspended {
		return 0
	}
	if slot := s.slots[CategoryTempBasal]; slot.ActiveAt(now) {
		return slot.rec.Rate()
	}
	return s.program.RateAt(TimeOfDay(now))
}

// TimeOfDay returns the offset of t from midnight in t's location
func TimeOfDay(t time.Time) time.Duration {
	y, m, d := t.Date()
	return t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location()))
}
