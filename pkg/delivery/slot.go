package delivery

import (
	"time"

	"github.com/cuemby/infusion/pkg/dose"
)

// Category names the four kinds of dose a state can hold open at once
type Category int

const (
	CategoryBolus Category = iota
	CategoryTempBasal
	CategorySuspend
	CategoryResume
	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryBolus:
		return "bolus"
	case CategoryTempBasal:
		return "tempBasal"
	case CategorySuspend:
		return "suspend"
	case CategoryResume:
		return "resume"
	default:
		return "unknown"
	}
}

// CategoryOf maps a dose type to the slot that holds it
func CategoryOf(t dose.Type) Category {
	switch t {
	case dose.TypeBolus:
		return CategoryBolus
	case dose.TypeTempBasal:
		return CategoryTempBasal
	case dose.TypeSuspend:
		return CategorySuspend
	default:
		return CategoryResume
	}
}

// Slot is either Empty or Open with exactly one dose record. The record is
// kept behind a pointer only so the slot can be mutated in place by the
// owning state; it is never handed out.
type Slot struct {
	rec *dose.Record
}

// Empty returns a slot with no dose
func Empty() Slot {
	return Slot{}
}

// Open returns a slot holding a copy of r
func Open(r dose.Record) Slot {
	c := r.Clone()
	return Slot{rec: &c}
}

// IsEmpty reports whether the slot holds no dose
func (s Slot) IsEmpty() bool {
	return s.rec == nil
}

// Dose returns a copy of the held dose, if any
func (s Slot) Dose() (dose.Record, bool) {
	if s.rec == nil {
		return dose.Record{}, false
	}
	return s.rec.Clone(), true
}

// ActiveAt reports whether the slot holds a dose still running at t
func (s Slot) ActiveAt(t time.Time) bool {
	return s.rec != nil && !s.rec.IsFinished(t)
}
