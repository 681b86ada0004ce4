package nightscout

import (
	"fmt"
	"time"

	"github.com/cuemby/infusion/pkg/dose"
)

// Nightscout event types used for doses
const (
	EventCorrectionBolus = "Correction Bolus"
	EventTempBasal       = "Temp Basal"
	EventSuspendPump     = "Suspend Pump"
	EventResumePump      = "Resume Pump"
)

// Treatment is a Nightscout treatment entry
type Treatment struct {
	EventType  string   `json:"eventType"`
	CreatedAt  string   `json:"created_at"`
	Date       int64    `json:"date"` // Unix milliseconds
	Insulin    *float64 `json:"insulin,omitempty"`
	Programmed *float64 `json:"programmed,omitempty"`
	Duration   *float64 `json:"duration,omitempty"` // minutes
	Absolute   *float64 `json:"absolute,omitempty"` // U/h
	Rate       *float64 `json:"rate,omitempty"`     // U/h
	Identifier string   `json:"identifier"`
	EnteredBy  string   `json:"enteredBy"`
	Device     string   `json:"device,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// FromDose maps a dose to a treatment. Identifier is the dose key, which
// lets Nightscout and this reporter recognize a re-sent dose.
func FromDose(r dose.Record, enteredBy, device string) Treatment {
	t := Treatment{
		CreatedAt:  r.StartTime.UTC().Format(time.RFC3339Nano),
		Date:       r.StartTime.UnixMilli(),
		Identifier: r.Key(),
		EnteredBy:  enteredBy,
		Device:     device,
	}

	switch r.Type {
	case dose.TypeBolus:
		t.EventType = EventCorrectionBolus
		t.Insulin = ptr(r.Units)
		if r.Duration != nil {
			t.Duration = ptr(r.Duration.Minutes())
		}
		if r.ProgrammedUnits != nil {
			t.Programmed = ptr(*r.ProgrammedUnits)
			t.Notes = fmt.Sprintf("cancelled, %.2f U of %.2f U delivered", r.Units, *r.ProgrammedUnits)
		}
	case dose.TypeTempBasal:
		t.EventType = EventTempBasal
		rate := r.OriginalRate()
		t.Absolute = ptr(rate)
		t.Rate = ptr(rate)
		if r.Duration != nil {
			t.Duration = ptr(r.Duration.Minutes())
		}
		t.Insulin = ptr(r.Units)
		if r.IsCancelled() {
			t.Notes = "cancelled"
		}
	case dose.TypeSuspend:
		t.EventType = EventSuspendPump
	case dose.TypeResume:
		t.EventType = EventResumePump
	}
	return t
}

func ptr(v float64) *float64 {
	return &v
}
