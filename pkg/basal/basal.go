package basal

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/infusion/pkg/pulse"
)

// Entry is one caller-supplied schedule item: a rate starting at an offset
// from midnight and running until the next entry (or midnight)
type Entry struct {
	Start       time.Duration `json:"start"`
	RatePerHour float64       `json:"rate"`
}

// Segment is a device-native run of slots at a constant pulse rate.
// Rate is pulses per hour.
type Segment struct {
	StartSlot int `json:"start_slot"`
	EndSlot   int `json:"end_slot"`
	Rate      int `json:"rate"`
}

// Slots returns the number of slots the segment covers
func (s Segment) Slots() int {
	return s.EndSlot - s.StartSlot
}

// Program is a complete, quantized basal cycle. The zero value is an empty
// program; a usable one is only obtained from Compile or by decoding
// persisted data.
type Program struct {
	segments  []Segment
	pulseSize pulse.Size
	slot      time.Duration
}

// Segments returns a copy of the program's segments
func (p Program) Segments() []Segment {
	out := make([]Segment, len(p.segments))
	copy(out, p.segments)
	return out
}

// PulseSize returns the pulse size the program was compiled with
func (p Program) PulseSize() pulse.Size {
	return p.pulseSize
}

// SlotDuration returns the time quantum the program was compiled with
func (p Program) SlotDuration() time.Duration {
	return p.slot
}

// SegmentDuration returns the wall-clock length of seg under this program's
// slot duration
func (p Program) SegmentDuration(seg Segment) time.Duration {
	return time.Duration(seg.Slots()) * p.slot
}

// IsEmpty reports whether p holds no segments
func (p Program) IsEmpty() bool {
	return len(p.segments) == 0
}

// Equal compares two programs segment by segment
func (p Program) Equal(other Program) bool {
	if p.pulseSize != other.pulseSize || p.slot != other.slot || len(p.segments) != len(other.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// RateAt returns the scheduled rate in U/h at the given offset from midnight.
// Offsets outside a day are wrapped.
func (p Program) RateAt(offset time.Duration) float64 {
	if p.IsEmpty() {
		return 0
	}
	offset %= pulse.CycleDuration
	if offset < 0 {
		offset += pulse.CycleDuration
	}
	slot := int(offset / p.slot)
	for _, seg := range p.segments {
		if slot >= seg.StartSlot && slot < seg.EndSlot {
			return p.pulseSize.Units(seg.Rate)
		}
	}
	return 0
}

// TotalDailyUnits returns the volume the program delivers over one cycle
func (p Program) TotalDailyUnits() float64 {
	var total float64
	for _, seg := range p.segments {
		total += p.pulseSize.Units(seg.Rate) * p.SegmentDuration(seg).Hours()
	}
	return total
}

// Entries converts the program back to a schedule
func (p Program) Entries() []Entry {
	entries := make([]Entry, 0, len(p.segments))
	for _, seg := range p.segments {
		entries = append(entries, Entry{
			Start:       time.Duration(seg.StartSlot) * p.slot,
			RatePerHour: p.pulseSize.Units(seg.Rate),
		})
	}
	return entries
}

type programJSON struct {
	PulseSize    float64       `json:"pulse_size"`
	SlotDuration time.Duration `json:"slot_duration"`
	Segments     []Segment     `json:"segments"`
}

// MarshalJSON encodes the program for the persisted state layout
func (p Program) MarshalJSON() ([]byte, error) {
	segments := p.segments
	if segments == nil {
		segments = []Segment{}
	}
	return json.Marshal(programJSON{
		PulseSize:    float64(p.pulseSize),
		SlotDuration: p.slot,
		Segments:     segments,
	})
}

// UnmarshalJSON restores a program and re-checks the segment invariants.
// An empty segment list decodes to the empty program.
func (p *Program) UnmarshalJSON(data []byte) error {
	var raw programJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Segments) == 0 {
		*p = Program{}
		return nil
	}
	restored, err := FromSegments(raw.Segments, Config{
		SlotDuration: raw.SlotDuration,
		PulseSize:    pulse.Size(raw.PulseSize),
		MaxRate:      pulse.MaxBasalRate,
	})
	if err != nil {
		return fmt.Errorf("invalid persisted basal program: %w", err)
	}
	*p = restored
	return nil
}

// FromSegments builds a program from already-quantized segments, validating
// that they tile the whole cycle
func FromSegments(segments []Segment, cfg Config) (Program, error) {
	cfg = cfg.withDefaults()
	cycleSlots, err := cfg.cycleSlots()
	if err != nil {
		return Program{}, err
	}
	if err := validateSegments(segments, cycleSlots, cfg.PulseSize.Pulses(cfg.MaxRate)); err != nil {
		return Program{}, err
	}
	out := make([]Segment, len(segments))
	copy(out, segments)
	return Program{segments: out, pulseSize: cfg.PulseSize, slot: cfg.SlotDuration}, nil
}

func validateSegments(segments []Segment, cycleSlots, maxPulses int) error {
	if len(segments) == 0 {
		return &ValidationError{Index: -1, Reason: "program has no segments"}
	}
	next := 0
	for i, seg := range segments {
		if seg.StartSlot != next {
			return &ValidationError{Index: i, Reason: fmt.Sprintf("segment starts at slot %d, expected %d", seg.StartSlot, next)}
		}
		if seg.EndSlot <= seg.StartSlot {
			return &ValidationError{Index: i, Reason: "zero-length segment"}
		}
		if seg.EndSlot > cycleSlots {
			return &ValidationError{Index: i, Reason: fmt.Sprintf("segment ends at slot %d beyond cycle", seg.EndSlot)}
		}
		if seg.Rate < 0 || seg.Rate > maxPulses {
			return &ValidationError{Index: i, Reason: fmt.Sprintf("rate %d pulses/h out of range [0, %d]", seg.Rate, maxPulses)}
		}
		next = seg.EndSlot
	}
	if next != cycleSlots {
		return &ValidationError{Index: len(segments) - 1, Reason: fmt.Sprintf("program ends at slot %d, expected %d", next, cycleSlots)}
	}
	return nil
}

// slotTolerance is how far a boundary may sit from a slot multiple and still
// be accepted
const slotTolerance = time.Second

func toSlot(offset time.Duration, slot time.Duration) (int, bool) {
	n := pulse.Round(float64(offset) / float64(slot))
	drift := offset - time.Duration(n)*slot
	return n, math.Abs(float64(drift)) <= float64(slotTolerance)
}
