package basal

import (
	"fmt"
	"math"
	"time"

	"github.com/cuemby/infusion/pkg/pulse"
)

// Config holds the device constants the compiler quantizes against
type Config struct {
	SlotDuration time.Duration
	PulseSize    pulse.Size
	MaxSegments  int
	MaxRate      float64 // U/h
}

// DefaultConfig returns the constants of the supported pump
func DefaultConfig() Config {
	return Config{
		SlotDuration: pulse.SlotDuration,
		PulseSize:    pulse.DefaultSize,
		MaxSegments:  pulse.MaxSegments,
		MaxRate:      pulse.MaxBasalRate,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SlotDuration == 0 {
		c.SlotDuration = def.SlotDuration
	}
	if c.PulseSize == 0 {
		c.PulseSize = def.PulseSize
	}
	if c.MaxSegments == 0 {
		c.MaxSegments = def.MaxSegments
	}
	if c.MaxRate == 0 {
		c.MaxRate = def.MaxRate
	}
	return c
}

func (c Config) cycleSlots() (int, error) {
	if !c.PulseSize.Valid() {
		return 0, &ValidationError{Index: -1, Reason: fmt.Sprintf("invalid pulse size %v", float64(c.PulseSize))}
	}
	if c.SlotDuration <= 0 || pulse.CycleDuration%c.SlotDuration != 0 {
		return 0, &ValidationError{Index: -1, Reason: fmt.Sprintf("slot duration %s does not divide 24h", c.SlotDuration)}
	}
	return int(pulse.CycleDuration / c.SlotDuration), nil
}

// ValidationError reports why a schedule or program was rejected
type ValidationError struct {
	Index  int // offending entry or segment, -1 when not entry specific
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid basal schedule: %s", e.Reason)
	}
	return fmt.Sprintf("invalid basal schedule: entry %d: %s", e.Index, e.Reason)
}

// Compile converts a rate schedule into a quantized device program.
//
// Each entry runs until the next entry's start; the last runs to midnight.
// Boundaries become slot indices with pulse.Round(t/slot) and rates become
// pulses per hour with pulse.Round(rate/pulseSize). Anything the device
// would not accept is reported rather than coerced.
func Compile(entries []Entry, cfg Config) (Program, error) {
	cfg = cfg.withDefaults()
	cycleSlots, err := cfg.cycleSlots()
	if err != nil {
		return Program{}, err
	}

	if len(entries) == 0 {
		return Program{}, &ValidationError{Index: -1, Reason: "schedule is empty"}
	}
	if len(entries) > cfg.MaxSegments {
		return Program{}, &ValidationError{Index: -1, Reason: fmt.Sprintf("%d entries exceed the device maximum of %d", len(entries), cfg.MaxSegments)}
	}
	if entries[0].Start != 0 {
		return Program{}, &ValidationError{Index: 0, Reason: "first entry must start at midnight"}
	}

	maxPulses := cfg.PulseSize.Pulses(cfg.MaxRate)
	segments := make([]Segment, 0, len(entries))

	for i, entry := range entries {
		end := pulse.CycleDuration
		if i+1 < len(entries) {
			end = entries[i+1].Start
		}
		if entry.Start < 0 || end > pulse.CycleDuration || end <= entry.Start {
			return Program{}, &ValidationError{Index: i, Reason: fmt.Sprintf("entries must be increasing within a day (start %s, end %s)", entry.Start, end)}
		}

		startSlot, ok := toSlot(entry.Start, cfg.SlotDuration)
		if !ok {
			return Program{}, &ValidationError{Index: i, Reason: fmt.Sprintf("start %s is not a multiple of %s", entry.Start, cfg.SlotDuration)}
		}
		endSlot, ok := toSlot(end, cfg.SlotDuration)
		if !ok {
			return Program{}, &ValidationError{Index: i, Reason: fmt.Sprintf("end %s is not a multiple of %s", end, cfg.SlotDuration)}
		}

		if math.IsNaN(entry.RatePerHour) || entry.RatePerHour < 0 {
			return Program{}, &ValidationError{Index: i, Reason: fmt.Sprintf("rate %v U/h is negative", entry.RatePerHour)}
		}
		rate := cfg.PulseSize.Pulses(entry.RatePerHour)
		if rate > maxPulses {
			return Program{}, &ValidationError{Index: i, Reason: fmt.Sprintf("rate %v U/h exceeds maximum %v U/h", entry.RatePerHour, cfg.MaxRate)}
		}

		segments = append(segments, Segment{StartSlot: startSlot, EndSlot: endSlot, Rate: rate})
	}

	if err := validateSegments(segments, cycleSlots, maxPulses); err != nil {
		return Program{}, err
	}

	return Program{segments: segments, pulseSize: cfg.PulseSize, slot: cfg.SlotDuration}, nil
}
