// Package pulse holds the device quantization constants and the single
// rounding rule shared by the basal compiler and all dose cancellation math.
package pulse

import (
	"math"
	"time"
)

const (
	// SlotDuration is the basal schedule time quantum
	SlotDuration = 30 * time.Minute

	// SlotsPerCycle is the number of slots in a 24 hour basal cycle
	SlotsPerCycle = 48

	// CycleDuration is the length of one full basal cycle
	CycleDuration = SlotDuration * SlotsPerCycle

	// MaxSegments is the largest number of basal entries the device accepts
	MaxSegments = 24

	// DefaultSize is the volume of one pulse in units (20 pulses per unit)
	DefaultSize Size = 0.05

	// MaxBasalRate is the largest basal or temp basal rate in U/h
	MaxBasalRate = 30.0

	// MaxBolus is the largest single bolus in units
	MaxBolus = 30.0

	// BolusRate is the fixed bolus delivery speed in U/s
	BolusRate = 0.025
)

// epsilon absorbs binary floating error when flooring to pulses, so that
// 1.5 U / 0.05 U lands on 30 pulses rather than 29.
const epsilon = 1e-9

// Round returns the nearest integer to x. Halves round away from zero, the
// same rule math.Round uses. Every conversion from a real quantity to a
// pulse or slot count goes through this function.
func Round(x float64) int {
	return int(math.Round(x))
}

// Size is the volume of a single pulse in units.
type Size float64

// PerUnit returns how many pulses make up one unit
func (s Size) PerUnit() float64 {
	return 1 / float64(s)
}

// Pulses converts a volume (or a per-hour rate) to a rounded pulse count
func (s Size) Pulses(units float64) int {
	return Round(units / float64(s))
}

// Units converts a pulse count back to units
func (s Size) Units(pulses int) float64 {
	return float64(pulses) * float64(s)
}

// Quantize rounds a volume to the nearest deliverable amount
func (s Size) Quantize(units float64) float64 {
	return s.Units(s.Pulses(units))
}

// Floor returns the largest whole-pulse volume not exceeding units. Negative
// input floors to zero.
func (s Size) Floor(units float64) float64 {
	if units <= 0 {
		return 0
	}
	return s.Units(int(math.Floor(units/float64(s) + epsilon)))
}

// Valid reports whether s can be used as a pulse size
func (s Size) Valid() bool {
	return s > 0 && !math.IsInf(float64(s), 0) && !math.IsNaN(float64(s))
}

// BolusDuration returns how long the device takes to deliver units at
// BolusRate, to the millisecond
func BolusDuration(units float64) time.Duration {
	return time.Duration(Round(units/BolusRate*1000)) * time.Millisecond
}
