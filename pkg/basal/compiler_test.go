package basal

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/infusion/pkg/pulse"
)

func hm(h, m int) time.Duration {
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}

func TestCompile_TwoEntrySchedule(t *testing.T) {
	cfg := Config{SlotDuration: 30 * time.Minute, PulseSize: pulse.Size(1.0 / 72)}

	program, err := Compile([]Entry{
		{Start: hm(0, 0), RatePerHour: 10.0},
		{Start: hm(12, 0), RatePerHour: 15.0},
	}, cfg)
	require.NoError(t, err)

	segments := program.Segments()
	require.Len(t, segments, 2)

	assert.Equal(t, 0, segments[0].StartSlot)
	assert.Equal(t, 24, segments[0].EndSlot)
	assert.InDelta(t, 10.0, program.PulseSize().Units(segments[0].Rate), 1e-9)

	assert.Equal(t, 24, segments[1].StartSlot)
	assert.Equal(t, 48, segments[1].EndSlot)
	assert.InDelta(t, 15.0, program.PulseSize().Units(segments[1].Rate), 1e-9)

	assert.InDelta(t, 300.0, program.TotalDailyUnits(), 1e-6)
}

func TestCompile_Validation(t *testing.T) {
	tooMany := make([]Entry, 25)
	for i := range tooMany {
		tooMany[i] = Entry{Start: time.Duration(i) * time.Hour / 2, RatePerHour: 1}
	}

	tests := []struct {
		name    string
		entries []Entry
	}{
		{name: "empty schedule", entries: nil},
		{name: "too many entries", entries: tooMany},
		{name: "does not start at midnight", entries: []Entry{{Start: hm(1, 0), RatePerHour: 1}}},
		{name: "off slot boundary", entries: []Entry{{Start: 0, RatePerHour: 1}, {Start: hm(6, 10), RatePerHour: 1}}},
		{name: "not increasing", entries: []Entry{{Start: 0, RatePerHour: 1}, {Start: hm(6, 0), RatePerHour: 1}, {Start: hm(5, 0), RatePerHour: 1}}},
		{name: "duplicate start", entries: []Entry{{Start: 0, RatePerHour: 1}, {Start: 0, RatePerHour: 2}}},
		{name: "beyond one day", entries: []Entry{{Start: 0, RatePerHour: 1}, {Start: 25 * time.Hour, RatePerHour: 1}}},
		{name: "negative rate", entries: []Entry{{Start: 0, RatePerHour: -0.5}}},
		{name: "rate above maximum", entries: []Entry{{Start: 0, RatePerHour: 35}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.entries, DefaultConfig())
			require.Error(t, err)

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "expected *ValidationError, got %T", err)
		})
	}
}

func TestCompile_ToleratesSubSecondDrift(t *testing.T) {
	program, err := Compile([]Entry{
		{Start: 0, RatePerHour: 1.0},
		{Start: hm(8, 0) + 400*time.Millisecond, RatePerHour: 0.5},
	}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 16, program.Segments()[1].StartSlot)
}

func TestCompile_RejectsBadSlotDuration(t *testing.T) {
	_, err := Compile([]Entry{{Start: 0, RatePerHour: 1}}, Config{SlotDuration: 7 * time.Hour})
	require.Error(t, err)
}

// TestCompile_TotalDailyDose checks that quantization never moves the daily
// total by more than half a pulse per hour in any segment
func TestCompile_TotalDailyDose(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cfg := DefaultConfig()

	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(cfg.MaxSegments)
		slots := rng.Perm(pulse.SlotsPerCycle - 1)[:n-1]
		starts := make([]int, 0, n)
		starts = append(starts, 0)
		for _, s := range slots {
			starts = append(starts, s+1)
		}
		sortInts(starts)

		entries := make([]Entry, n)
		for i, s := range starts {
			entries[i] = Entry{
				Start:       time.Duration(s) * pulse.SlotDuration,
				RatePerHour: math.Round(rng.Float64()*5*1000) / 1000,
			}
		}

		program, err := Compile(entries, cfg)
		require.NoError(t, err)

		var expected, tolerance float64
		for i, e := range entries {
			end := pulse.CycleDuration
			if i+1 < n {
				end = entries[i+1].Start
			}
			hours := (end - e.Start).Hours()
			expected += e.RatePerHour * hours
			tolerance += float64(cfg.PulseSize) / 2 * hours
		}

		assert.InDelta(t, expected, program.TotalDailyUnits(), tolerance+1e-9)
	}
}

func sortInts(v []int) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

func TestProgram_RateAt(t *testing.T) {
	program, err := Compile([]Entry{
		{Start: 0, RatePerHour: 0.8},
		{Start: hm(6, 0), RatePerHour: 1.2},
	}, DefaultConfig())
	require.NoError(t, err)

	assert.InDelta(t, 0.8, program.RateAt(hm(5, 59)), 1e-9)
	assert.InDelta(t, 1.2, program.RateAt(hm(6, 0)), 1e-9)
	assert.InDelta(t, 1.2, program.RateAt(hm(23, 59)), 1e-9)
	assert.InDelta(t, 0.8, program.RateAt(hm(24, 30)), 1e-9)
	assert.Zero(t, Program{}.RateAt(hm(3, 0)))
}

func TestProgram_JSONRoundTrip(t *testing.T) {
	program, err := Compile([]Entry{
		{Start: 0, RatePerHour: 0.8},
		{Start: hm(6, 0), RatePerHour: 1.2},
		{Start: hm(22, 30), RatePerHour: 0.6},
	}, DefaultConfig())
	require.NoError(t, err)

	data, err := json.Marshal(program)
	require.NoError(t, err)

	var restored Program
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.True(t, program.Equal(restored))
	assert.Equal(t, program.Entries(), restored.Entries())
}

func TestProgram_UnmarshalRejectsGaps(t *testing.T) {
	data := []byte(`{"pulse_size":0.05,"slot_duration":1800000000000,"segments":[{"start_slot":0,"end_slot":10,"rate":4},{"start_slot":12,"end_slot":48,"rate":4}]}`)

	var p Program
	err := json.Unmarshal(data, &p)
	require.Error(t, err)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestProgram_EmptyRoundTrip(t *testing.T) {
	data, err := json.Marshal(Program{})
	require.NoError(t, err)

	var p Program
	require.NoError(t, json.Unmarshal(data, &p))
	assert.True(t, p.IsEmpty())
}

func TestCompile_Golden(t *testing.T) {
	program, err := Compile([]Entry{
		{Start: 0, RatePerHour: 0.8},
		{Start: hm(6, 0), RatePerHour: 1.2},
		{Start: hm(12, 0), RatePerHour: 0.95},
		{Start: hm(22, 30), RatePerHour: 0.6},
	}, DefaultConfig())
	require.NoError(t, err)

	data, err := json.MarshalIndent(program, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "four_entry_program", append(data, '\n'))
}
