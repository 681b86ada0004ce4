package dose

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/infusion/pkg/pulse"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newBolus(t *testing.T, units float64) Record {
	t.Helper()
	r, err := NewBolus(t0, units, pulse.BolusDuration(units), pulse.DefaultSize)
	require.NoError(t, err)
	return r
}

func TestNewBolus_Validation(t *testing.T) {
	tests := []struct {
		name     string
		units    float64
		duration time.Duration
	}{
		{name: "negative units", units: -1, duration: time.Minute},
		{name: "zero duration", units: 1, duration: 0},
		{name: "negative duration", units: 1, duration: -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBolus(t0, tt.units, tt.duration, pulse.DefaultSize)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDose))
		})
	}
}

func TestNewTempBasal(t *testing.T) {
	r, err := NewTempBasal(t0, 1.5, 30*time.Minute, pulse.DefaultSize)
	require.NoError(t, err)

	assert.InDelta(t, 0.75, r.Units, 1e-9)
	assert.InDelta(t, 1.5, r.Rate(), 1e-9)
	assert.Equal(t, t0.Add(30*time.Minute), r.EndTime())

	_, err = NewTempBasal(t0, 1.5, 0, pulse.DefaultSize)
	assert.Error(t, err)
}

func TestBolusDuration(t *testing.T) {
	r := newBolus(t, 3.0)
	require.NotNil(t, r.Duration)
	assert.Equal(t, 120*time.Second, *r.Duration)
}

func TestCancel_ElapsedTimeCap(t *testing.T) {
	r := newBolus(t, 3.0)

	r.Cancel(t0.Add(60*time.Second), nil)

	assert.InDelta(t, 1.5, r.Units, 1e-9)
	require.NotNil(t, r.ProgrammedUnits)
	assert.InDelta(t, 3.0, *r.ProgrammedUnits, 1e-9)
	assert.Nil(t, r.ProgrammedRate, "only temp basals keep a programmed rate")
	assert.Equal(t, 60*time.Second, *r.Duration)
}

func TestCancel_DeviceRemainingWins(t *testing.T) {
	r := newBolus(t, 3.0)

	// device says 40 pulses (2.0 U) were still pending, which disagrees with
	// the 1.5 U the elapsed time would suggest
	remaining := 40
	r.Cancel(t0.Add(60*time.Second), &remaining)

	assert.InDelta(t, 1.0, r.Units, 1e-9)
	assert.InDelta(t, 3.0, *r.ProgrammedUnits, 1e-9)
}

func TestCancel_RemainingNeverNegative(t *testing.T) {
	r := newBolus(t, 1.0)
	remaining := 500
	r.Cancel(t0.Add(time.Second), &remaining)
	assert.Zero(t, r.Units)
}

func TestCancel_Idempotent(t *testing.T) {
	r := newBolus(t, 3.0)

	r.Cancel(t0.Add(60*time.Second), nil)
	first := r.Clone()

	r.Cancel(t0.Add(60*time.Second), nil)
	assert.True(t, first.Equal(r))

	remaining := 0
	r.Cancel(t0.Add(90*time.Second), &remaining)
	assert.True(t, first.Equal(r))
}

func TestCancel_AfterNaturalEnd(t *testing.T) {
	r := newBolus(t, 3.0)

	r.Cancel(t0.Add(10*time.Minute), nil)

	assert.InDelta(t, 3.0, r.Units, 1e-9)
	assert.Equal(t, 10*time.Minute, *r.Duration)
}

func TestCancel_BeforeStart(t *testing.T) {
	r := newBolus(t, 3.0)

	r.Cancel(t0.Add(-30*time.Second), nil)

	require.NotNil(t, r.Duration)
	assert.Equal(t, time.Duration(0), *r.Duration)
	assert.InDelta(t, 3.0, r.Units, 1e-9)
	assert.InDelta(t, 3.0, *r.ProgrammedUnits, 1e-9)
	assert.Zero(t, r.Rate())
}

func TestCancel_TempBasalKeepsProgrammedRate(t *testing.T) {
	r, err := NewTempBasal(t0, 2.0, time.Hour, pulse.DefaultSize)
	require.NoError(t, err)

	r.Cancel(t0.Add(15*time.Minute), nil)

	assert.InDelta(t, 0.5, r.Units, 1e-9)
	require.NotNil(t, r.ProgrammedRate)
	assert.InDelta(t, 2.0, *r.ProgrammedRate, 1e-9)
	assert.InDelta(t, 2.0, r.OriginalRate(), 1e-9)
	assert.InDelta(t, 2.0, *r.ProgrammedUnits, 1e-9)
}

func TestCancel_FloorsToPulse(t *testing.T) {
	r, err := NewTempBasal(t0, 1.0, time.Hour, pulse.DefaultSize)
	require.NoError(t, err)

	// 7 minutes at 1 U/h is 0.1166 U, which floors to 0.10 U
	r.Cancel(t0.Add(7*time.Minute), nil)
	assert.InDelta(t, 0.10, r.Units, 1e-9)
}

func TestFinalizedUnits(t *testing.T) {
	r := newBolus(t, 3.0)
	end := t0.Add(120 * time.Second)

	for _, at := range []time.Time{t0.Add(-time.Minute), t0, end.Add(-time.Nanosecond)} {
		assert.Nil(t, r.FinalizedUnits(at), "at %s", at)
		assert.False(t, r.IsFinished(at))
	}

	for _, at := range []time.Time{end, end.Add(time.Hour)} {
		units := r.FinalizedUnits(at)
		require.NotNil(t, units, "at %s", at)
		assert.Equal(t, r.Units, *units)
	}
}

func TestInstantaneousDoses(t *testing.T) {
	s := NewSuspend(t0, pulse.DefaultSize)

	assert.True(t, s.IsFinished(t0.Add(-time.Hour)))
	assert.Zero(t, s.Progress(t0.Add(time.Hour)))
	assert.Zero(t, s.Rate())
	assert.Equal(t, t0, s.EndTime())
}

func TestProgress(t *testing.T) {
	r := newBolus(t, 3.0)

	assert.Zero(t, r.Progress(t0.Add(-time.Second)))
	assert.InDelta(t, 0.5, r.Progress(t0.Add(60*time.Second)), 1e-9)
	assert.Equal(t, 1.0, r.Progress(t0.Add(time.Hour)))
}

func TestKey_StableAcrossCopies(t *testing.T) {
	a := newBolus(t, 3.0)
	b := a.Clone()
	b.CommandID = "other"

	assert.Equal(t, a.Key(), b.Key())

	c := newBolus(t, 2.0)
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestClone_DoesNotAlias(t *testing.T) {
	a := newBolus(t, 3.0)
	b := a.Clone()

	b.Cancel(t0.Add(30*time.Second), nil)

	assert.Nil(t, a.ProgrammedUnits)
	assert.Equal(t, 120*time.Second, *a.Duration)
}

func TestRecord_JSONRoundTrip(t *testing.T) {
	r, err := NewTempBasal(t0, 2.0, time.Hour, pulse.DefaultSize)
	require.NoError(t, err)
	r.CommandID = "cmd-1"
	r.Cancel(t0.Add(20*time.Minute), nil)

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var restored Record
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.True(t, r.Equal(restored))
}
