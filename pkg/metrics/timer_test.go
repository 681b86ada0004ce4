package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// seriesCount gathers c through a private registry and counts its series
func seriesCount(t *testing.T, c prometheus.Collector) int {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	n := 0
	for _, f := range families {
		n += len(f.GetMetric())
	}
	return n
}

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	if timer.start.IsZero() {
		t.Fatal("NewTimer() start time is zero")
	}
	if d := timer.Duration(); d < 0 || d > time.Second {
		t.Errorf("Timer.Duration() = %v right after start", d)
	}
}

func TestTimer_DurationGrows(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	time.Sleep(20 * time.Millisecond)
	second := timer.Duration()

	if first < 20*time.Millisecond {
		t.Errorf("first Duration() = %v, want >= 20ms", first)
	}
	if second <= first {
		t.Errorf("Duration() should grow: first=%v, second=%v", first, second)
	}
}

func TestTimer_ObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_pass_duration_seconds",
		Help: "test",
	})

	NewTimer().ObserveDuration(h)

	if n := seriesCount(t, h); n != 1 {
		t.Errorf("expected 1 histogram series, got %d", n)
	}
}

func TestTimer_ObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_command_duration_seconds",
		Help: "test",
	}, []string{"op"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "bolus")
	timer.ObserveDurationVec(vec, "suspend")

	if n := seriesCount(t, vec); n != 2 {
		t.Errorf("expected 2 histogram series, got %d", n)
	}
}
