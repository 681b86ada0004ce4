package device

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cuemby/infusion/pkg/basal"
	"github.com/cuemby/infusion/pkg/clock"
	"github.com/cuemby/infusion/pkg/pulse"
)

// Fault is a failure the simulator injects into the next program command
type Fault int

const (
	FaultNone Fault = iota
	// FaultRejected refuses the command without applying it
	FaultRejected
	// FaultLostRequest drops the command before the device sees it, then
	// times out
	FaultLostRequest
	// FaultLostResponse applies the command but drops the reply
	FaultLostResponse
	// FaultOcclusion raises a terminal occlusion alarm
	FaultOcclusion
)

// SimulatorConfig configures a Simulator
type SimulatorConfig struct {
	PulseSize      pulse.Size
	ReservoirUnits float64
	Clock          clock.Clock
}

type simBolus struct {
	start  time.Time
	pulses int
}

type simTemp struct {
	start         time.Time
	pulsesPerHour int
	duration      time.Duration
}

// Simulator is an in-process pump with pulse-accurate delivery accounting.
// Delivery advances only as its clock advances.
type Simulator struct {
	mu sync.Mutex

	clock     clock.Clock
	pulseSize pulse.Size

	program   basal.Program
	bolus     *simBolus
	temp      *simTemp
	suspended bool
	reminder  time.Time

	reservoir  int
	delivered  int
	basalCarry float64
	settledAt  time.Time

	lastID string
	alarms []Alarm
	faults []Fault
	gate   chan struct{}
}

// NewSimulator returns a simulator with a full reservoir and an empty basal
// program, so nothing is delivered until a program is sent.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if !cfg.PulseSize.Valid() {
		cfg.PulseSize = pulse.DefaultSize
	}
	if cfg.ReservoirUnits <= 0 {
		cfg.ReservoirUnits = 200
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Simulator{
		clock:     cfg.Clock,
		pulseSize: cfg.PulseSize,
		reservoir: cfg.PulseSize.Pulses(cfg.ReservoirUnits),
		settledAt: cfg.Clock.Now(),
	}
}

// InjectFault queues f for the next program or stop command
func (s *Simulator) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// Hold makes every subsequent command wait until release is called or its
// context ends
func (s *Simulator) Hold() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gate = ch
	s.mu.Unlock()
	return sync.OnceFunc(func() {
		s.mu.Lock()
		if s.gate == ch {
			s.gate = nil
		}
		s.mu.Unlock()
		close(ch)
	})
}

// SendBasalProgram implements Commander
func (s *Simulator) SendBasalProgram(ctx context.Context, cmd BasalCommand) (Status, error) {
	return s.exec(ctx, "send basal program", cmd.ID, func(now time.Time) *CommandError {
		if s.activeTemp(now) {
			return s.overlap("send basal program")
		}
		s.program = cmd.Program
		s.suspended = false
		s.reminder = time.Time{}
		return nil
	})
}

// SendTempBasal implements Commander
func (s *Simulator) SendTempBasal(ctx context.Context, cmd TempBasalCommand) (Status, error) {
	return s.exec(ctx, "send temp basal", cmd.ID, func(now time.Time) *CommandError {
		if s.suspended {
			return &CommandError{Op: "send temp basal", Code: CodeRejected, Message: "delivery suspended"}
		}
		if s.activeTemp(now) {
			return s.overlap("send temp basal")
		}
		s.temp = &simTemp{start: now, pulsesPerHour: cmd.PulsesPerHour, duration: cmd.Duration}
		return nil
	})
}

// SendBolus implements Commander
func (s *Simulator) SendBolus(ctx context.Context, cmd BolusCommand) (Status, error) {
	return s.exec(ctx, "send bolus", cmd.ID, func(now time.Time) *CommandError {
		if s.suspended {
			return &CommandError{Op: "send bolus", Code: CodeRejected, Message: "delivery suspended"}
		}
		if s.bolusRemaining(now) > 0 {
			return &CommandError{Op: "send bolus", Code: CodeRejected, Message: "bolus in progress"}
		}
		s.bolus = &simBolus{start: now, pulses: cmd.Pulses}
		return nil
	})
}

// StopProgram implements Commander
func (s *Simulator) StopProgram(ctx context.Context, cmd StopCommand) (Status, error) {
	var abandoned int
	st, err := s.exec(ctx, "stop "+cmd.Kind.String(), cmd.ID, func(now time.Time) *CommandError {
		if cmd.Kind == StopBolus || cmd.Kind == StopAll {
			abandoned = s.bolusRemaining(now)
			s.bolus = nil
		}
		if cmd.Kind == StopTempBasal || cmd.Kind == StopAll {
			s.temp = nil
		}
		if cmd.Kind == StopAll {
			s.suspended = true
			if cmd.Reminder > 0 {
				s.reminder = now.Add(cmd.Reminder)
			}
		}
		return nil
	})
	if err == nil {
		st.BolusRemainingPulses = abandoned
	}
	return st, err
}

// GetStatus implements Commander
func (s *Simulator) GetStatus(ctx context.Context) (Status, error) {
	if err := s.wait(ctx, "get status"); err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.settle(now)
	return s.status(now), nil
}

func (s *Simulator) exec(ctx context.Context, op, id string, apply func(now time.Time) *CommandError) (Status, error) {
	if err := s.wait(ctx, op); err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.settle(now)

	if s.faulted() {
		return Status{}, &CommandError{Op: op, Code: CodeFault, Message: "device alarm", Unrecoverable: true}
	}

	fault := FaultNone
	if len(s.faults) > 0 {
		fault, s.faults = s.faults[0], s.faults[1:]
	}

	switch fault {
	case FaultRejected:
		return Status{}, &CommandError{Op: op, Code: CodeRejected, Message: "injected rejection"}
	case FaultLostRequest:
		return Status{}, &CommandError{Op: op, Code: CodeNoResponse, MaybeApplied: true}
	case FaultOcclusion:
		s.raise(AlarmOcclusion)
		s.halt()
		return Status{}, &CommandError{Op: op, Code: CodeFault, Message: "occlusion", Unrecoverable: true}
	}

	if cerr := apply(now); cerr != nil {
		return Status{}, cerr
	}
	s.lastID = id

	if fault == FaultLostResponse {
		return Status{}, &CommandError{Op: op, Code: CodeNoResponse, MaybeApplied: true}
	}
	return s.status(now), nil
}

func (s *Simulator) wait(ctx context.Context, op string) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return &CommandError{Op: op, Code: CodeUnreachable, Message: ctx.Err().Error()}
		}
	}
	if err := ctx.Err(); err != nil {
		return &CommandError{Op: op, Code: CodeUnreachable, Message: err.Error()}
	}
	return nil
}

// faulted reports whether a terminal alarm is raised
func (s *Simulator) faulted() bool {
	for _, a := range s.alarms {
		if a.Terminal() {
			return true
		}
	}
	return false
}

func (s *Simulator) overlap(op string) *CommandError {
	s.raise(AlarmProgramOverlap)
	s.halt()
	return &CommandError{Op: op, Code: CodeFault, Message: "program sent while temp basal active", Unrecoverable: true}
}

func (s *Simulator) raise(a Alarm) {
	for _, x := range s.alarms {
		if x == a {
			return
		}
	}
	s.alarms = append(s.alarms, a)
}

func (s *Simulator) halt() {
	s.bolus = nil
	s.temp = nil
	s.suspended = true
}

func (s *Simulator) activeTemp(now time.Time) bool {
	return s.temp != nil && now.Before(s.temp.start.Add(s.temp.duration))
}

func (s *Simulator) pulseInterval() time.Duration {
	return time.Duration(float64(s.pulseSize) / pulse.BolusRate * float64(time.Second))
}

func (s *Simulator) bolusDelivered(now time.Time) int {
	if s.bolus == nil {
		return 0
	}
	elapsed := now.Sub(s.bolus.start)
	if elapsed <= 0 {
		return 0
	}
	n := int(elapsed / s.pulseInterval())
	return min(n, s.bolus.pulses)
}

func (s *Simulator) bolusRemaining(now time.Time) int {
	if s.bolus == nil {
		return 0
	}
	return s.bolus.pulses - s.bolusDelivered(now)
}

// settle brings the delivered and reservoir counters up to now. Callers
// hold s.mu.
func (s *Simulator) settle(now time.Time) {
	if !now.After(s.settledAt) {
		return
	}
	from := s.settledAt
	s.settledAt = now

	if b := s.bolus; b != nil {
		before := s.bolusDelivered(from)
		after := s.bolusDelivered(now)
		if after >= b.pulses {
			s.bolus = nil
		}
		s.consume(after - before)
	}

	if !s.suspended {
		s.basalCarry += s.basalPulses(from, now)
		whole := math.Floor(s.basalCarry)
		s.basalCarry -= whole
		s.consume(int(whole))
	}

	if s.temp != nil && !s.activeTemp(now) {
		s.temp = nil
	}
	if s.suspended && !s.reminder.IsZero() && !now.Before(s.reminder) {
		s.raise(AlarmSuspendExpired)
	}
}

func (s *Simulator) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= s.reservoir {
		n = s.reservoir
		s.raise(AlarmEmptyReservoir)
		s.halt()
	}
	s.reservoir -= n
	s.delivered += n
}

// basalPulses integrates the effective basal rate over [from, to), stepping
// at slot boundaries and at the end of a temp basal
func (s *Simulator) basalPulses(from, to time.Time) float64 {
	var total float64
	for t := from; t.Before(to); {
		next := to
		if b := nextSlotBoundary(t); b.Before(next) {
			next = b
		}

		var rate float64
		if s.temp != nil && !t.Before(s.temp.start) {
			end := s.temp.start.Add(s.temp.duration)
			if t.Before(end) {
				rate = float64(s.temp.pulsesPerHour)
				if end.Before(next) {
					next = end
				}
			} else {
				rate = s.scheduledPulses(t)
			}
		} else {
			rate = s.scheduledPulses(t)
		}

		total += rate * next.Sub(t).Hours()
		t = next
	}
	return total
}

func (s *Simulator) scheduledPulses(t time.Time) float64 {
	if s.program.IsEmpty() {
		return 0
	}
	return float64(s.pulseSize.Pulses(s.program.RateAt(timeOfDay(t))))
}

func timeOfDay(t time.Time) time.Duration {
	y, m, d := t.Date()
	return t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location()))
}

func nextSlotBoundary(t time.Time) time.Time {
	offset := timeOfDay(t)
	return t.Add(pulse.SlotDuration - offset%pulse.SlotDuration)
}

func (s *Simulator) status(now time.Time) Status {
	st := Status{
		Time:                 now,
		LastCommandID:        s.lastID,
		BolusActive:          s.bolusRemaining(now) > 0,
		BolusRemainingPulses: s.bolusRemaining(now),
		TempBasalActive:      s.activeTemp(now),
		Suspended:            s.suspended,
		DeliveredPulses:      s.delivered,
		ReservoirPulses:      s.reservoir,
	}
	if len(s.alarms) > 0 {
		st.Alarms = append([]Alarm(nil), s.alarms...)
	}
	return st
}

var _ Commander = (*Simulator)(nil)
