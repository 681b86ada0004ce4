package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/infusion/pkg/basal"
	"github.com/cuemby/infusion/pkg/clock"
	"github.com/cuemby/infusion/pkg/delivery"
	"github.com/cuemby/infusion/pkg/device"
	"github.com/cuemby/infusion/pkg/dose"
	"github.com/cuemby/infusion/pkg/engagement"
	"github.com/cuemby/infusion/pkg/events"
	"github.com/cuemby/infusion/pkg/log"
	"github.com/cuemby/infusion/pkg/metrics"
	"github.com/cuemby/infusion/pkg/pulse"
	"github.com/cuemby/infusion/pkg/recovery"
)

// DoseReporter receives the finalized log plus the still-open doses after
// every finalize pass. Finalized doses are dropped only after a nil return,
// so implementations must tolerate seeing the same dose again.
type DoseReporter interface {
	ReportDoseEvents(ctx context.Context, doses []dose.Record, asOf time.Time) error
}

// UncertaintyHandler keeps commands whose outcome is unknown
type UncertaintyHandler interface {
	HandleUncertain(ctx context.Context, p recovery.Pending) error
	Pending() []recovery.Pending
	Resolve(commandID string) error
}

// StateStore persists the encoded delivery state. LoadState returns nil
// data when nothing has been saved yet.
type StateStore interface {
	SaveState(data []byte) error
	LoadState() ([]byte, error)
}

// Config holds controller collaborators and limits
type Config struct {
	Device   device.Commander
	Reporter DoseReporter
	Recovery UncertaintyHandler
	Store    StateStore
	Broker   *events.Broker
	Clock    clock.Clock

	PulseSize    pulse.Size
	MaxBolus     float64 // U
	MaxBasalRate float64 // U/h
}

// Controller turns delivery requests into device commands and keeps the
// delivery state in step with what the device confirmed.
type Controller struct {
	device   device.Commander
	reporter DoseReporter
	recovery UncertaintyHandler
	store    StateStore
	broker   *events.Broker
	clock    clock.Clock

	pulseSize    pulse.Size
	maxBolus     float64
	maxBasalRate float64

	engagement *engagement.Tracker

	// session serializes device commands across categories
	session sync.Mutex
	// finalizeMu serializes finalize passes and their reports
	finalizeMu sync.Mutex
	reportCh   chan struct{}

	// mu guards state and lastStatus. It is never held across device I/O.
	mu         sync.RWMutex
	state      *delivery.State
	lastStatus *device.Status

	logger zerolog.Logger
}

// New creates a controller, restoring persisted state from cfg.Store when
// there is any
func New(cfg Config) (*Controller, error) {
	if cfg.Device == nil {
		return nil, errors.New("controller requires a device")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if !cfg.PulseSize.Valid() {
		cfg.PulseSize = pulse.DefaultSize
	}
	if cfg.MaxBolus <= 0 {
		cfg.MaxBolus = pulse.MaxBolus
	}
	if cfg.MaxBasalRate <= 0 {
		cfg.MaxBasalRate = pulse.MaxBasalRate
	}
	if cfg.Recovery == nil {
		q, err := recovery.NewQueue(nil)
		if err != nil {
			return nil, err
		}
		cfg.Recovery = q
	}

	c := &Controller{
		device:       cfg.Device,
		reporter:     cfg.Reporter,
		recovery:     cfg.Recovery,
		store:        cfg.Store,
		broker:       cfg.Broker,
		clock:        cfg.Clock,
		pulseSize:    cfg.PulseSize,
		maxBolus:     cfg.MaxBolus,
		maxBasalRate: cfg.MaxBasalRate,
		engagement:   engagement.NewTracker(),
		reportCh:     make(chan struct{}, 1),
		logger:       log.WithComponent("controller"),
	}

	state, err := c.loadState()
	if err != nil {
		return nil, err
	}
	c.state = state

	metrics.RegisterComponent(metrics.ComponentController, true, "")
	if n := len(c.recovery.Pending()); n > 0 {
		metrics.UncertainCommands.Set(float64(n))
		c.logger.Warn().Int("pending", n).Msg("Starting with unconfirmed device commands")
	}
	return c, nil
}

func (c *Controller) loadState() (*delivery.State, error) {
	fresh := delivery.New(basal.Program{}, c.clock.Now())
	if c.store == nil {
		return fresh, nil
	}

	data, err := c.store.LoadState()
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery state: %w", err)
	}
	if len(data) == 0 {
		return fresh, nil
	}

	state, err := delivery.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to restore delivery state: %w", err)
	}
	c.logger.Info().
		Int("finalized", len(state.Finalized())).
		Int("open", len(state.Open())).
		Bool("suspended", state.IsSuspended()).
		Msg("Restored delivery state")
	return state, nil
}

// SetBasalSchedule compiles entries and makes the result the running
// program. While suspended the program is only stored and goes out on
// Resume. An active temp basal is stopped first; that stop stays committed
// even if sending the program then fails.
func (c *Controller) SetBasalSchedule(ctx context.Context, entries []basal.Entry) (basal.Program, error) {
	const op = "set basal schedule"

	program, err := basal.Compile(entries, basal.Config{PulseSize: c.pulseSize, MaxRate: c.maxBasalRate})
	if err != nil {
		return basal.Program{}, &ValidationError{Op: op, Err: err}
	}

	err = c.run(ctx, "", "", func(ctx context.Context) error {
		now := c.clock.Now()
		c.mu.RLock()
		suspended := c.state.IsSuspended()
		tempActive := c.state.Slot(delivery.CategoryTempBasal).ActiveAt(now)
		c.mu.RUnlock()

		if suspended {
			if err := c.commit(func(s *delivery.State) error {
				s.SetProgram(program)
				return nil
			}); err != nil {
				return err
			}
			c.publish(events.EventBasalProgramChanged, "basal program stored until resume", nil)
			return nil
		}

		if tempActive {
			if _, err := c.stopTempBasal(ctx, op); err != nil {
				return err
			}
		}

		id := uuid.NewString()
		issued := c.clock.Now()
		if _, err := c.send(ctx, op, id, func(ctx context.Context) (device.Status, error) {
			return c.device.SendBasalProgram(ctx, device.BasalCommand{ID: id, Program: program})
		}); err != nil {
			if device.MaybeApplied(err) {
				return c.uncertain(ctx, op, recovery.Pending{CommandID: id, Op: recovery.OpSetBasal, IssuedAt: issued, Program: &program}, err, nil)
			}
			return commError(op, err)
		}

		if err := c.commit(func(s *delivery.State) error {
			s.SetProgram(program)
			return nil
		}); err != nil {
			return err
		}
		c.publish(events.EventBasalProgramChanged, fmt.Sprintf("basal program set, %.2f U/day", program.TotalDailyUnits()), commandMeta(id))
		return nil
	})
	if err != nil {
		return basal.Program{}, err
	}
	return program, nil
}

// EnactBolus delivers units, rounded to whole pulses
func (c *Controller) EnactBolus(ctx context.Context, units float64) (dose.Record, error) {
	const op = "bolus"

	if !(units > 0) || units > c.maxBolus {
		return dose.Record{}, &ValidationError{Op: op, Err: fmt.Errorf("bolus of %v U outside (0, %v]", units, c.maxBolus)}
	}
	pulses := c.pulseSize.Pulses(units)
	if pulses < 1 {
		return dose.Record{}, &ValidationError{Op: op, Err: fmt.Errorf("bolus of %v U is less than one pulse", units)}
	}
	units = c.pulseSize.Units(pulses)

	var rec dose.Record
	err := c.run(ctx, engagement.Bolus, engagement.Engaging, func(ctx context.Context) error {
		now := c.clock.Now()
		c.mu.RLock()
		suspended := c.state.IsSuspended()
		active := c.state.Slot(delivery.CategoryBolus).ActiveAt(now)
		c.mu.RUnlock()

		if suspended {
			return ErrSuspended
		}
		if active {
			return &BusyError{Category: engagement.Bolus, Reason: "bolus still delivering"}
		}

		r, err := dose.NewBolus(now, units, pulse.BolusDuration(units), c.pulseSize)
		if err != nil {
			return &ValidationError{Op: op, Err: err}
		}
		id := uuid.NewString()
		r.CommandID = id

		if _, err := c.send(ctx, op, id, func(ctx context.Context) (device.Status, error) {
			return c.device.SendBolus(ctx, device.BolusCommand{ID: id, Pulses: pulses})
		}); err != nil {
			if !device.MaybeApplied(err) {
				return commError(op, err)
			}
			r.Certainty = dose.Uncertain
			rec = r
			return c.uncertain(ctx, op, recovery.Pending{CommandID: id, Op: recovery.OpBolus, IssuedAt: now, Dose: &r}, err,
				func(s *delivery.State) error { return s.BeginBolus(r) })
		}

		if err := c.commit(func(s *delivery.State) error { return s.BeginBolus(r) }); err != nil {
			return err
		}
		rec = r
		c.publish(events.EventBolusStarted, r.String(), commandMeta(id))
		return nil
	})
	return rec, err
}

// CancelBolus stops the running bolus and returns it as finalized, with
// the pulses the device reports as undelivered taken off
func (c *Controller) CancelBolus(ctx context.Context) (dose.Record, error) {
	const op = "cancel bolus"

	var rec dose.Record
	err := c.run(ctx, engagement.Bolus, engagement.Disengaging, func(ctx context.Context) error {
		now := c.clock.Now()
		c.mu.RLock()
		active := c.state.Slot(delivery.CategoryBolus).ActiveAt(now)
		c.mu.RUnlock()
		if !active {
			return ErrNoActiveDose
		}

		id := uuid.NewString()
		st, err := c.send(ctx, op, id, func(ctx context.Context) (device.Status, error) {
			return c.device.StopProgram(ctx, device.StopCommand{ID: id, Kind: device.StopBolus})
		})
		if err != nil {
			if device.MaybeApplied(err) {
				return c.uncertain(ctx, op, recovery.Pending{CommandID: id, Op: recovery.OpCancelBolus, IssuedAt: now}, err,
					markOpen(now, delivery.CategoryBolus))
			}
			return commError(op, err)
		}

		remaining := st.BolusRemainingPulses
		if err := c.commit(func(s *delivery.State) error {
			var err error
			rec, err = s.CancelBolus(now, &remaining)
			return err
		}); err != nil {
			return err
		}
		c.publish(events.EventBolusCancelled, rec.String(), commandMeta(id))
		return nil
	})
	return rec, err
}

// EnactTempBasal overrides the basal program for duration. A running temp
// basal is stopped first.
func (c *Controller) EnactTempBasal(ctx context.Context, ratePerHour float64, duration time.Duration) (dose.Record, error) {
	const op = "temp basal"

	if !(ratePerHour >= 0) || ratePerHour > c.maxBasalRate {
		return dose.Record{}, &ValidationError{Op: op, Err: fmt.Errorf("rate %v U/h outside [0, %v]", ratePerHour, c.maxBasalRate)}
	}
	if duration <= 0 || duration > MaxTempBasalDuration || duration%pulse.SlotDuration != 0 {
		return dose.Record{}, &ValidationError{Op: op, Err: fmt.Errorf("duration %s must be a multiple of %s up to %s", duration, pulse.SlotDuration, MaxTempBasalDuration)}
	}
	pulsesPerHour := c.pulseSize.Pulses(ratePerHour)
	ratePerHour = c.pulseSize.Units(pulsesPerHour)

	var rec dose.Record
	err := c.run(ctx, engagement.TempBasal, engagement.Engaging, func(ctx context.Context) error {
		now := c.clock.Now()
		c.mu.RLock()
		suspended := c.state.IsSuspended()
		active := c.state.Slot(delivery.CategoryTempBasal).ActiveAt(now)
		c.mu.RUnlock()

		if suspended {
			return ErrSuspended
		}
		if active {
			if _, err := c.stopTempBasal(ctx, op); err != nil {
				return err
			}
			now = c.clock.Now()
		}

		r, err := dose.NewTempBasal(now, ratePerHour, duration, c.pulseSize)
		if err != nil {
			return &ValidationError{Op: op, Err: err}
		}
		id := uuid.NewString()
		r.CommandID = id

		if _, err := c.send(ctx, op, id, func(ctx context.Context) (device.Status, error) {
			return c.device.SendTempBasal(ctx, device.TempBasalCommand{ID: id, PulsesPerHour: pulsesPerHour, Duration: duration})
		}); err != nil {
			if !device.MaybeApplied(err) {
				return commError(op, err)
			}
			r.Certainty = dose.Uncertain
			rec = r
			return c.uncertain(ctx, op, recovery.Pending{CommandID: id, Op: recovery.OpTempBasal, IssuedAt: now, Dose: &r}, err,
				func(s *delivery.State) error { return s.BeginTempBasal(r) })
		}

		if err := c.commit(func(s *delivery.State) error { return s.BeginTempBasal(r) }); err != nil {
			return err
		}
		rec = r
		c.publish(events.EventTempBasalStarted, r.String(), commandMeta(id))
		return nil
	})
	return rec, err
}

// CancelTempBasal stops the running temp basal, returning delivery to the
// basal program
func (c *Controller) CancelTempBasal(ctx context.Context) (dose.Record, error) {
	const op = "cancel temp basal"

	var rec dose.Record
	err := c.run(ctx, engagement.TempBasal, engagement.Disengaging, func(ctx context.Context) error {
		c.mu.RLock()
		active := c.state.Slot(delivery.CategoryTempBasal).ActiveAt(c.clock.Now())
		c.mu.RUnlock()
		if !active {
			return ErrNoActiveDose
		}

		var err error
		rec, err = c.stopTempBasal(ctx, op)
		return err
	})
	return rec, err
}

// stopTempBasal sends the stop and commits the cancelled temp basal. The
// caller holds the session lock.
func (c *Controller) stopTempBasal(ctx context.Context, op string) (dose.Record, error) {
	now := c.clock.Now()
	id := uuid.NewString()

	if _, err := c.send(ctx, "cancel temp basal", id, func(ctx context.Context) (device.Status, error) {
		return c.device.StopProgram(ctx, device.StopCommand{ID: id, Kind: device.StopTempBasal})
	}); err != nil {
		if device.MaybeApplied(err) {
			return dose.Record{}, c.uncertain(ctx, op, recovery.Pending{CommandID: id, Op: recovery.OpCancelTempBasal, IssuedAt: now}, err,
				markOpen(now, delivery.CategoryTempBasal))
		}
		return dose.Record{}, commError(op, err)
	}

	var rec dose.Record
	if err := c.commit(func(s *delivery.State) error {
		var err error
		rec, err = s.CancelTempBasal(now)
		return err
	}); err != nil {
		return dose.Record{}, err
	}
	c.publish(events.EventTempBasalCancelled, rec.String(), commandMeta(id))
	return rec, nil
}

// Suspend halts all delivery. A running bolus and temp basal are cancelled
// with it. reminder, when positive, asks the device to alert after that
// long suspended.
func (c *Controller) Suspend(ctx context.Context, reminder time.Duration) (dose.Record, error) {
	const op = "suspend"

	if reminder < 0 {
		return dose.Record{}, &ValidationError{Op: op, Err: fmt.Errorf("negative reminder %s", reminder)}
	}

	var rec dose.Record
	err := c.run(ctx, engagement.Suspend, engagement.Engaging, func(ctx context.Context) error {
		c.mu.RLock()
		suspended := c.state.IsSuspended()
		c.mu.RUnlock()
		if suspended {
			return ErrSuspended
		}

		now := c.clock.Now()
		id := uuid.NewString()
		r := dose.NewSuspend(now, c.pulseSize)
		r.CommandID = id

		st, err := c.send(ctx, op, id, func(ctx context.Context) (device.Status, error) {
			return c.device.StopProgram(ctx, device.StopCommand{ID: id, Kind: device.StopAll, Reminder: reminder})
		})
		if err != nil {
			if device.MaybeApplied(err) {
				r.Certainty = dose.Uncertain
				return c.uncertain(ctx, op, recovery.Pending{CommandID: id, Op: recovery.OpSuspend, IssuedAt: now, Dose: &r}, err,
					markOpen(now, delivery.CategoryTempBasal, delivery.CategoryBolus))
			}
			return commError(op, err)
		}

		remaining := st.BolusRemainingPulses
		var cancelled []dose.Record
		if err := c.commit(func(s *delivery.State) error {
			var err error
			cancelled, err = s.Suspend(r, &remaining)
			return err
		}); err != nil {
			return err
		}
		rec = r

		meta := commandMeta(id)
		meta["cancelled"] = fmt.Sprint(len(cancelled))
		c.publish(events.EventSuspended, "delivery suspended", meta)
		return nil
	})
	return rec, err
}

// Resume restarts delivery by sending the stored basal program
func (c *Controller) Resume(ctx context.Context) (dose.Record, error) {
	const op = "resume"

	var rec dose.Record
	err := c.run(ctx, engagement.Suspend, engagement.Disengaging, func(ctx context.Context) error {
		c.mu.RLock()
		suspended := c.state.IsSuspended()
		program := c.state.Program()
		c.mu.RUnlock()

		if !suspended {
			return ErrNotSuspended
		}
		if program.IsEmpty() {
			return &ValidationError{Op: op, Err: errors.New("no basal program to resume")}
		}

		now := c.clock.Now()
		id := uuid.NewString()
		r := dose.NewResume(now, c.pulseSize)
		r.CommandID = id

		if _, err := c.send(ctx, op, id, func(ctx context.Context) (device.Status, error) {
			return c.device.SendBasalProgram(ctx, device.BasalCommand{ID: id, Program: program})
		}); err != nil {
			if device.MaybeApplied(err) {
				r.Certainty = dose.Uncertain
				return c.uncertain(ctx, op, recovery.Pending{CommandID: id, Op: recovery.OpResume, IssuedAt: now, Dose: &r, Program: &program}, err, nil)
			}
			return commError(op, err)
		}

		if err := c.commit(func(s *delivery.State) error { return s.Resume(r) }); err != nil {
			return err
		}
		rec = r
		c.publish(events.EventResumed, "delivery resumed", commandMeta(id))
		return nil
	})
	return rec, err
}

// RefreshStatus reads the device status without changing anything
func (c *Controller) RefreshStatus(ctx context.Context) (device.Status, error) {
	const op = "get status"

	c.session.Lock()
	defer c.session.Unlock()

	st, err := c.send(ctx, op, "", c.device.GetStatus)
	if err != nil {
		return device.Status{}, commError(op, err)
	}
	return st, nil
}

// ResolveUncertain settles every pending command against the device's last
// applied command ID. It returns how many were settled.
func (c *Controller) ResolveUncertain(ctx context.Context) (int, error) {
	c.session.Lock()
	defer c.session.Unlock()
	return c.resolve(ctx)
}

// resolve does the work of ResolveUncertain. The caller holds the session
// lock, so at most one command can be pending here and comparing it with
// the device's last command ID is enough to know whether it applied.
func (c *Controller) resolve(ctx context.Context) (int, error) {
	pending := c.recovery.Pending()
	if len(pending) == 0 {
		return 0, nil
	}

	st, err := c.send(ctx, "get status", "", c.device.GetStatus)
	if err != nil {
		return 0, commError("resolve", err)
	}

	for _, p := range pending {
		applied := st.LastCommandID == p.CommandID
		var cancelled []dose.Record
		var aerr error
		if err := c.commit(func(s *delivery.State) error {
			cancelled, aerr = applyResolution(s, p, applied)
			return nil
		}); err != nil {
			return 0, err
		}
		if err := c.recovery.Resolve(p.CommandID); err != nil {
			c.logger.Error().Err(err).Str("command_id", p.CommandID).Msg("Failed to clear resolved command")
		}

		logger := log.WithCommandID(c.logger, p.CommandID)
		if p.Dose != nil {
			logger = log.WithDoseType(logger, string(p.Dose.Type))
		}
		if aerr != nil {
			logger.Error().Err(aerr).Str("op", string(p.Op)).Bool("applied", applied).Msg("Resolved command did not match delivery state")
		}
		logger.Info().Str("op", string(p.Op)).Bool("applied", applied).Msg("Resolved unconfirmed command")
		for _, r := range cancelled {
			c.publishCancelled(r, p.CommandID)
		}
		c.publish(events.EventUncertaintyResolved, fmt.Sprintf("%s %s", p.Op, appliedWord(applied)), map[string]string{
			"command_id": p.CommandID,
			"op":         string(p.Op),
			"applied":    fmt.Sprint(applied),
		})
	}

	metrics.UncertainCommands.Set(float64(len(c.recovery.Pending())))
	return len(pending), nil
}

// applyResolution brings s in line with the device for one settled command
// and returns the doses it cancelled. Doses an uncertain cancel or suspend
// left flagged are made certain again either way.
func applyResolution(s *delivery.State, p recovery.Pending, applied bool) ([]dose.Record, error) {
	switch p.Op {
	case recovery.OpBolus, recovery.OpTempBasal:
		if _, ok := s.ResolveCommand(p.CommandID, applied); ok || !applied || p.Dose == nil {
			return nil, nil
		}
		// applied, but the dose never made it into the state
		r := p.Dose.Clone()
		r.Certainty = dose.Certain
		if p.Op == recovery.OpBolus {
			return nil, s.BeginBolus(r)
		}
		return nil, s.BeginTempBasal(r)
	case recovery.OpSetBasal:
		if applied && p.Program != nil {
			s.SetProgram(*p.Program)
		}
	case recovery.OpSuspend:
		s.Confirm(delivery.CategoryTempBasal)
		s.Confirm(delivery.CategoryBolus)
		if applied && p.Dose != nil {
			r := p.Dose.Clone()
			r.Certainty = dose.Certain
			return s.Suspend(r, nil)
		}
	case recovery.OpResume:
		if applied && p.Dose != nil {
			if p.Program != nil {
				s.SetProgram(*p.Program)
			}
			r := p.Dose.Clone()
			r.Certainty = dose.Certain
			return nil, s.Resume(r)
		}
	case recovery.OpCancelBolus:
		s.Confirm(delivery.CategoryBolus)
		if applied {
			return asCancelled(s.CancelBolus(p.IssuedAt, nil))
		}
	case recovery.OpCancelTempBasal:
		s.Confirm(delivery.CategoryTempBasal)
		if applied {
			return asCancelled(s.CancelTempBasal(p.IssuedAt))
		}
	}
	return nil, nil
}

func asCancelled(r dose.Record, err error) ([]dose.Record, error) {
	if err != nil {
		return nil, err
	}
	return []dose.Record{r}, nil
}

// markOpen flags the doses open in cats as uncertain while a command that
// may have stopped them is unresolved
func markOpen(t time.Time, cats ...delivery.Category) func(s *delivery.State) error {
	return func(s *delivery.State) error {
		for _, cat := range cats {
			s.MarkUncertain(cat, t)
		}
		return nil
	}
}

// Finalize moves finished doses to the finalized log and reports the log
// plus the open doses. On a reporter error the log is kept for the next
// pass. Without a reporter, finalized doses are dropped right away.
func (c *Controller) Finalize(ctx context.Context) error {
	c.finalizeMu.Lock()
	defer c.finalizeMu.Unlock()

	now := c.clock.Now()
	c.finalizeLocal(now)
	if c.reporter == nil {
		return nil
	}

	c.mu.RLock()
	reportable := c.state.Reportable()
	finalized := c.state.Finalized()
	c.mu.RUnlock()
	if len(reportable) == 0 {
		return nil
	}

	if err := c.reporter.ReportDoseEvents(ctx, reportable, now); err != nil {
		metrics.ReportFailures.Inc()
		metrics.UpdateComponent(metrics.ComponentReporter, false, err.Error())
		c.logger.Warn().Err(err).Int("doses", len(reportable)).Msg("Dose report failed, keeping finalized doses")
		return fmt.Errorf("failed to report dose events: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentReporter, true, "")
	c.acknowledge(finalized)
	return nil
}

// finalizeLocal moves finished doses into the finalized log without
// reporting them
func (c *Controller) finalizeLocal(now time.Time) {
	c.mu.Lock()
	moved := c.state.Finalize(now)
	var data []byte
	var err error
	if len(moved) > 0 {
		data, err = delivery.Marshal(c.state)
	}
	finalized := c.state.Finalized()
	c.mu.Unlock()

	if len(moved) > 0 {
		c.persist(data, err)
		for _, r := range moved {
			metrics.DosesFinalized.WithLabelValues(string(r.Type)).Inc()
			metrics.UnitsDelivered.WithLabelValues(string(r.Type)).Add(r.Units)
		}
		c.publish(events.EventDosesFinalized, fmt.Sprintf("%d doses finalized", len(moved)), nil)
	}
	if c.reporter == nil {
		c.acknowledge(finalized)
	}
}

// ReportRequests signals when an operation changed the dose log and a
// Finalize pass should report it. The reconciler drains it.
func (c *Controller) ReportRequests() <-chan struct{} {
	return c.reportCh
}

func (c *Controller) requestReport() {
	if c.reporter == nil {
		return
	}
	select {
	case c.reportCh <- struct{}{}:
	default:
	}
}

func (c *Controller) acknowledge(finalized []dose.Record) {
	if len(finalized) == 0 {
		return
	}

	c.mu.Lock()
	removed := c.state.Acknowledge(finalized)
	var data []byte
	var err error
	if removed > 0 {
		data, err = delivery.Marshal(c.state)
	}
	c.mu.Unlock()

	if removed > 0 {
		c.persist(data, err)
		c.logger.Debug().Int("doses", removed).Msg("Acknowledged finalized doses")
	}
}

// Snapshot returns a copy of the delivery state
func (c *Controller) Snapshot() delivery.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Snapshot()
}

// Engagement returns the engagement state of every category
func (c *Controller) Engagement() map[engagement.Category]engagement.State {
	return c.engagement.Snapshot()
}

// LastStatus returns the most recent device status, if any was read
func (c *Controller) LastStatus() (device.Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastStatus == nil {
		return device.Status{}, false
	}
	return *c.lastStatus, true
}

// DeliveryUnconfirmed reports whether any command outcome is still unknown
func (c *Controller) DeliveryUnconfirmed() bool {
	if len(c.recovery.Pending()) > 0 {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Unconfirmed()
}

// PendingCommands returns how many commands await resolution
func (c *Controller) PendingCommands() int {
	return len(c.recovery.Pending())
}

// EffectiveRate returns the basal rate being delivered now in U/h
func (c *Controller) EffectiveRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.EffectiveRate(c.clock.Now())
}

// PulseSize returns the pulse volume in units
func (c *Controller) PulseSize() float64 {
	return float64(c.pulseSize)
}

var _ metrics.Source = (*Controller)(nil)
