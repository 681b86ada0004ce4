package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/infusion/pkg/delivery"
	"github.com/cuemby/infusion/pkg/device"
	"github.com/cuemby/infusion/pkg/dose"
	"github.com/cuemby/infusion/pkg/engagement"
	"github.com/cuemby/infusion/pkg/events"
	"github.com/cuemby/infusion/pkg/log"
	"github.com/cuemby/infusion/pkg/metrics"
	"github.com/cuemby/infusion/pkg/recovery"
)

// MaxTempBasalDuration is the longest temp basal the device accepts
const MaxTempBasalDuration = 12 * time.Hour

// run executes one operation. A non-empty cat is marked engaged while fn
// runs, so a second request in that category fails fast with *BusyError.
// The device session is held while fn runs. Afterwards finished doses are
// finalized and a report is requested; the report itself runs off the
// request path.
func (c *Controller) run(ctx context.Context, cat engagement.Category, to engagement.State, fn func(ctx context.Context) error) error {
	err := c.engaged(ctx, cat, to, fn)
	c.finalizeLocal(c.clock.Now())
	c.requestReport()
	return err
}

func (c *Controller) engaged(ctx context.Context, cat engagement.Category, to engagement.State, fn func(ctx context.Context) error) error {
	if cat != "" {
		if err := c.engagement.Begin(cat, to); err != nil {
			return &BusyError{Category: cat, Reason: err.Error()}
		}
		defer c.engagement.End(cat)
	}
	return c.withSession(ctx, fn)
}

func (c *Controller) withSession(ctx context.Context, fn func(ctx context.Context) error) error {
	c.session.Lock()
	defer c.session.Unlock()

	if err := c.ensureConfirmed(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// ensureConfirmed settles pending commands before a new one is sent. If the
// device cannot be read, nothing new is sent: a second unconfirmed command
// would make the last-command-ID check ambiguous.
func (c *Controller) ensureConfirmed(ctx context.Context) error {
	if len(c.recovery.Pending()) == 0 {
		return nil
	}
	if _, err := c.resolve(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnconfirmed, err)
	}
	return nil
}

// send runs one device command with metrics and logging. A successful
// reply updates the last known status.
func (c *Controller) send(ctx context.Context, op, id string, call func(ctx context.Context) (device.Status, error)) (device.Status, error) {
	timer := metrics.NewTimer()
	st, err := call(ctx)
	timer.ObserveDurationVec(metrics.CommandDuration, op)

	outcome := outcomeOf(err)
	metrics.CommandsTotal.WithLabelValues(op, outcome).Inc()

	logger := c.logger
	if id != "" {
		logger = log.WithCommandID(logger, id)
	}
	if err != nil {
		logger.Warn().Err(err).Str("op", op).Str("outcome", outcome).Dur("duration", timer.Duration()).Msg("Device command failed")
		if device.Unrecoverable(err) {
			metrics.UpdateComponent(metrics.ComponentDevice, false, err.Error())
		}
		return st, err
	}

	logger.Debug().Str("op", op).Dur("duration", timer.Duration()).Msg("Device command applied")
	c.recordStatus(st)
	return st, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "applied"
	case device.MaybeApplied(err):
		return "uncertain"
	case device.Unrecoverable(err):
		return "fault"
	default:
		return "rejected"
	}
}

func (c *Controller) recordStatus(st device.Status) {
	c.mu.Lock()
	c.lastStatus = &st
	c.mu.Unlock()

	metrics.ReservoirUnits.Set(c.pulseSize.Units(st.ReservoirPulses))
	if st.Faulted() {
		metrics.UpdateComponent(metrics.ComponentDevice, false, fmt.Sprintf("alarms: %v", st.Alarms))
	} else {
		metrics.UpdateComponent(metrics.ComponentDevice, true, "")
	}

	if len(st.Alarms) > 0 {
		c.logger.Warn().Interface("alarms", st.Alarms).Msg("Device reports alarms")
		c.publishStatus(events.EventDeviceAlarm, fmt.Sprintf("device alarms: %v", st.Alarms), st)
		return
	}
	c.publishStatus(events.EventStatusUpdated, "device status", st)
}

// uncertain hands p to the uncertainty handler, then applies mark to the
// state, and builds the error the caller returns. p is queued first so a
// crash in between never leaves an uncertain dose with nothing to resolve it.
func (c *Controller) uncertain(ctx context.Context, op string, p recovery.Pending, cause error, mark func(s *delivery.State) error) error {
	if err := c.recovery.HandleUncertain(ctx, p); err != nil {
		metrics.PersistFailures.Inc()
		c.logger.Error().Err(err).Str("command_id", p.CommandID).Msg("Failed to persist unconfirmed command")
	}
	metrics.UncertainCommands.Set(float64(len(c.recovery.Pending())))

	if mark != nil {
		if err := c.commit(mark); err != nil {
			logger := log.WithCommandID(c.logger, p.CommandID)
			logger.Error().Err(err).Str("op", op).Msg("Failed to record unconfirmed command in delivery state")
		}
	}

	c.publish(events.EventDeliveryUnconfirmed, fmt.Sprintf("could not confirm %s", op), map[string]string{
		"command_id": p.CommandID,
		"op":         string(p.Op),
	})
	return &UncertainError{Op: op, CommandID: p.CommandID, Err: cause}
}

// commit applies fn to the state and persists the result. The state lock
// is held only for fn and the encode.
func (c *Controller) commit(fn func(s *delivery.State) error) error {
	c.mu.Lock()
	if err := fn(c.state); err != nil {
		c.mu.Unlock()
		return err
	}
	data, err := delivery.Marshal(c.state)
	c.mu.Unlock()

	c.persist(data, err)
	return nil
}

// persist saves encoded state. Failures are logged and counted; the
// in-memory state stays authoritative.
func (c *Controller) persist(data []byte, err error) {
	if c.store == nil {
		return
	}
	if err == nil {
		err = c.store.SaveState(data)
	}
	if err != nil {
		metrics.PersistFailures.Inc()
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		c.logger.Error().Err(err).Msg("Failed to persist delivery state")
		return
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "")
}

func (c *Controller) publish(typ events.EventType, msg string, meta map[string]string) {
	if c.broker == nil {
		return
	}
	snap := c.Snapshot()
	c.emit(&events.Event{Type: typ, Message: msg, Metadata: meta, State: &snap})
}

func (c *Controller) publishStatus(typ events.EventType, msg string, st device.Status) {
	if c.broker == nil {
		return
	}
	c.emit(&events.Event{Type: typ, Message: msg, Status: &st})
}

func (c *Controller) emit(ev *events.Event) {
	ev.ID = uuid.NewString()
	ev.Timestamp = c.clock.Now()
	if !c.broker.Publish(ev) {
		c.logger.Debug().Str("event", string(ev.Type)).Msg("Dropped event")
	}
}

func (c *Controller) publishCancelled(r dose.Record, id string) {
	switch r.Type {
	case dose.TypeBolus:
		c.publish(events.EventBolusCancelled, r.String(), commandMeta(id))
	case dose.TypeTempBasal:
		c.publish(events.EventTempBasalCancelled, r.String(), commandMeta(id))
	}
}

func commandMeta(id string) map[string]string {
	return map[string]string{"command_id": id}
}

func appliedWord(applied bool) string {
	if applied {
		return "applied"
	}
	return "not applied"
}
