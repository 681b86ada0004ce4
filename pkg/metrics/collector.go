package metrics

import (
	"time"

	"github.com/cuemby/infusion/pkg/device"
	"github.com/cuemby/infusion/pkg/engagement"
)

// Source is the read side of the delivery controller
type Source interface {
	Engagement() map[engagement.Category]engagement.State
	PendingCommands() int
	EffectiveRate() float64
	LastStatus() (device.Status, bool)
	PulseSize() float64
}

// Collector samples controller gauges on an interval
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples every gauge once
func (c *Collector) Collect() {
	for cat, state := range c.source.Engagement() {
		EngagementState.WithLabelValues(string(cat)).Set(engagementValue(state))
	}

	UncertainCommands.Set(float64(c.source.PendingCommands()))
	BasalRate.Set(c.source.EffectiveRate())

	if st, ok := c.source.LastStatus(); ok {
		ReservoirUnits.Set(float64(st.ReservoirPulses) * c.source.PulseSize())
	}
}

func engagementValue(s engagement.State) float64 {
	switch s {
	case engagement.Engaging:
		return 1
	case engagement.Disengaging:
		return -1
	default:
		return 0
	}
}
