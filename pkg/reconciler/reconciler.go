package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/infusion/pkg/device"
	"github.com/cuemby/infusion/pkg/log"
	"github.com/cuemby/infusion/pkg/metrics"
)

// DefaultInterval is the pass interval when none is configured
const DefaultInterval = 30 * time.Second

// Target is the controller surface a reconciliation pass drives
type Target interface {
	ResolveUncertain(ctx context.Context) (int, error)
	RefreshStatus(ctx context.Context) (device.Status, error)
	Finalize(ctx context.Context) error
}

// ReportNotifier is implemented by targets that ask for a report between
// passes, after an operation changed the dose log
type ReportNotifier interface {
	ReportRequests() <-chan struct{}
}

// Reconciler keeps the delivery state moving without user commands:
// it settles unconfirmed commands, polls the device and finalizes
// finished doses
type Reconciler struct {
	target   Target
	interval time.Duration
	timeout  time.Duration
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	logger   zerolog.Logger
}

// NewReconciler creates a new reconciler. Each pass is bounded by the
// interval so a hung device call cannot stack passes.
func NewReconciler(target Target, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		target:   target,
		interval: interval,
		timeout:  interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the loop and waits for a pass in progress to finish. It must
// follow Start.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var reports <-chan struct{}
	if n, ok := r.target.(ReportNotifier); ok {
		reports = n.ReportRequests()
	}

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			r.Reconcile(ctx)
			cancel()
		case <-reports:
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			r.Report(ctx)
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one pass. Step failures are logged and do not stop
// later steps; the next pass retries them.
func (r *Reconciler) Reconcile(ctx context.Context) {
	// Start timing the reconciliation cycle
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCycles.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if n, err := r.target.ResolveUncertain(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to resolve unconfirmed commands")
	} else if n > 0 {
		r.logger.Info().Int("resolved", n).Msg("Resolved unconfirmed commands")
	}

	if st, err := r.target.RefreshStatus(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to read device status")
	} else {
		r.checkAlarms(st)
	}

	if err := r.target.Finalize(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Finalize pass failed")
	}
}

// Report runs a finalize pass on its own, without touching the device
func (r *Reconciler) Report(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.target.Finalize(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Dose report failed")
	}
}

func (r *Reconciler) checkAlarms(st device.Status) {
	for _, a := range st.Alarms {
		ev := r.logger.Warn()
		if a.Terminal() {
			ev = r.logger.Error()
		}
		ev.Str("alarm", string(a)).Msg("Device alarm active")
	}
}
