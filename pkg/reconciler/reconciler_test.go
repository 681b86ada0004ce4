package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/infusion/pkg/device"
)

type fakeTarget struct {
	mu         sync.Mutex
	calls      []string
	resolveErr error
	statusErr  error
}

func (f *fakeTarget) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeTarget) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTarget) ResolveUncertain(ctx context.Context) (int, error) {
	f.record("resolve")
	return 0, f.resolveErr
}

func (f *fakeTarget) RefreshStatus(ctx context.Context) (device.Status, error) {
	f.record("status")
	return device.Status{Alarms: []device.Alarm{device.AlarmSuspendExpired}}, f.statusErr
}

func (f *fakeTarget) Finalize(ctx context.Context) error {
	f.record("finalize")
	return nil
}

func TestReconcile_Order(t *testing.T) {
	target := &fakeTarget{}
	r := NewReconciler(target, time.Minute)

	r.Reconcile(context.Background())
	assert.Equal(t, []string{"resolve", "status", "finalize"}, target.snapshot())
}

func TestReconcile_ContinuesPastFailures(t *testing.T) {
	target := &fakeTarget{
		resolveErr: errors.New("unreachable"),
		statusErr:  errors.New("unreachable"),
	}
	r := NewReconciler(target, time.Minute)

	r.Reconcile(context.Background())
	assert.Equal(t, []string{"resolve", "status", "finalize"}, target.snapshot())
}

func TestReconciler_Loop(t *testing.T) {
	target := &fakeTarget{}
	r := NewReconciler(target, 10*time.Millisecond)
	r.Start()

	require.Eventually(t, func() bool {
		return len(target.snapshot()) >= 6
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	n := len(target.snapshot())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(target.snapshot()), "no passes after Stop")

	r.Stop()
}

func TestNewReconciler_DefaultInterval(t *testing.T) {
	r := NewReconciler(&fakeTarget{}, 0)
	assert.Equal(t, DefaultInterval, r.interval)
}

type notifyingTarget struct {
	fakeTarget
	reports chan struct{}
}

func (n *notifyingTarget) ReportRequests() <-chan struct{} {
	return n.reports
}

func TestReconciler_ReportsOnRequest(t *testing.T) {
	target := &notifyingTarget{reports: make(chan struct{}, 1)}
	r := NewReconciler(target, time.Hour)
	r.Start()
	defer r.Stop()

	target.reports <- struct{}{}
	require.Eventually(t, func() bool {
		return len(target.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"finalize"}, target.snapshot(), "a report request does not touch the device")
}
