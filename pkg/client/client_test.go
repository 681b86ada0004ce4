package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/infusion/pkg/api"
	"github.com/cuemby/infusion/pkg/clock"
	"github.com/cuemby/infusion/pkg/config"
	"github.com/cuemby/infusion/pkg/controller"
	"github.com/cuemby/infusion/pkg/device"
	"github.com/cuemby/infusion/pkg/dose"
)

type daemon struct {
	clk *clock.Manual
	sim *device.Simulator
	c   *Client
}

func newDaemon(t *testing.T) *daemon {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sim := device.NewSimulator(device.SimulatorConfig{Clock: clk})
	ctrl, err := controller.New(controller.Config{Device: sim, Clock: clk})
	require.NoError(t, err)

	ts := httptest.NewServer(api.NewServer(ctrl, nil, nil).Handler())
	t.Cleanup(ts.Close)

	// httptest URLs carry the scheme; strip it to exercise host:port input
	return &daemon{clk: clk, sim: sim, c: NewClient(ts.Listener.Addr().String())}
}

func TestClient_DeliveryRoundTrip(t *testing.T) {
	d := newDaemon(t)
	ctx := context.Background()

	prog, err := d.c.SetSchedule(ctx, []config.ScheduleEntry{{Start: "00:00", Rate: 1.0}})
	require.NoError(t, err)
	assert.InDelta(t, 24.0, prog.DailyUnits, 1e-9)

	resp, err := d.c.Bolus(ctx, 1.0)
	require.NoError(t, err)
	assert.Equal(t, dose.TypeBolus, resp.Dose.Type)

	d.clk.Advance(10 * time.Second)
	resp, err = d.c.CancelBolus(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, resp.Dose.Units, 1e-9)

	resp, err = d.c.TempBasal(ctx, 0.5, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, dose.TypeTempBasal, resp.Dose.Type)

	_, err = d.c.CancelTempBasal(ctx)
	require.NoError(t, err)

	resp, err = d.c.Suspend(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, dose.TypeSuspend, resp.Dose.Type)

	state, err := d.c.State(ctx)
	require.NoError(t, err)
	assert.True(t, state.State.SuspendState.Suspended)

	resp, err = d.c.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, dose.TypeResume, resp.Dose.Type)

	st, err := d.c.Status(ctx, true)
	require.NoError(t, err)
	assert.False(t, st.Suspended)
}

func TestClient_Errors(t *testing.T) {
	d := newDaemon(t)
	ctx := context.Background()

	_, err := d.c.Bolus(ctx, 1.0)
	require.NoError(t, err)
	_, err = d.c.Bolus(ctx, 1.0)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, api.CodeBusy, apiErr.Code)
	assert.False(t, apiErr.Unconfirmed())

	_, err = d.c.Doses(ctx, time.Time{}, time.Time{})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClient_Unconfirmed(t *testing.T) {
	d := newDaemon(t)
	d.sim.InjectFault(device.FaultLostRequest)

	_, err := d.c.Bolus(context.Background(), 1.0)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusAccepted, apiErr.StatusCode)
	assert.True(t, apiErr.Unconfirmed())
	assert.NotEmpty(t, apiErr.CommandID)
	assert.Contains(t, apiErr.Error(), apiErr.CommandID)
}

func TestClient_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL+"/").State(context.Background())
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "bad gateway", apiErr.Message)
}
