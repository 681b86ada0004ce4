package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/infusion/pkg/api"
	"github.com/cuemby/infusion/pkg/client"
	"github.com/cuemby/infusion/pkg/dose"
	"github.com/cuemby/infusion/pkg/pulse"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func captured() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func TestDescribe(t *testing.T) {
	bolus, err := dose.NewBolus(t0, 2.0, 80*time.Second, pulse.DefaultSize)
	require.NoError(t, err)
	assert.Equal(t, "2.00 U over 1m20s", describe(bolus))

	bolus.Cancel(t0.Add(20*time.Second), nil)
	assert.Equal(t, "0.50 U of 2.00 U delivered", describe(bolus))

	temp, err := dose.NewTempBasal(t0, 1.5, time.Hour, pulse.DefaultSize)
	require.NoError(t, err)
	assert.Equal(t, "1.50 U/h for 1h0m0s", describe(temp))
}

func TestReport(t *testing.T) {
	t.Run("delivered", func(t *testing.T) {
		cmd, out := captured()
		bolus, err := dose.NewBolus(t0, 1.0, 40*time.Second, pulse.DefaultSize)
		require.NoError(t, err)

		require.NoError(t, report(cmd, "Bolus started", &api.DoseResponse{Dose: bolus}, nil))
		assert.Equal(t, "✓ Bolus started: 1.00 U over 40s\n", out.String())
	})

	t.Run("unconfirmed", func(t *testing.T) {
		cmd, out := captured()
		apiErr := &client.Error{StatusCode: 202, Code: api.CodeUnconfirmed, Message: "could not confirm", CommandID: "cmd-1"}

		err := report(cmd, "Bolus started", nil, apiErr)
		require.Error(t, err)
		assert.Contains(t, out.String(), "Could not confirm command cmd-1")
		assert.Contains(t, out.String(), "before retrying")
	})

	t.Run("failed", func(t *testing.T) {
		cmd, out := captured()
		err := report(cmd, "Bolus started", nil, errors.New("connection refused"))
		require.Error(t, err)
		assert.Empty(t, out.String())
	})
}
