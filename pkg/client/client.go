// Package client is a Go client for the infusion daemon's HTTP API, used by
// the CLI verbs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/infusion/pkg/api"
	"github.com/cuemby/infusion/pkg/config"
	"github.com/cuemby/infusion/pkg/device"
)

// DefaultTimeout bounds a single request. Delivery commands wait for the
// pump, so it is longer than a typical API timeout.
const DefaultTimeout = 60 * time.Second

// Client wraps the daemon API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the daemon at addr (host:port or a URL)
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// Error is a non-2xx reply. Accepted replies for uncertain commands are
// errors too: the caller must not treat them as delivered.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	CommandID  string
}

func (e *Error) Error() string {
	if e.CommandID != "" {
		return fmt.Sprintf("%s (command %s)", e.Message, e.CommandID)
	}
	return e.Message
}

// Unconfirmed reports whether the daemon could not confirm the command
func (e *Error) Unconfirmed() bool {
	return e.Code == api.CodeUnconfirmed
}

// SetSchedule sends a basal schedule
func (c *Client) SetSchedule(ctx context.Context, entries []config.ScheduleEntry) (*api.ProgramResponse, error) {
	var resp api.ProgramResponse
	if err := c.do(ctx, http.MethodPost, "/v1/schedule", api.ScheduleRequest{Entries: entries}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Bolus delivers units
func (c *Client) Bolus(ctx context.Context, units float64) (*api.DoseResponse, error) {
	return c.dose(ctx, "/v1/bolus", api.BolusRequest{Units: units})
}

// CancelBolus stops the running bolus
func (c *Client) CancelBolus(ctx context.Context) (*api.DoseResponse, error) {
	return c.dose(ctx, "/v1/bolus/cancel", nil)
}

// TempBasal starts a temp basal
func (c *Client) TempBasal(ctx context.Context, rate float64, duration time.Duration) (*api.DoseResponse, error) {
	return c.dose(ctx, "/v1/temp-basal", api.TempBasalRequest{Rate: rate, Duration: duration.String()})
}

// CancelTempBasal returns to the basal program
func (c *Client) CancelTempBasal(ctx context.Context) (*api.DoseResponse, error) {
	return c.dose(ctx, "/v1/temp-basal/cancel", nil)
}

// Suspend stops all delivery. A zero reminder sends none.
func (c *Client) Suspend(ctx context.Context, reminder time.Duration) (*api.DoseResponse, error) {
	req := api.SuspendRequest{}
	if reminder > 0 {
		req.Reminder = reminder.String()
	}
	return c.dose(ctx, "/v1/suspend", req)
}

// Resume restarts the basal program
func (c *Client) Resume(ctx context.Context) (*api.DoseResponse, error) {
	return c.dose(ctx, "/v1/resume", nil)
}

// State returns the delivery state
func (c *Client) State(ctx context.Context) (*api.StateResponse, error) {
	var resp api.StateResponse
	if err := c.do(ctx, http.MethodGet, "/v1/state", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the pump status, reading the pump when refresh is set
func (c *Client) Status(ctx context.Context, refresh bool) (*device.Status, error) {
	path := "/v1/status"
	if refresh {
		path += "?refresh=true"
	}
	var st device.Status
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Doses returns the finalized doses in [from, to). Zero times use the
// daemon defaults.
func (c *Client) Doses(ctx context.Context, from, to time.Time) (*api.DosesResponse, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.Format(time.RFC3339))
	}
	path := "/v1/doses"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp api.DosesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) dose(ctx context.Context, path string, body any) (*api.DoseResponse, error) {
	var resp api.DoseResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var body api.ErrorResponse
		if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
			body = api.ErrorResponse{Error: strings.TrimSpace(string(data)), Code: api.CodeInternal}
		}
		return &Error{
			StatusCode: resp.StatusCode,
			Code:       body.Code,
			Message:    body.Error,
			CommandID:  body.CommandID,
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
