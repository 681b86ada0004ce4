// Package nightscout uploads finalized doses to a Nightscout site as
// treatments.
package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // Nightscout hashes the API secret with SHA1
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the Nightscout v1 API
type Client struct {
	baseURL    string
	apiSecret  string
	apiToken   string
	httpClient *http.Client
}

// NewClient creates a client. A token, when set, is sent as a bearer
// token; otherwise the hashed API secret is used.
func NewClient(baseURL, apiSecret, apiToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiSecret: apiSecret,
		apiToken:  apiToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ServerStatus is the subset of /api/v1/status the daemon checks
type ServerStatus struct {
	Status     string `json:"status"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	APIEnabled bool   `json:"apiEnabled"`
}

// hashSecret returns the SHA1 hex digest Nightscout expects in API-SECRET
func hashSecret(secret string) string {
	hasher := sha1.New() //nolint:gosec // required by the Nightscout API
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

func (c *Client) buildRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	} else if c.apiSecret != "" {
		req.Header.Set("API-SECRET", hashSecret(c.apiSecret))
	}
	return req, nil
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// APIError is a non-2xx Nightscout response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nightscout API error %d: %s", e.StatusCode, e.Body)
}

// GetStatus retrieves the server status
func (c *Client) GetStatus(ctx context.Context) (*ServerStatus, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, "/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	var status ServerStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("parsing status: %w", err)
	}
	return &status, nil
}

// UploadTreatments posts treatments in one request
func (c *Client) UploadTreatments(ctx context.Context, treatments []Treatment) error {
	if len(treatments) == 0 {
		return nil
	}
	payload, err := json.Marshal(treatments)
	if err != nil {
		return fmt.Errorf("encoding treatments: %w", err)
	}

	req, err := c.buildRequest(ctx, http.MethodPost, "/api/v1/treatments", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	_, err = c.doRequest(req)
	return err
}
