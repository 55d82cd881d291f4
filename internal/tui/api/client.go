// Package api provides the HTTP client the TUI uses to reach the fleet-triage server.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"fleet-triage/internal/report"
	"fleet-triage/internal/service"
)

// Client handles API communication with the fleet-triage server.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// collectClient waits for whole fleet runs.
	collectClient *http.Client
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string     `json:"status"`
	Running       bool       `json:"running"`
	Hosts         int        `json:"hosts"`
	UptimeSeconds int        `json:"uptime_seconds"`
	LastRun       *time.Time `json:"last_run,omitempty"`
}

// errorResponse is the server's error body.
type errorResponse struct {
	Error string `json:"error"`
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		collectClient: &http.Client{
			Timeout: 15 * time.Minute,
		},
	}
}

// GetHealth fetches health status.
func (c *Client) GetHealth() (*HealthResponse, error) {
	var health HealthResponse
	if err := c.get("/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetReport fetches a fleet report over the server's configured hosts.
func (c *Client) GetReport() (*report.Report, error) {
	var rep report.Report
	if err := c.get("/v1/report", &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// GetLastRun fetches the most recent fleet run. It returns nil without
// error when the server has not run yet.
func (c *Client) GetLastRun() (*service.Run, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/v1/runs/last")
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	var run service.Run
	if err := decode(resp, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Collect triggers a fleet run over the configured hosts and waits for it.
func (c *Client) Collect() (*service.Run, error) {
	resp, err := c.collectClient.Post(c.baseURL+"/v1/collect", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var run service.Run
	if err := decode(resp, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// TimelineURL returns the CSV timeline URL of host.
func (c *Client) TimelineURL(host string) string {
	return c.baseURL + "/v1/hosts/" + url.PathEscape(host) + "/timeline?format=csv"
}

func (c *Client) get(path string, v any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, v)
}

func decode(resp *http.Response, v any) error {
	if resp.StatusCode >= 400 {
		var e errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// FormatUptime renders seconds as a short duration.
func FormatUptime(seconds int) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
