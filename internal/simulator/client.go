// Package simulator calls an external circuit simulator over HTTP. The server
// forwards the circuit as-is and only understands the returned counts.
package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"quiqcl-server/internal/models"
)

// Backend is the backend name routed to the simulator.
const Backend = "quiqcl_simulator"

const maxResponseBytes = 16 << 20

// Client posts circuits to <baseURL>/run.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client. A zero timeout means 60 seconds.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

type runRequest struct {
	Circuit models.Circuit `json:"quiqcl_circuit"`
}

type runResponse struct {
	Counts map[string]int `json:"counts"`
	Error  string         `json:"error"`
}

// Run simulates c and returns its counts, with samples expanded from them.
func (c *Client) Run(ctx context.Context, circuit models.Circuit) (*models.ExecutionResult, error) {
	body, err := json.Marshal(runRequest{Circuit: circuit})
	if err != nil {
		return nil, fmt.Errorf("marshal circuit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("simulator request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read simulator response: %w", err)
	}
	var out runResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode simulator response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if out.Error != "" {
			return nil, fmt.Errorf("simulator: status %d: %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("simulator: status %d", resp.StatusCode)
	}
	if out.Counts == nil {
		return nil, fmt.Errorf("simulator response has no counts")
	}
	samples := models.SamplesFromCounts(out.Counts)
	if samples == nil {
		samples = []int{}
	}
	return &models.ExecutionResult{
		Samples: samples,
		Rabi:    map[string]map[uint32]int{},
		Counts:  out.Counts,
	}, nil
}
