// Package vulnscan dispatches persisted services to a remote
// template-based vulnerability worker and matches the findings it
// returns back to the services that produced them.
package vulnscan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/perimetra/perimetra/internal/dispatch"
	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/metrics"
)

const workerName = "vuln"

// Target is one scannable endpoint sent to the worker. Tags steer
// template selection on the worker side.
type Target struct {
	Target string `json:"target"`
	Tags   string `json:"tags"`
}

// Finding is one result returned by the worker, in nuclei's JSON shape.
type Finding struct {
	TemplateID string      `json:"template-id"`
	Info       FindingInfo `json:"info"`
	MatchedAt  string      `json:"matched-at"`
}

// FindingInfo carries template metadata attached to a finding.
type FindingInfo struct {
	Name        string `json:"name"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// scanRequest is the wire payload sent to the vulnerability worker.
type scanRequest struct {
	Targets []Target `json:"targets"`
}

// Client dispatches vulnerability scan jobs to one remote worker.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a vulnerability worker client.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Scan submits targets to the worker and returns its findings.
func (c *Client) Scan(ctx context.Context, targets []Target) ([]Finding, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(scanRequest{Targets: targets})
	if err != nil {
		return nil, errors.WrapDispatchError(errors.CodeVulnDispatch,
			"failed to encode vulnerability scan request", workerName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/scan", bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapDispatchError(errors.CodeVulnDispatch,
			"failed to build vulnerability scan request", workerName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(dispatch.TokenHeader, c.Token)

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	metrics.GetGlobalMetrics().RecordDispatchDuration(workerName, time.Since(start))
	if err != nil {
		metrics.GetGlobalMetrics().IncrementDispatchTotal(workerName, "error")
		return nil, errors.WrapDispatchError(errors.CodeVulnDispatch,
			"vulnerability worker request failed", workerName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.GetGlobalMetrics().IncrementDispatchTotal(workerName, "error")
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.NewDispatchError(errors.CodeVulnDispatch,
			fmt.Sprintf("vulnerability worker rejected scan: %s", strings.TrimSpace(string(detail))),
			workerName).WithStatus(resp.StatusCode)
	}

	// The worker replies with a flat JSON array of findings; anything
	// else is a dispatch failure.
	var findings []Finding
	if err := json.NewDecoder(io.LimitReader(resp.Body, dispatch.MaxReportBytes)).Decode(&findings); err != nil {
		metrics.GetGlobalMetrics().IncrementDispatchTotal(workerName, "error")
		return nil, errors.WrapDispatchError(errors.CodeVulnDispatch,
			"vulnerability worker returned a non-list response", workerName, err)
	}

	metrics.GetGlobalMetrics().IncrementDispatchTotal(workerName, "success")
	return findings, nil
}
