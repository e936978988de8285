// Package dispatch sends active-scan jobs to a remote nmap worker and
// parses the raw XML report it returns.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/metrics"
)

const (
	// MaxReportBytes caps how much report a worker may return. Anything
	// larger is treated as a protocol violation, not buffered.
	MaxReportBytes = 50 << 20 // 50 MB

	// TokenHeader authenticates the orchestrator to the worker.
	TokenHeader = "X-Scanner-Token"

	workerName = "scanner"
)

// ScanRequest is the wire payload sent to the worker.
type ScanRequest struct {
	Targets []string `json:"targets"`
}

// Client dispatches scan jobs to one remote worker endpoint.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a worker client with a hard round-trip timeout. Scans
// are slow; the timeout bounds a hung worker, not a busy one.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Scan submits targets to the worker and returns the raw XML report.
func (c *Client) Scan(ctx context.Context, targets []string) (string, error) {
	if len(targets) == 0 {
		return "", errors.NewDispatchError(errors.CodeDispatchFailed,
			"no targets to dispatch", workerName)
	}

	body, err := json.Marshal(ScanRequest{Targets: targets})
	if err != nil {
		return "", errors.WrapDispatchError(errors.CodeDispatchFailed,
			"failed to encode scan request", workerName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/scan", bytes.NewReader(body))
	if err != nil {
		return "", errors.WrapDispatchError(errors.CodeDispatchFailed,
			"failed to build scan request", workerName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.Token)

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	metrics.GetGlobalMetrics().RecordDispatchDuration(workerName, time.Since(start))
	if err != nil {
		metrics.GetGlobalMetrics().IncrementDispatchTotal(workerName, "error")
		return "", errors.WrapDispatchError(errors.CodeDispatchFailed,
			"worker request failed", workerName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.GetGlobalMetrics().IncrementDispatchTotal(workerName, "error")
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.NewDispatchError(errors.CodeDispatchFailed,
			fmt.Sprintf("worker rejected scan: %s", strings.TrimSpace(string(detail))),
			workerName).WithStatus(resp.StatusCode)
	}

	report, err := io.ReadAll(io.LimitReader(resp.Body, MaxReportBytes+1))
	if err != nil {
		metrics.GetGlobalMetrics().IncrementDispatchTotal(workerName, "error")
		return "", errors.WrapDispatchError(errors.CodeDispatchFailed,
			"failed to read worker report", workerName, err)
	}
	if len(report) > MaxReportBytes {
		metrics.GetGlobalMetrics().IncrementDispatchTotal(workerName, "error")
		return "", errors.NewDispatchError(errors.CodeDispatchFailed,
			"worker report exceeds size limit", workerName)
	}

	metrics.GetGlobalMetrics().IncrementDispatchTotal(workerName, "success")
	return string(report), nil
}
