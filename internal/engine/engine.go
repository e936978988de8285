// Package engine orchestrates the scan pipeline: target normalization,
// discovery, reconciliation, the vulnerability stage, and the scan state
// machine. Every submission ends in a terminal scan status.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra/internal/db"
	"github.com/perimetra/perimetra/internal/dispatch"
	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
	"github.com/perimetra/perimetra/internal/recon"
	"github.com/perimetra/perimetra/internal/target"
	"github.com/perimetra/perimetra/internal/vulnscan"
)

// finalizeTimeout bounds the status write when the request context is
// already gone; a scan must never be left in running state.
const finalizeTimeout = 10 * time.Second

// Store is the persistence surface the engine needs.
type Store interface {
	WakeUp(ctx context.Context) error
	CreateScan(ctx context.Context, userID uuid.UUID, target string, mode db.ScanMode) (*db.Scan, error)
	FinishScan(ctx context.Context, scanID uuid.UUID, status db.ScanStatus, errorMessage *string) error
	ReconcileHosts(ctx context.Context, scanID, userID uuid.UUID, hosts []recon.DiscoveredHost) (*db.ReconcileResult, error)
	ListScanEndpoints(ctx context.Context, scanID uuid.UUID) ([]db.ServiceEndpoint, error)
	InsertVulnerabilities(ctx context.Context, vulns []db.Vulnerability) (int, error)
}

// Discoverer runs passive discovery for a domain.
type Discoverer interface {
	Discover(ctx context.Context, domain string) ([]recon.DiscoveredHost, error)
}

// ScanDispatcher submits targets to the active-scan worker.
type ScanDispatcher interface {
	Scan(ctx context.Context, targets []string) (string, error)
}

// VulnScanner submits service targets to the vulnerability worker.
type VulnScanner interface {
	Scan(ctx context.Context, targets []vulnscan.Target) ([]vulnscan.Finding, error)
}

// Summary reports the outcome of one pipeline run.
type Summary struct {
	ScanID          uuid.UUID          `json:"scan_id"`
	Target          string             `json:"target"`
	Mode            db.ScanMode        `json:"mode"`
	Status          db.ScanStatus      `json:"status"`
	HostsDiscovered int                `json:"hosts_discovered"`
	Reconciled      db.ReconcileResult `json:"reconciled"`
	Vulnerabilities int                `json:"vulnerabilities"`
	VulnStageError  string             `json:"vuln_stage_error,omitempty"`
	Duration        time.Duration      `json:"duration"`
}

// Engine drives the scan pipeline. The vulnerability scanner is optional;
// without one the vuln stage is skipped.
type Engine struct {
	store   Store
	recon   Discoverer
	scanner ScanDispatcher
	vuln    VulnScanner
	logger  *logging.Logger
}

// New creates a scan engine.
func New(store Store, discoverer Discoverer, scanner ScanDispatcher, vuln VulnScanner) *Engine {
	return &Engine{
		store:   store,
		recon:   discoverer,
		scanner: scanner,
		vuln:    vuln,
		logger:  logging.Default().WithComponent("engine"),
	}
}

// Run executes one scan submission end to end. Validation failures are
// returned before any scan row exists; once a row is created it always
// reaches completed or failed. A failed vulnerability stage degrades the
// summary but does not fail the scan.
func (e *Engine) Run(ctx context.Context, userID uuid.UUID, rawTarget string, mode db.ScanMode) (*Summary, error) {
	start := time.Now()

	normalized, err := target.Normalize(rawTarget)
	if err != nil {
		return nil, err
	}
	if mode == db.ScanModePassive && !target.IsDomain(normalized) {
		return nil, errors.NewScanErrorWithTarget(errors.CodeTargetInvalid,
			"passive scans require a domain target", normalized)
	}
	if mode != db.ScanModePassive && mode != db.ScanModeActive {
		return nil, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("unknown scan mode %q", mode))
	}

	if err := e.store.WakeUp(ctx); err != nil {
		return nil, err
	}

	scan, err := e.store.CreateScan(ctx, userID, normalized, mode)
	if err != nil {
		return nil, err
	}

	logger := e.logger.WithScanID(scan.ID.String()).WithTarget(normalized)
	logger.Info("scan started", "mode", mode)
	metrics.GetGlobalMetrics().ScanStarted()
	defer metrics.GetGlobalMetrics().ScanFinished()

	summary := &Summary{
		ScanID: scan.ID,
		Target: normalized,
		Mode:   mode,
	}

	hosts, err := e.discover(ctx, normalized, mode)
	if err != nil {
		return e.fail(ctx, summary, start, err)
	}
	summary.HostsDiscovered = len(hosts)

	result, err := e.store.ReconcileHosts(ctx, scan.ID, userID, hosts)
	if err != nil {
		return e.fail(ctx, summary, start, err)
	}
	summary.Reconciled = *result
	metrics.GetGlobalMetrics().IncrementAssetsReconciled(string(mode), "created", result.AssetsCreated)
	metrics.GetGlobalMetrics().IncrementAssetsReconciled(string(mode), "updated", result.AssetsUpdated)

	e.runVulnStage(ctx, scan.ID, summary, logger)

	if err := e.finalize(ctx, scan.ID, db.ScanStatusCompleted, nil); err != nil {
		logger.ErrorScan("failed to mark scan completed", normalized, err)
	}
	summary.Status = db.ScanStatusCompleted
	summary.Duration = time.Since(start)

	metrics.GetGlobalMetrics().IncrementScansTotal(string(mode), "completed")
	metrics.GetGlobalMetrics().RecordScanDuration(string(mode), summary.Duration)
	logger.Info("scan completed",
		"hosts", summary.HostsDiscovered,
		"assets_created", result.AssetsCreated,
		"assets_updated", result.AssetsUpdated,
		"vulnerabilities", summary.Vulnerabilities,
		"duration", summary.Duration)
	return summary, nil
}

// discover branches between the passive pipeline and active dispatch.
func (e *Engine) discover(ctx context.Context, normalized string, mode db.ScanMode) ([]recon.DiscoveredHost, error) {
	if mode == db.ScanModePassive {
		if e.recon == nil {
			return nil, errors.NewScanError(errors.CodeConfiguration,
				"passive discovery is not configured")
		}
		return e.recon.Discover(ctx, normalized)
	}

	if e.scanner == nil {
		return nil, errors.NewScanError(errors.CodeConfiguration,
			"active scan worker is not configured")
	}
	report, err := e.scanner.Scan(ctx, []string{normalized})
	if err != nil {
		return nil, err
	}
	hosts, err := dispatch.ParseReport(report)
	if err != nil {
		return nil, err
	}
	if err := dispatch.ValidateReport(hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// runVulnStage dispatches persisted services to the vulnerability worker.
// Any failure here is recorded on the summary and logged, never fatal.
func (e *Engine) runVulnStage(ctx context.Context, scanID uuid.UUID, summary *Summary, logger *logging.Logger) {
	if e.vuln == nil {
		return
	}

	endpoints, err := e.store.ListScanEndpoints(ctx, scanID)
	if err != nil {
		summary.VulnStageError = err.Error()
		logger.ErrorWorker("vulnerability stage skipped: listing services failed", "vuln", err)
		return
	}
	if len(endpoints) == 0 {
		return
	}

	findings, err := e.vuln.Scan(ctx, vulnscan.BuildTargets(endpoints))
	if err != nil {
		summary.VulnStageError = err.Error()
		logger.ErrorWorker("vulnerability scan failed", "vuln", err)
		return
	}

	vulns := vulnscan.Match(findings, endpoints)
	inserted, err := e.store.InsertVulnerabilities(ctx, vulns)
	if err != nil {
		summary.VulnStageError = err.Error()
		logger.ErrorWorker("failed to persist vulnerability findings", "vuln", err)
		return
	}
	summary.Vulnerabilities = inserted
}

// fail marks the scan failed and returns the causing error. The summary
// still describes everything that happened before the failure.
func (e *Engine) fail(ctx context.Context, summary *Summary, start time.Time, cause error) (*Summary, error) {
	msg := cause.Error()
	if err := e.finalize(ctx, summary.ScanID, db.ScanStatusFailed, &msg); err != nil {
		e.logger.Error("failed to mark scan failed", "scan_id", summary.ScanID, "error", err)
	}
	summary.Status = db.ScanStatusFailed
	summary.Duration = time.Since(start)

	metrics.GetGlobalMetrics().IncrementScansTotal(string(summary.Mode), "failed")
	metrics.GetGlobalMetrics().IncrementScanErrors(string(summary.Mode), string(errors.GetCode(cause)))
	return summary, cause
}

// finalize writes the terminal status, surviving a dead request context.
func (e *Engine) finalize(ctx context.Context, scanID uuid.UUID, status db.ScanStatus, msg *string) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
	}
	return e.store.FinishScan(ctx, scanID, status, msg)
}
