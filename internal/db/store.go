package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/metrics"
	"github.com/perimetra/perimetra/internal/recon"
)

// AuthenticateAPIKey resolves an API key to its owning user. The key is
// located by SHA-256 lookup hash and verified against the stored bcrypt
// hash, so a leaked table never exposes usable keys.
func (db *DB) AuthenticateAPIKey(ctx context.Context, apiKey string) (*User, error) {
	lookup := fmt.Sprintf("%x", sha256.Sum256([]byte(apiKey)))

	var user User
	err := db.GetContext(ctx, &user,
		"SELECT * FROM users WHERE api_key_lookup = $1", lookup)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewScanError(errors.CodeUnauthorized, "invalid API key")
		}
		return nil, sanitizeDBError(err, "authenticate_api_key")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, errors.NewScanError(errors.CodeUnauthorized, "invalid API key")
	}
	return &user, nil
}

// CreateScan inserts a new scan in running state. The partial unique
// index on running scans rejects a second concurrent submission for the
// same owner atomically; the conflict surfaces as SCAN_IN_PROGRESS.
func (db *DB) CreateScan(ctx context.Context, userID uuid.UUID, target string, mode ScanMode) (*Scan, error) {
	start := time.Now()
	scan := &Scan{
		ID:        uuid.New(),
		UserID:    userID,
		Target:    target,
		Mode:      mode,
		Status:    ScanStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO scans (id, user_id, target, mode, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		scan.ID, scan.UserID, scan.Target, scan.Mode, scan.Status, scan.StartedAt)
	metrics.RecordDatabaseQuery("create_scan", time.Since(start), err == nil)
	if err != nil {
		if IsUniqueViolation(err, "scans_one_running_per_user") {
			return nil, errors.ErrScanInProgress(userID.String())
		}
		return nil, sanitizeDBError(err, "create_scan")
	}
	return scan, nil
}

// FinishScan moves a scan to a terminal status.
func (db *DB) FinishScan(ctx context.Context, scanID uuid.UUID, status ScanStatus, errorMessage *string) error {
	start := time.Now()
	result, err := db.ExecContext(ctx, `
		UPDATE scans SET status = $1, error_message = $2, finished_at = $3
		WHERE id = $4`,
		status, errorMessage, time.Now().UTC(), scanID)
	metrics.RecordDatabaseQuery("finish_scan", time.Since(start), err == nil)
	if err != nil {
		return sanitizeDBError(err, "finish_scan")
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return &errors.DatabaseError{
			Code:      errors.CodeNotFound,
			Message:   "scan not found",
			Operation: "finish_scan",
		}
	}
	return nil
}

// GetScan returns a scan owned by the given user.
func (db *DB) GetScan(ctx context.Context, userID, scanID uuid.UUID) (*Scan, error) {
	var scan Scan
	err := db.GetContext(ctx, &scan,
		"SELECT * FROM scans WHERE id = $1 AND user_id = $2", scanID, userID)
	if err != nil {
		return nil, sanitizeDBError(err, "get_scan")
	}
	return &scan, nil
}

// ListScans returns all scans for a user, most recent first.
func (db *DB) ListScans(ctx context.Context, userID uuid.UUID) ([]Scan, error) {
	scans := []Scan{}
	err := db.SelectContext(ctx, &scans,
		"SELECT * FROM scans WHERE user_id = $1 ORDER BY started_at DESC", userID)
	if err != nil {
		return nil, sanitizeDBError(err, "list_scans")
	}
	return scans, nil
}

// ReconcileHosts upserts discovered hosts and their services for one scan
// in a single transaction. Assets are keyed by (owner, IP); services by
// (asset, port, protocol). Known rows are refreshed with non-null fields
// only, so a later scan that learns less never erases what an earlier
// scan learned. Running the same report twice creates nothing.
func (db *DB) ReconcileHosts(
	ctx context.Context, scanID, userID uuid.UUID, hosts []recon.DiscoveredHost,
) (*ReconcileResult, error) {
	start := time.Now()
	result := &ReconcileResult{}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, sanitizeDBError(err, "reconcile_begin")
	}
	defer func() { _ = tx.Rollback() }()

	for _, host := range hosts {
		ip, err := ParseIPAddr(host.IP)
		if err != nil {
			return nil, &errors.DatabaseError{
				Code:      errors.CodeValidation,
				Message:   fmt.Sprintf("discovered host has invalid address %q", host.IP),
				Operation: "reconcile_hosts",
			}
		}

		assetID, err := upsertAsset(ctx, tx, scanID, userID, ip, host, result)
		if err != nil {
			return nil, err
		}

		for _, svc := range host.Services {
			if err := upsertService(ctx, tx, assetID, svc, result); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, sanitizeDBError(err, "reconcile_commit")
	}
	metrics.RecordDatabaseQuery("reconcile_hosts", time.Since(start), true)
	return result, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func upsertAsset(
	ctx context.Context, tx execQuerier, scanID, userID uuid.UUID,
	ip IPAddr, host recon.DiscoveredHost, result *ReconcileResult,
) (uuid.UUID, error) {
	var existingID uuid.UUID
	err := tx.GetContext(ctx, &existingID,
		"SELECT id FROM assets WHERE user_id = $1 AND ip_address = $2 FOR UPDATE",
		userID, ip)

	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		assetID := uuid.New()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO assets (id, scan_id, user_id, ip_address, hostname, os)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			assetID, scanID, userID, ip, host.Hostname, host.OS)
		if err != nil {
			return uuid.Nil, sanitizeDBError(err, "insert_asset")
		}
		result.AssetsCreated++
		return assetID, nil

	case err != nil:
		return uuid.Nil, sanitizeDBError(err, "select_asset")

	default:
		_, err := tx.ExecContext(ctx, `
			UPDATE assets SET scan_id = $1,
				hostname = COALESCE($2, hostname),
				os = COALESCE($3, os),
				updated_at = NOW()
			WHERE id = $4`,
			scanID, host.Hostname, host.OS, existingID)
		if err != nil {
			return uuid.Nil, sanitizeDBError(err, "update_asset")
		}
		result.AssetsUpdated++
		return existingID, nil
	}
}

func upsertService(
	ctx context.Context, tx execQuerier, assetID uuid.UUID,
	svc recon.DiscoveredService, result *ReconcileResult,
) error {
	var existingID uuid.UUID
	err := tx.GetContext(ctx, &existingID,
		"SELECT id FROM services WHERE asset_id = $1 AND port = $2 AND protocol = $3 FOR UPDATE",
		assetID, svc.Port, svc.Protocol)

	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		_, err := tx.ExecContext(ctx, `
			INSERT INTO services (id, asset_id, port, protocol, service_name, banner)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), assetID, svc.Port, svc.Protocol, svc.Name, svc.Banner)
		if err != nil {
			return sanitizeDBError(err, "insert_service")
		}
		result.ServicesCreated++
		return nil

	case err != nil:
		return sanitizeDBError(err, "select_service")

	default:
		_, err := tx.ExecContext(ctx, `
			UPDATE services SET
				service_name = COALESCE($1, service_name),
				banner = COALESCE($2, banner),
				updated_at = NOW()
			WHERE id = $3`,
			svc.Name, svc.Banner, existingID)
		if err != nil {
			return sanitizeDBError(err, "update_service")
		}
		result.ServicesUpdated++
		return nil
	}
}

// ListScanEndpoints returns every service reachable from a scan's assets
// joined with its address, the input shape for the vulnerability stage.
func (db *DB) ListScanEndpoints(ctx context.Context, scanID uuid.UUID) ([]ServiceEndpoint, error) {
	endpoints := []ServiceEndpoint{}
	err := db.SelectContext(ctx, &endpoints, `
		SELECT s.id AS service_id, a.ip_address, s.port, s.protocol, s.service_name
		FROM services s
		JOIN assets a ON a.id = s.asset_id
		WHERE a.scan_id = $1
		ORDER BY a.ip_address, s.port`, scanID)
	if err != nil {
		return nil, sanitizeDBError(err, "list_scan_endpoints")
	}
	return endpoints, nil
}

// InsertVulnerabilities appends findings. Findings are never deduplicated:
// each run records exactly what the scanner reported.
func (db *DB) InsertVulnerabilities(ctx context.Context, vulns []Vulnerability) (int, error) {
	if len(vulns) == 0 {
		return 0, nil
	}

	start := time.Now()
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, sanitizeDBError(err, "insert_vulnerabilities_begin")
	}
	defer func() { _ = tx.Rollback() }()

	for _, v := range vulns {
		id := v.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vulnerabilities (id, service_id, template_id, severity, description, evidence)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, v.ServiceID, v.TemplateID, v.Severity, v.Description, v.Evidence)
		if err != nil {
			return 0, sanitizeDBError(err, "insert_vulnerability")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, sanitizeDBError(err, "insert_vulnerabilities_commit")
	}
	metrics.RecordDatabaseQuery("insert_vulnerabilities", time.Since(start), true)
	return len(vulns), nil
}

// ListAssets returns all assets owned by a user.
func (db *DB) ListAssets(ctx context.Context, userID uuid.UUID) ([]Asset, error) {
	assets := []Asset{}
	err := db.SelectContext(ctx, &assets,
		"SELECT * FROM assets WHERE user_id = $1 ORDER BY ip_address", userID)
	if err != nil {
		return nil, sanitizeDBError(err, "list_assets")
	}
	return assets, nil
}

// ListAssetsByScan returns the assets observed by one scan.
func (db *DB) ListAssetsByScan(ctx context.Context, userID, scanID uuid.UUID) ([]Asset, error) {
	assets := []Asset{}
	err := db.SelectContext(ctx, &assets,
		"SELECT * FROM assets WHERE scan_id = $1 AND user_id = $2 ORDER BY ip_address",
		scanID, userID)
	if err != nil {
		return nil, sanitizeDBError(err, "list_assets_by_scan")
	}
	return assets, nil
}

// GetAsset returns one asset owned by a user.
func (db *DB) GetAsset(ctx context.Context, userID, assetID uuid.UUID) (*Asset, error) {
	var asset Asset
	err := db.GetContext(ctx, &asset,
		"SELECT * FROM assets WHERE id = $1 AND user_id = $2", assetID, userID)
	if err != nil {
		return nil, sanitizeDBError(err, "get_asset")
	}
	return &asset, nil
}

// ListAssetServices returns the services of one asset.
func (db *DB) ListAssetServices(ctx context.Context, assetID uuid.UUID) ([]Service, error) {
	services := []Service{}
	err := db.SelectContext(ctx, &services,
		"SELECT * FROM services WHERE asset_id = $1 ORDER BY port", assetID)
	if err != nil {
		return nil, sanitizeDBError(err, "list_asset_services")
	}
	return services, nil
}

// ListServiceVulnerabilities returns the findings attached to one service.
func (db *DB) ListServiceVulnerabilities(ctx context.Context, serviceID uuid.UUID) ([]Vulnerability, error) {
	vulns := []Vulnerability{}
	err := db.SelectContext(ctx, &vulns,
		"SELECT * FROM vulnerabilities WHERE service_id = $1 ORDER BY created_at DESC", serviceID)
	if err != nil {
		return nil, sanitizeDBError(err, "list_service_vulnerabilities")
	}
	return vulns, nil
}

// ListVulnerabilities returns all findings for a user's assets, optionally
// filtered by severity.
func (db *DB) ListVulnerabilities(ctx context.Context, userID uuid.UUID, severity string) ([]Vulnerability, error) {
	vulns := []Vulnerability{}
	query := `
		SELECT v.* FROM vulnerabilities v
		JOIN services s ON s.id = v.service_id
		JOIN assets a ON a.id = s.asset_id
		WHERE a.user_id = $1`
	args := []interface{}{userID}
	if severity != "" {
		query += " AND v.severity = $2"
		args = append(args, severity)
	}
	query += " ORDER BY v.created_at DESC"

	err := db.SelectContext(ctx, &vulns, query, args...)
	if err != nil {
		return nil, sanitizeDBError(err, "list_vulnerabilities")
	}
	return vulns, nil
}

// DeleteAsset removes an asset and, by cascade, its services and findings.
func (db *DB) DeleteAsset(ctx context.Context, userID, assetID uuid.UUID) error {
	result, err := db.ExecContext(ctx,
		"DELETE FROM assets WHERE id = $1 AND user_id = $2", assetID, userID)
	if err != nil {
		return sanitizeDBError(err, "delete_asset")
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return &errors.DatabaseError{
			Code:      errors.CodeNotFound,
			Message:   "asset not found",
			Operation: "delete_asset",
		}
	}
	return nil
}
