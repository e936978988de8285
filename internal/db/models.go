// Package db provides PostgreSQL persistence for perimetra using sqlx.
// It defines the data model, the connection layer, schema migrations,
// and repository methods for scans, assets, services, and findings.
package db

import (
	"database/sql/driver"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// ScanStatus represents the lifecycle state of a scan.
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// ScanMode selects the discovery pipeline for a scan.
type ScanMode string

const (
	ScanModeActive  ScanMode = "active"
	ScanModePassive ScanMode = "passive"
)

// IPAddr wraps net.IP for use with PostgreSQL INET columns.
type IPAddr struct {
	net.IP
}

// Value implements driver.Valuer for INET columns.
func (ip IPAddr) Value() (driver.Value, error) {
	if ip.IP == nil {
		return nil, nil
	}
	return ip.String(), nil
}

// Scan implements sql.Scanner for INET columns.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		ip.IP = nil
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}

	// INET values may carry a prefix length.
	if parsed, _, err := net.ParseCIDR(s); err == nil {
		ip.IP = parsed
		return nil
	}
	parsed := net.ParseIP(s)
	if parsed == nil {
		return fmt.Errorf("invalid IP address: %s", s)
	}
	ip.IP = parsed
	return nil
}

// ParseIPAddr parses a string into an IPAddr.
func ParseIPAddr(s string) (IPAddr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return IPAddr{}, fmt.Errorf("invalid IP address: %s", s)
	}
	return IPAddr{IP: ip}, nil
}

// User is the owner anchor for scans and assets. Account provisioning is
// operational; the service only reads these rows for API-key auth.
type User struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	APIKeyLookup string    `db:"api_key_lookup" json:"-"`
	APIKeyHash   string    `db:"api_key_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Scan is a single submission moving through the pipeline state machine.
type Scan struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	UserID       uuid.UUID  `db:"user_id" json:"user_id"`
	Target       string     `db:"target" json:"target"`
	Mode         ScanMode   `db:"mode" json:"mode"`
	Status       ScanStatus `db:"status" json:"status"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// Asset is a discovered host, unique per owner and IP address. The scan_id
// points at the most recent scan that observed it.
type Asset struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ScanID    uuid.UUID `db:"scan_id" json:"scan_id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	IPAddress IPAddr    `db:"ip_address" json:"ip_address"`
	Hostname  *string   `db:"hostname" json:"hostname,omitempty"`
	OS        *string   `db:"os" json:"os,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Service is an open network service on an asset, unique per
// (asset, port, protocol).
type Service struct {
	ID          uuid.UUID `db:"id" json:"id"`
	AssetID     uuid.UUID `db:"asset_id" json:"asset_id"`
	Port        int       `db:"port" json:"port"`
	Protocol    string    `db:"protocol" json:"protocol"`
	ServiceName *string   `db:"service_name" json:"service_name,omitempty"`
	Banner      *string   `db:"banner" json:"banner,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Vulnerability is an append-only finding attached to a service.
// Findings are never deduplicated; every scan run records what it saw.
type Vulnerability struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ServiceID   uuid.UUID `db:"service_id" json:"service_id"`
	TemplateID  string    `db:"template_id" json:"template_id"`
	Severity    *string   `db:"severity" json:"severity,omitempty"`
	Description *string   `db:"description" json:"description,omitempty"`
	Evidence    *string   `db:"evidence" json:"evidence,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ServiceEndpoint joins a persisted service with its asset's address,
// the shape the vulnerability stage needs to build worker targets.
type ServiceEndpoint struct {
	ServiceID   uuid.UUID `db:"service_id"`
	IPAddress   IPAddr    `db:"ip_address"`
	Port        int       `db:"port"`
	Protocol    string    `db:"protocol"`
	ServiceName *string   `db:"service_name"`
}

// Address returns the ip:port form used for vulnerability matching.
func (s ServiceEndpoint) Address() string {
	return fmt.Sprintf("%s:%d", s.IPAddress.String(), s.Port)
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	AssetsCreated   int `json:"assets_created"`
	AssetsUpdated   int `json:"assets_updated"`
	ServicesCreated int `json:"services_created"`
	ServicesUpdated int `json:"services_updated"`
}
