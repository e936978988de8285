// Package recon implements the passive discovery pipeline: certificate
// transparency subdomain enumeration, DNS resolution, host-intelligence
// provider lookups, and a deterministic merge of the results.
package recon

// DiscoveredHost is the transient host record produced by both the
// passive pipeline and the active report parser, before reconciliation.
// Hostname and OS are pointers: absent means unknown, never empty string.
type DiscoveredHost struct {
	IP       string
	Hostname *string
	OS       *string
	Services []DiscoveredService
}

// DiscoveredService is one observed network service on a discovered host.
type DiscoveredService struct {
	Port     int
	Protocol string
	Name     *string
	Banner   *string
}

// serviceKey identifies a service within a host for deduplication.
type serviceKey struct {
	port     int
	protocol string
}

func strPtr(s string) *string {
	return &s
}

// optional returns a pointer to s, or nil when s is empty.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
