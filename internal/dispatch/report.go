package dispatch

import (
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/recon"
)

// ParseReport converts a raw nmap XML report into discovered hosts.
// Filtering rules:
//
//   - hosts not in state "up" are skipped
//   - hosts without an IPv4 address are skipped
//   - only ports in state "open" become services
//   - hosts left with zero services are dropped
//
// The hostname is the first PTR record nmap resolved; the OS is the
// highest-accuracy fingerprint match. Both stay nil when unknown.
func ParseReport(xmlData string) ([]recon.DiscoveredHost, error) {
	if strings.TrimSpace(xmlData) == "" {
		return nil, errors.NewScanError(errors.CodeReportFormat, "empty scan report")
	}

	var run nmap.Run
	if err := nmap.Parse([]byte(xmlData), &run); err != nil {
		return nil, errors.WrapScanError(errors.CodeReportFormat,
			"malformed scan report", err)
	}

	var hosts []recon.DiscoveredHost
	for i := range run.Hosts {
		host := parseHost(&run.Hosts[i])
		if host != nil {
			hosts = append(hosts, *host)
		}
	}
	return hosts, nil
}

func parseHost(h *nmap.Host) *recon.DiscoveredHost {
	if h.Status.State != "up" {
		return nil
	}

	var ip string
	for _, addr := range h.Addresses {
		if addr.AddrType == "ipv4" {
			ip = addr.Addr
			break
		}
	}
	if ip == "" {
		return nil
	}

	host := &recon.DiscoveredHost{IP: ip}

	for _, hn := range h.Hostnames {
		if hn.Type == "PTR" && hn.Name != "" {
			name := hn.Name
			host.Hostname = &name
			break
		}
	}

	host.OS = bestOSMatch(h)

	for _, port := range h.Ports {
		if port.State.State != "open" {
			continue
		}
		protocol := strings.ToLower(port.Protocol)
		if protocol == "" {
			protocol = "tcp"
		}
		svc := recon.DiscoveredService{
			Port:     int(port.ID),
			Protocol: protocol,
		}
		if port.Service.Name != "" {
			name := port.Service.Name
			svc.Name = &name
		}
		if banner := joinBanner(port.Service); banner != "" {
			svc.Banner = &banner
		}
		host.Services = append(host.Services, svc)
	}

	if len(host.Services) == 0 {
		return nil
	}
	return host
}

func bestOSMatch(h *nmap.Host) *string {
	var best *nmap.OSMatch
	for i := range h.OS.Matches {
		m := &h.OS.Matches[i]
		if best == nil || m.Accuracy > best.Accuracy {
			best = m
		}
	}
	if best == nil || best.Name == "" {
		return nil
	}
	name := best.Name
	return &name
}

// joinBanner builds a service banner from the non-empty parts of the
// nmap service detection fields.
func joinBanner(svc nmap.Service) string {
	var parts []string
	for _, p := range []string{svc.Product, svc.Version, svc.ExtraInfo} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// ValidateReport checks parsed hosts before reconciliation: the set must
// be non-empty and every host must carry an address and at least one
// service. Parsing already drops serviceless hosts; this guards callers
// that build host lists elsewhere.
func ValidateReport(hosts []recon.DiscoveredHost) error {
	if len(hosts) == 0 {
		return errors.NewScanError(errors.CodeReportFormat,
			"scan report contains no usable hosts")
	}
	for _, h := range hosts {
		if h.IP == "" {
			return errors.NewScanError(errors.CodeReportFormat,
				"scan report contains a host without an address")
		}
		if len(h.Services) == 0 {
			return errors.NewScanErrorWithTarget(errors.CodeReportFormat,
				"scan report contains a host without services", h.IP)
		}
	}
	return nil
}
