package recon

import (
	"context"
	"sort"
	"time"

	"github.com/miekg/dns"

	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/logging"
)

const dnsQueryTimeout = 5 * time.Second

// Resolver resolves DNS names to IPv4 addresses.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]string, error)
}

// DNSResolver resolves A records against a fixed upstream server.
type DNSResolver struct {
	Server string
	client *dns.Client
}

// NewDNSResolver creates a resolver against the given server ("host:port").
func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{
		Server: server,
		client: &dns.Client{Timeout: dnsQueryTimeout},
	}
}

// LookupA returns the IPv4 addresses of a name. NXDOMAIN and empty
// answers yield an empty slice, not an error.
func (r *DNSResolver) LookupA(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "dns query failed", err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errors.NewScanError(errors.CodeReconFailed, "dns query was refused")
	}

	var addrs []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	return addrs, nil
}

// ResolveAll resolves every name and inverts the result into a map of
// IP address to the names that pointed at it. Names that fail to resolve
// are skipped; a name with no address is not an error during discovery.
func ResolveAll(ctx context.Context, resolver Resolver, names []string) map[string][]string {
	byIP := make(map[string][]string)
	for _, name := range names {
		addrs, err := resolver.LookupA(ctx, name)
		if err != nil {
			logging.Debug("skipping unresolvable name", "name", name, "error", err)
			continue
		}
		for _, addr := range addrs {
			byIP[addr] = append(byIP[addr], name)
		}
	}
	for _, hostnames := range byIP {
		sort.Strings(hostnames)
	}
	return byIP
}
