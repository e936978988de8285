package recon

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
)

// Pipeline runs passive discovery for a domain: enumerate candidate
// names, resolve them, enrich each address through the configured
// providers, and merge the results deterministically.
type Pipeline struct {
	CT        CTSource
	Resolver  Resolver
	Primary   HostProvider // lower merge precedence for hostname/os
	Secondary HostProvider // higher merge precedence for hostname/os
	Timeout   time.Duration

	logger *logging.Logger
}

// NewPipeline assembles a passive discovery pipeline. Either provider may
// be nil when its credentials are not configured.
func NewPipeline(ct CTSource, resolver Resolver, primary, secondary HostProvider, timeout time.Duration) *Pipeline {
	return &Pipeline{
		CT:        ct,
		Resolver:  resolver,
		Primary:   primary,
		Secondary: secondary,
		Timeout:   timeout,
		logger:    logging.Default().WithComponent("recon"),
	}
}

// Discover runs the passive pipeline for a domain. Certificate
// transparency failures degrade to the seed name set; hosts where every
// provider came up empty are dropped by the merge.
func (p *Pipeline) Discover(ctx context.Context, domain string) ([]DiscoveredHost, error) {
	names := SeedNames(domain)
	if p.CT != nil {
		ctNames, err := p.CT.Subdomains(ctx, domain)
		if err != nil {
			p.logger.ErrorRecon("certificate transparency lookup failed, using seed names", domain, err)
			metrics.GetGlobalMetrics().IncrementReconErrors("crtsh")
		} else {
			names = FilterNames(domain, append(names, ctNames...))
			metrics.GetGlobalMetrics().IncrementReconLookups("crtsh", "success")
		}
	}

	byIP := ResolveAll(ctx, p.Resolver, names)
	if len(byIP) == 0 {
		return nil, errors.NewScanErrorWithTarget(errors.CodeReconFailed,
			"no candidate names resolved", domain)
	}

	// Deterministic host order regardless of resolution order.
	ips := make([]string, 0, len(byIP))
	for ip := range byIP {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	var hosts []DiscoveredHost
	for _, ip := range ips {
		primary, secondary := p.lookupBoth(ctx, ip)
		merged := MergeHost(ip, primary, secondary, byIP[ip])
		if merged == nil {
			p.logger.Debug("dropping host with no observed services", "ip", ip)
			continue
		}
		hosts = append(hosts, *merged)
	}

	p.logger.InfoRecon("passive discovery finished", domain,
		"names", len(names), "addresses", len(ips), "hosts", len(hosts))
	return hosts, nil
}

// lookupBoth queries both providers for one IP concurrently. Fetch order
// is free; only the merge order is fixed. Provider failures degrade to
// an empty view.
func (p *Pipeline) lookupBoth(ctx context.Context, ip string) (primary, secondary *DiscoveredHost) {
	lookupCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	run := func(provider HostProvider, dest **DiscoveredHost) {
		if provider == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			host, err := provider.Lookup(lookupCtx, ip)
			metrics.GetGlobalMetrics().RecordReconDuration(provider.Name(), time.Since(start))
			if err != nil {
				p.logger.Debug("provider lookup failed", "provider", provider.Name(), "ip", ip, "error", err)
				metrics.GetGlobalMetrics().IncrementReconErrors(provider.Name())
				return
			}
			metrics.GetGlobalMetrics().IncrementReconLookups(provider.Name(), "success")
			*dest = host
		}()
	}
	run(p.Primary, &primary)
	run(p.Secondary, &secondary)
	wg.Wait()
	return primary, secondary
}
