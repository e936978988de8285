package recon

// MergeHost combines provider views of one IP into a single record with
// fixed precedence, independent of the order the lookups returned:
//
//   - services: primary provider first, then secondary; the first service
//     seen for a (port, protocol) pair wins, later duplicates are dropped
//   - hostname: secondary provider wins, DNS names are the fallback
//   - os: secondary provider wins, primary is the fallback
//
// A host that ends up with no services is dropped (nil result): an asset
// with nothing listening is not worth persisting.
func MergeHost(ip string, primary, secondary *DiscoveredHost, dnsNames []string) *DiscoveredHost {
	merged := &DiscoveredHost{IP: ip}

	seen := make(map[serviceKey]struct{})
	appendServices := func(host *DiscoveredHost) {
		if host == nil {
			return
		}
		for _, svc := range host.Services {
			key := serviceKey{port: svc.Port, protocol: svc.Protocol}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged.Services = append(merged.Services, svc)
		}
	}
	appendServices(primary)
	appendServices(secondary)

	if len(merged.Services) == 0 {
		return nil
	}

	if secondary != nil && secondary.Hostname != nil {
		merged.Hostname = secondary.Hostname
	} else if len(dnsNames) > 0 {
		merged.Hostname = strPtr(dnsNames[0])
	}

	if secondary != nil && secondary.OS != nil {
		merged.OS = secondary.OS
	} else if primary != nil {
		merged.OS = primary.OS
	}

	return merged
}
