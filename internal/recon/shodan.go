package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/perimetra/perimetra/internal/errors"
)

const (
	shodanBaseURL = "https://api.shodan.io"
	shodanTimeout = 15 * time.Second
)

// HostProvider looks up intelligence about a single IP address.
// A nil host with a nil error means the provider knows nothing about it.
type HostProvider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*DiscoveredHost, error)
}

// ShodanClient queries the Shodan host API.
type ShodanClient struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewShodanClient creates a Shodan client.
func NewShodanClient(apiKey string) *ShodanClient {
	return &ShodanClient{
		APIKey:     apiKey,
		BaseURL:    shodanBaseURL,
		HTTPClient: &http.Client{Timeout: shodanTimeout},
	}
}

// Name implements HostProvider.
func (c *ShodanClient) Name() string { return "shodan" }

type shodanHost struct {
	Hostnames []string       `json:"hostnames"`
	OS        string         `json:"os"`
	Data      []shodanBanner `json:"data"`
}

type shodanBanner struct {
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	Product   string `json:"product"`
	Version   string `json:"version"`
}

// Lookup fetches Shodan's view of an IP and normalizes it into the common
// discovered-host shape. An unknown IP returns (nil, nil).
func (c *ShodanClient) Lookup(ctx context.Context, ip string) (*DiscoveredHost, error) {
	url := fmt.Sprintf("%s/shodan/host/%s?key=%s", c.BaseURL, ip, c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "failed to build shodan request", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "shodan request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewScanError(errors.CodeReconFailed,
			fmt.Sprintf("shodan returned status %d", resp.StatusCode))
	}

	var raw shodanHost
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "failed to parse shodan response", err)
	}

	host := &DiscoveredHost{IP: ip, OS: optional(raw.OS)}
	if len(raw.Hostnames) > 0 {
		host.Hostname = optional(raw.Hostnames[0])
	}
	for _, banner := range raw.Data {
		if banner.Port <= 0 {
			continue
		}
		protocol := strings.ToLower(banner.Transport)
		if protocol == "" {
			protocol = "tcp"
		}
		var name *string
		if banner.Product != "" {
			name = strPtr(strings.ToLower(banner.Product))
		}
		host.Services = append(host.Services, DiscoveredService{
			Port:     banner.Port,
			Protocol: protocol,
			Name:     name,
			Banner:   optional(joinNonEmpty(banner.Product, banner.Version)),
		})
	}
	return host, nil
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
