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
	censysBaseURL = "https://search.censys.io"
	censysTimeout = 15 * time.Second
)

// CensysClient queries the Censys hosts API (v2).
type CensysClient struct {
	APIID      string
	Secret     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewCensysClient creates a Censys client with basic-auth credentials.
func NewCensysClient(apiID, secret string) *CensysClient {
	return &CensysClient{
		APIID:      apiID,
		Secret:     secret,
		BaseURL:    censysBaseURL,
		HTTPClient: &http.Client{Timeout: censysTimeout},
	}
}

// Name implements HostProvider.
func (c *CensysClient) Name() string { return "censys" }

type censysResponse struct {
	Result censysHost `json:"result"`
}

type censysHost struct {
	Services        []censysService `json:"services"`
	OperatingSystem *censysOS       `json:"operating_system"`
}

type censysOS struct {
	Product string `json:"product"`
}

type censysService struct {
	Port              int              `json:"port"`
	TransportProtocol string           `json:"transport_protocol"`
	ServiceName       string           `json:"service_name"`
	Software          []censysSoftware `json:"software"`
}

type censysSoftware struct {
	Product string `json:"product"`
	Version string `json:"version"`
}

// Lookup fetches Censys's view of an IP and normalizes it into the common
// discovered-host shape. An unknown IP returns (nil, nil).
func (c *CensysClient) Lookup(ctx context.Context, ip string) (*DiscoveredHost, error) {
	url := fmt.Sprintf("%s/api/v2/hosts/%s", c.BaseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "failed to build censys request", err)
	}
	req.SetBasicAuth(c.APIID, c.Secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "censys request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewScanError(errors.CodeReconFailed,
			fmt.Sprintf("censys returned status %d", resp.StatusCode))
	}

	var raw censysResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "failed to parse censys response", err)
	}

	host := &DiscoveredHost{IP: ip}
	if raw.Result.OperatingSystem != nil {
		host.OS = optional(raw.Result.OperatingSystem.Product)
	}
	for _, svc := range raw.Result.Services {
		if svc.Port <= 0 {
			continue
		}
		protocol := strings.ToLower(svc.TransportProtocol)
		if protocol == "" {
			protocol = "tcp"
		}
		var banner *string
		if len(svc.Software) > 0 {
			banner = optional(joinNonEmpty(svc.Software[0].Product, svc.Software[0].Version))
		}
		var name *string
		if svc.ServiceName != "" {
			name = strPtr(strings.ToLower(svc.ServiceName))
		}
		host.Services = append(host.Services, DiscoveredService{
			Port:     svc.Port,
			Protocol: protocol,
			Name:     name,
			Banner:   banner,
		})
	}
	return host, nil
}
