package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/perimetra/perimetra/internal/errors"
)

const (
	crtShBaseURL   = "https://crt.sh"
	crtShTimeout   = 30 * time.Second
	maxCTBodyBytes = 32 << 20 // 32 MB
)

// commonLabels are always probed in addition to certificate transparency
// results, so a thin CT history still yields the obvious hosts.
var commonLabels = []string{"www", "mail", "smtp", "api", "vpn", "portal", "login", "apps"}

// CTSource enumerates candidate subdomains for a domain.
type CTSource interface {
	Subdomains(ctx context.Context, domain string) ([]string, error)
}

// CrtShClient queries the crt.sh certificate transparency index.
type CrtShClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewCrtShClient creates a crt.sh client with a bounded timeout.
func NewCrtShClient() *CrtShClient {
	return &CrtShClient{
		BaseURL:    crtShBaseURL,
		HTTPClient: &http.Client{Timeout: crtShTimeout},
	}
}

type crtShEntry struct {
	NameValue string `json:"name_value"`
}

// Subdomains returns the distinct, in-scope DNS names found in certificate
// transparency logs for the domain. Wildcard prefixes are stripped and
// names outside the domain are discarded.
func (c *CrtShClient) Subdomains(ctx context.Context, domain string) ([]string, error) {
	url := fmt.Sprintf("%s/?q=%%25.%s&output=json", c.BaseURL, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "failed to build crt.sh request", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "crt.sh request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewScanError(errors.CodeReconFailed,
			fmt.Sprintf("crt.sh returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCTBodyBytes))
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "failed to read crt.sh response", err)
	}

	var entries []crtShEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, errors.WrapScanError(errors.CodeReconFailed, "failed to parse crt.sh response", err)
	}

	raw := make([]string, 0, len(entries))
	for _, e := range entries {
		// name_value may hold several names separated by newlines.
		raw = append(raw, strings.Split(e.NameValue, "\n")...)
	}
	return FilterNames(domain, raw), nil
}

// SeedNames returns the base domain plus the common-label candidates.
func SeedNames(domain string) []string {
	names := make([]string, 0, len(commonLabels)+1)
	names = append(names, domain)
	for _, label := range commonLabels {
		names = append(names, label+"."+domain)
	}
	return names
}

// FilterNames normalizes raw candidate names and keeps only those inside
// the target domain: the domain itself or a strict subdomain of it.
func FilterNames(domain string, raw []string) []string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	seen := make(map[string]struct{}, len(raw))
	var names []string

	for _, name := range raw {
		name = strings.ToLower(strings.TrimSpace(name))
		name = strings.TrimPrefix(name, "*.")
		if name == "" || strings.ContainsAny(name, " @/") {
			continue
		}
		if name != domain && !strings.HasSuffix(name, "."+domain) {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}
