package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCT struct {
	names []string
	err   error
}

func (f *fakeCT) Subdomains(_ context.Context, _ string) ([]string, error) {
	return f.names, f.err
}

type fakeResolver struct {
	records map[string][]string
}

func (f *fakeResolver) LookupA(_ context.Context, name string) ([]string, error) {
	addrs, ok := f.records[name]
	if !ok {
		return nil, nil
	}
	return addrs, nil
}

type fakeProvider struct {
	name  string
	hosts map[string]*DiscoveredHost
	err   error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Lookup(_ context.Context, ip string) (*DiscoveredHost, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hosts[ip], nil
}

func TestPipelineDiscover(t *testing.T) {
	ct := &fakeCT{names: []string{"ftp.example.com"}}
	resolver := &fakeResolver{records: map[string][]string{
		"example.com":     {"203.0.113.10"},
		"www.example.com": {"203.0.113.10"},
		"ftp.example.com": {"203.0.113.20"},
	}}
	primary := &fakeProvider{name: "censys", hosts: map[string]*DiscoveredHost{
		"203.0.113.10": {
			IP:       "203.0.113.10",
			OS:       strPtr("Ubuntu"),
			Services: []DiscoveredService{{Port: 443, Protocol: "tcp", Name: strPtr("https")}},
		},
	}}
	secondary := &fakeProvider{name: "shodan", hosts: map[string]*DiscoveredHost{
		"203.0.113.20": {
			IP:       "203.0.113.20",
			Hostname: strPtr("ftp.example.com"),
			Services: []DiscoveredService{{Port: 21, Protocol: "tcp", Name: strPtr("ftp")}},
		},
	}}

	p := NewPipeline(ct, resolver, primary, secondary, time.Second)
	hosts, err := p.Discover(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, hosts, 2)

	// Hosts come back in address order.
	assert.Equal(t, "203.0.113.10", hosts[0].IP)
	require.NotNil(t, hosts[0].Hostname)
	assert.Equal(t, "example.com", *hosts[0].Hostname) // DNS fallback, sorted names
	require.NotNil(t, hosts[0].OS)
	assert.Equal(t, "Ubuntu", *hosts[0].OS)

	assert.Equal(t, "203.0.113.20", hosts[1].IP)
	require.NotNil(t, hosts[1].Hostname)
	assert.Equal(t, "ftp.example.com", *hosts[1].Hostname)
}

func TestPipelineDiscoverToleratesCTFailure(t *testing.T) {
	ct := &fakeCT{err: errors.New("crt.sh unavailable")}
	resolver := &fakeResolver{records: map[string][]string{
		"www.example.com": {"203.0.113.30"},
	}}
	primary := &fakeProvider{name: "censys", hosts: map[string]*DiscoveredHost{
		"203.0.113.30": {
			IP:       "203.0.113.30",
			Services: []DiscoveredService{{Port: 80, Protocol: "tcp"}},
		},
	}}

	p := NewPipeline(ct, resolver, primary, nil, time.Second)
	hosts, err := p.Discover(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "203.0.113.30", hosts[0].IP)
}

func TestPipelineDiscoverFailsWhenNothingResolves(t *testing.T) {
	p := NewPipeline(&fakeCT{}, &fakeResolver{}, nil, nil, time.Second)
	_, err := p.Discover(context.Background(), "example.com")
	assert.Error(t, err)
}

func TestPipelineDropsHostsWithoutServices(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]string{
		"example.com": {"203.0.113.40"},
	}}
	// Providers know nothing about the address.
	primary := &fakeProvider{name: "censys", hosts: map[string]*DiscoveredHost{}}

	p := NewPipeline(&fakeCT{}, resolver, primary, nil, time.Second)
	hosts, err := p.Discover(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Empty(t, hosts)
}
