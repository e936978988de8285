package recon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeHostPrecedence(t *testing.T) {
	primary := &DiscoveredHost{
		IP: "203.0.113.10",
		OS: strPtr("Ubuntu"),
		Services: []DiscoveredService{
			{Port: 80, Protocol: "tcp", Name: strPtr("http"), Banner: strPtr("nginx 1.18.0")},
			{Port: 443, Protocol: "tcp", Name: strPtr("https")},
		},
	}
	secondary := &DiscoveredHost{
		IP:       "203.0.113.10",
		Hostname: strPtr("web.example.com"),
		OS:       strPtr("Debian"),
		Services: []DiscoveredService{
			// Same key as primary's port 80: primary wins.
			{Port: 80, Protocol: "tcp", Name: strPtr("www"), Banner: strPtr("apache")},
			{Port: 8080, Protocol: "tcp", Name: strPtr("http-alt")},
		},
	}

	merged := MergeHost("203.0.113.10", primary, secondary, []string{"dns.example.com"})
	require.NotNil(t, merged)

	// Secondary overrides hostname and OS.
	require.NotNil(t, merged.Hostname)
	assert.Equal(t, "web.example.com", *merged.Hostname)
	require.NotNil(t, merged.OS)
	assert.Equal(t, "Debian", *merged.OS)

	// Primary's services come first and win on duplicate keys.
	require.Len(t, merged.Services, 3)
	assert.Equal(t, 80, merged.Services[0].Port)
	assert.Equal(t, "http", *merged.Services[0].Name)
	assert.Equal(t, "nginx 1.18.0", *merged.Services[0].Banner)
	assert.Equal(t, 443, merged.Services[1].Port)
	assert.Equal(t, 8080, merged.Services[2].Port)
}

func TestMergeHostDNSFallback(t *testing.T) {
	primary := &DiscoveredHost{
		IP:       "203.0.113.11",
		OS:       strPtr("Ubuntu"),
		Services: []DiscoveredService{{Port: 22, Protocol: "tcp"}},
	}

	merged := MergeHost("203.0.113.11", primary, nil, []string{"a.example.com", "b.example.com"})
	require.NotNil(t, merged)

	// No secondary view: first DNS name is the hostname, primary OS stands.
	require.NotNil(t, merged.Hostname)
	assert.Equal(t, "a.example.com", *merged.Hostname)
	require.NotNil(t, merged.OS)
	assert.Equal(t, "Ubuntu", *merged.OS)
}

func TestMergeHostSameKeyDifferentProtocolKept(t *testing.T) {
	primary := &DiscoveredHost{
		IP:       "203.0.113.12",
		Services: []DiscoveredService{{Port: 53, Protocol: "tcp"}},
	}
	secondary := &DiscoveredHost{
		IP:       "203.0.113.12",
		Services: []DiscoveredService{{Port: 53, Protocol: "udp"}},
	}

	merged := MergeHost("203.0.113.12", primary, secondary, nil)
	require.NotNil(t, merged)
	assert.Len(t, merged.Services, 2)
}

func TestMergeHostDropsServicelessHost(t *testing.T) {
	secondary := &DiscoveredHost{
		IP:       "203.0.113.13",
		Hostname: strPtr("ghost.example.com"),
		OS:       strPtr("Linux"),
	}
	assert.Nil(t, MergeHost("203.0.113.13", nil, secondary, []string{"ghost.example.com"}))
	assert.Nil(t, MergeHost("203.0.113.13", nil, nil, nil))
}
