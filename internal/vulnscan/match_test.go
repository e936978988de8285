package vulnscan

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/perimetra/internal/db"
)

func endpoint(t *testing.T, ip string, port int, name string) db.ServiceEndpoint {
	t.Helper()
	addr, err := db.ParseIPAddr(ip)
	require.NoError(t, err)
	ep := db.ServiceEndpoint{
		ServiceID: uuid.New(),
		IPAddress: addr,
		Port:      port,
		Protocol:  "tcp",
	}
	if name != "" {
		ep.ServiceName = &name
	}
	return ep
}

func TestBuildTargets(t *testing.T) {
	endpoints := []db.ServiceEndpoint{
		endpoint(t, "10.50.100.50", 21, "FTP"),
		endpoint(t, "10.50.100.50", 8080, ""),
	}

	targets := BuildTargets(endpoints)
	require.Len(t, targets, 2)
	assert.Equal(t, Target{Target: "10.50.100.50:21", Tags: "ftp"}, targets[0])
	assert.Equal(t, Target{Target: "10.50.100.50:8080", Tags: "network"}, targets[1])
}

func TestMatchAttributesFindingToService(t *testing.T) {
	ftp := endpoint(t, "10.50.100.50", 21, "ftp")
	dns := endpoint(t, "10.50.100.50", 53, "dns")

	findings := []Finding{
		{
			TemplateID: "vsftpd-backdoor",
			Info:       FindingInfo{Name: "vsftpd backdoor", Severity: "CRITICAL", Description: "Backdoored vsftpd build"},
			MatchedAt:  "ftp://10.50.100.50:21",
		},
		{
			TemplateID: "stale-host",
			Info:       FindingInfo{Severity: "low"},
			MatchedAt:  "http://198.51.100.9:80/admin", // matches no known service
		},
	}

	vulns := Match(findings, []db.ServiceEndpoint{ftp, dns})
	require.Len(t, vulns, 1)

	v := vulns[0]
	assert.Equal(t, ftp.ServiceID, v.ServiceID)
	assert.Equal(t, "vsftpd-backdoor", v.TemplateID)
	require.NotNil(t, v.Severity)
	assert.Equal(t, "critical", *v.Severity)
	// The template name wins over its longer description.
	require.NotNil(t, v.Description)
	assert.Equal(t, "vsftpd backdoor", *v.Description)
	require.NotNil(t, v.Evidence)
	assert.Equal(t, "ftp://10.50.100.50:21", *v.Evidence)
}

func TestMatchFirstServiceWins(t *testing.T) {
	first := endpoint(t, "10.0.0.1", 80, "http")
	second := endpoint(t, "10.0.0.1", 8080, "http")

	// "10.0.0.1:80" is a substring of "10.0.0.1:8080", so both endpoints
	// match this URL. Attribution goes to the first endpoint in order.
	findings := []Finding{{
		TemplateID: "exposed-panel",
		MatchedAt:  "http://10.0.0.1:8080/login",
	}}

	vulns := Match(findings, []db.ServiceEndpoint{first, second})
	require.Len(t, vulns, 1)
	assert.Equal(t, first.ServiceID, vulns[0].ServiceID)
}

func TestMatchTruncatesLongFields(t *testing.T) {
	ep := endpoint(t, "10.0.0.2", 443, "https")
	long := strings.Repeat("a", 300)

	findings := []Finding{{
		TemplateID: long,
		MatchedAt:  "https://10.0.0.2:443/" + long,
	}}

	vulns := Match(findings, []db.ServiceEndpoint{ep})
	require.Len(t, vulns, 1)
	assert.Len(t, vulns[0].TemplateID, 255)
	require.NotNil(t, vulns[0].Evidence)
	assert.Len(t, *vulns[0].Evidence, 255)
}

func TestMatchSkipsIncompleteFindings(t *testing.T) {
	ep := endpoint(t, "10.0.0.3", 22, "ssh")

	findings := []Finding{
		{TemplateID: "", MatchedAt: "10.0.0.3:22"},
		{TemplateID: "ssh-weak-cipher", MatchedAt: ""},
	}
	assert.Empty(t, Match(findings, []db.ServiceEndpoint{ep}))
}

func TestMatchDescriptionPrecedence(t *testing.T) {
	ep := endpoint(t, "10.0.0.4", 80, "http")

	findings := []Finding{{
		TemplateID: "http-title",
		Info:       FindingInfo{Name: "HTTP Title"},
		MatchedAt:  "http://10.0.0.4:80",
	}}

	vulns := Match(findings, []db.ServiceEndpoint{ep})
	require.Len(t, vulns, 1)
	require.NotNil(t, vulns[0].Description)
	assert.Equal(t, "HTTP Title", *vulns[0].Description)
	require.NotNil(t, vulns[0].Severity)
	assert.Equal(t, "unknown", *vulns[0].Severity)
}

func TestMatchDefaultsForBareFinding(t *testing.T) {
	ep := endpoint(t, "10.0.0.5", 22, "ssh")

	// No info block at all: severity defaults to unknown, the
	// description falls back to the template id.
	findings := []Finding{{
		TemplateID: "ssh-auth-methods",
		MatchedAt:  "10.0.0.5:22",
	}}

	vulns := Match(findings, []db.ServiceEndpoint{ep})
	require.Len(t, vulns, 1)
	require.NotNil(t, vulns[0].Severity)
	assert.Equal(t, "unknown", *vulns[0].Severity)
	require.NotNil(t, vulns[0].Description)
	assert.Equal(t, "ssh-auth-methods", *vulns[0].Description)
}
