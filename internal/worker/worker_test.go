package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/perimetra/internal/dispatch"
	"github.com/perimetra/perimetra/internal/vulnscan"
)

type fakeExecutor struct {
	output []byte
	err    error

	name string
	args []string
}

func (f *fakeExecutor) Execute(_ context.Context, name string, args []string, _ time.Duration) ([]byte, error) {
	f.name = name
	f.args = args
	return f.output, f.err
}

func newTestService(t *testing.T, mode Mode, token string, executor Executor) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode:         mode,
		Token:        token,
		AllowedCIDRs: []string{"10.0.0.0/8"},
	}, executor)
	require.NoError(t, err)
	return svc
}

func postScan(t *testing.T, svc *Service, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewReader(payload))
	if token != "" {
		req.Header.Set(dispatch.TokenHeader, token)
	}
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	return rec
}

func TestNewServiceRequiresAllowList(t *testing.T) {
	_, err := NewService(Config{Mode: ModeNmap, Token: "tok"}, &fakeExecutor{})
	assert.Error(t, err)
}

func TestNewServiceRejectsUnknownMode(t *testing.T) {
	_, err := NewService(Config{
		Mode: "masscan", Token: "tok", AllowedCIDRs: []string{"10.0.0.0/8"},
	}, &fakeExecutor{})
	assert.Error(t, err)
}

func TestNewServiceRejectsBadCIDR(t *testing.T) {
	_, err := NewService(Config{
		Mode: ModeNmap, Token: "tok", AllowedCIDRs: []string{"10.0.0.0/99"},
	}, &fakeExecutor{})
	assert.Error(t, err)
}

func TestScanRefusedWhenTokenUnconfigured(t *testing.T) {
	svc := newTestService(t, ModeNmap, "", &fakeExecutor{})
	rec := postScan(t, svc, "anything", dispatch.ScanRequest{Targets: []string{"10.0.0.1"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestScanRejectsWrongToken(t *testing.T) {
	svc := newTestService(t, ModeNmap, "the-real-token", &fakeExecutor{})
	rec := postScan(t, svc, "the-wrong-token", dispatch.ScanRequest{Targets: []string{"10.0.0.1"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScanRejectsTargetOutsideAllowList(t *testing.T) {
	executor := &fakeExecutor{}
	svc := newTestService(t, ModeNmap, "tok", executor)

	rec := postScan(t, svc, "tok", dispatch.ScanRequest{Targets: []string{"198.51.100.7"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, executor.name, "scanner must not run for a forbidden target")
}

func TestScanRejectsEmptyTargets(t *testing.T) {
	svc := newTestService(t, ModeNmap, "tok", &fakeExecutor{})
	rec := postScan(t, svc, "tok", dispatch.ScanRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNmapScanReturnsRawXML(t *testing.T) {
	executor := &fakeExecutor{output: []byte(`<nmaprun scanner="nmap"/>`)}
	svc := newTestService(t, ModeNmap, "tok", executor)

	rec := postScan(t, svc, "tok", dispatch.ScanRequest{Targets: []string{"10.50.100.0/24"}})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "nmap", executor.name)
	assert.Equal(t, []string{"-sV", "-O", "-oX", "-", "10.50.100.0/24"}, executor.args)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, `<nmaprun scanner="nmap"/>`, rec.Body.String())
}

func TestNmapScanSurfacesExecutionFailure(t *testing.T) {
	executor := &fakeExecutor{err: context.DeadlineExceeded}
	svc := newTestService(t, ModeNmap, "tok", executor)

	rec := postScan(t, svc, "tok", dispatch.ScanRequest{Targets: []string{"10.0.0.1"}})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNucleiScanFlattensFindings(t *testing.T) {
	executor := &fakeExecutor{output: []byte(
		`{"template-id":"vsftpd-backdoor","info":{"severity":"critical"},"matched-at":"ftp://10.50.100.50:21"}` + "\n" +
			`garbage line` + "\n" +
			`{"template-id":"dns-recursion","matched-at":"10.50.100.50:53"}` + "\n")}
	svc := newTestService(t, ModeNuclei, "tok", executor)

	rec := postScan(t, svc, "tok", map[string][]vulnscan.Target{
		"targets": {{Target: "10.50.100.50:21", Tags: "ftp"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "nuclei", executor.name)
	assert.Equal(t, []string{"-u", "10.50.100.50:21", "-jsonl", "-silent", "-tags", "ftp"}, executor.args)

	// The response is a bare JSON array of findings, not an envelope.
	var results []vulnscan.Finding
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "vsftpd-backdoor", results[0].TemplateID)
	assert.Equal(t, "dns-recursion", results[1].TemplateID)
}

type perTargetExecutor struct {
	outputs map[string][]byte
	errs    map[string]error
	calls   []string
}

func (f *perTargetExecutor) Execute(_ context.Context, _ string, args []string, _ time.Duration) ([]byte, error) {
	target := args[1]
	f.calls = append(f.calls, target)
	if err := f.errs[target]; err != nil {
		return nil, err
	}
	return f.outputs[target], nil
}

func TestNucleiScanSkipsFailingTargets(t *testing.T) {
	executor := &perTargetExecutor{
		outputs: map[string][]byte{
			"10.0.0.2:53": []byte(`{"template-id":"dns-recursion","matched-at":"10.0.0.2:53"}`),
		},
		errs: map[string]error{
			"10.0.0.1:21": context.DeadlineExceeded,
		},
	}
	svc := newTestService(t, ModeNuclei, "tok", executor)

	rec := postScan(t, svc, "tok", map[string][]vulnscan.Target{
		"targets": {{Target: "10.0.0.1:21"}, {Target: "10.0.0.2:53"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Both targets ran; the failing one was skipped, not fatal.
	assert.Equal(t, []string{"10.0.0.1:21", "10.0.0.2:53"}, executor.calls)

	var results []vulnscan.Finding
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "dns-recursion", results[0].TemplateID)
}

func TestNucleiScanAllTargetsFailingYieldsEmptyList(t *testing.T) {
	executor := &perTargetExecutor{errs: map[string]error{
		"10.0.0.1:21": context.DeadlineExceeded,
	}}
	svc := newTestService(t, ModeNuclei, "tok", executor)

	rec := postScan(t, svc, "tok", map[string][]vulnscan.Target{
		"targets": {{Target: "10.0.0.1:21"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestNucleiScanChecksHostPortTargets(t *testing.T) {
	svc := newTestService(t, ModeNuclei, "tok", &fakeExecutor{})
	rec := postScan(t, svc, "tok", map[string][]vulnscan.Target{
		"targets": {{Target: "198.51.100.7:80"}},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestValidateTargetResolvesHostnames(t *testing.T) {
	svc := newTestService(t, ModeNmap, "tok", &fakeExecutor{})
	svc.resolve = func(_ context.Context, host string) ([]net.IPAddr, error) {
		switch host {
		case "inside.corp":
			return []net.IPAddr{{IP: net.ParseIP("10.1.2.3")}}, nil
		case "split.corp":
			return []net.IPAddr{
				{IP: net.ParseIP("10.1.2.3")},
				{IP: net.ParseIP("203.0.113.9")},
			}, nil
		default:
			return nil, nil
		}
	}

	assert.NoError(t, svc.validateTarget(context.Background(), "inside.corp"))
	// Every resolved address must be inside the allow-list.
	assert.Error(t, svc.validateTarget(context.Background(), "split.corp"))
	assert.Error(t, svc.validateTarget(context.Background(), "unknown.corp"))
}

func TestHealthz(t *testing.T) {
	svc := newTestService(t, ModeNmap, "tok", &fakeExecutor{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseNDJSONSkipsBadLines(t *testing.T) {
	output := []byte("\n" +
		`{"template-id":"a","matched-at":"10.0.0.1:80"}` + "\n" +
		`{"matched-at":"10.0.0.1:81"}` + "\n" + // no template id
		`not json` + "\n" +
		`{"template-id":"b","info":{"name":"B","severity":"low"},"matched-at":"10.0.0.1:82"}`)

	findings := ParseNDJSON(output)
	require.Len(t, findings, 2)
	assert.Equal(t, "a", findings[0].TemplateID)
	assert.Equal(t, "b", findings[1].TemplateID)
	assert.Equal(t, "low", findings[1].Info.Severity)
}

func TestParseNDJSONEmpty(t *testing.T) {
	assert.Empty(t, ParseNDJSON(nil))
}
