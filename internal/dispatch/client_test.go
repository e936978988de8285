package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/perimetra/internal/errors"
)

func TestClientScanSendsTokenAndTargets(t *testing.T) {
	var gotToken string
	var gotBody ScanRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/scan", r.URL.Path)
		gotToken = r.Header.Get(TokenHeader)
		require.NoError(t, decodeBody(r, &gotBody))
		_, _ = w.Write([]byte("<nmaprun></nmaprun>"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", 5*time.Second)
	report, err := client.Scan(context.Background(), []string{"10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, "secret-token", gotToken)
	assert.Equal(t, []string{"10.0.0.1"}, gotBody.Targets)
	assert.Equal(t, "<nmaprun></nmaprun>", report)
}

func TestClientScanRejectsEmptyTargets(t *testing.T) {
	client := NewClient("http://worker.invalid", "tok", time.Second)
	_, err := client.Scan(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDispatchFailed))
}

func TestClientScanSurfacesUpstreamStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid scanner token"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "wrong", 5*time.Second)
	_, err := client.Scan(context.Background(), []string{"10.0.0.1"})
	require.Error(t, err)

	var dispatchErr *errors.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, http.StatusUnauthorized, dispatchErr.StatusCode)
	assert.Equal(t, errors.CodeDispatchFailed, dispatchErr.Code)
}

func TestClientScanTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("<nmaprun></nmaprun>"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok", 20*time.Millisecond)
	_, err := client.Scan(context.Background(), []string{"10.0.0.1"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDispatchFailed))
}

func decodeBody(r *http.Request, dst *ScanRequest) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(dst)
}
