package vulnscan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/perimetra/internal/dispatch"
	"github.com/perimetra/perimetra/internal/errors"
)

func TestClientScanDecodesFindingList(t *testing.T) {
	var gotToken string
	var gotReq scanRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(dispatch.TokenHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"template-id":"vsftpd-backdoor","info":{"severity":"critical"},"matched-at":"ftp://10.50.100.50:21"},
			{"template-id":"dns-recursion","matched-at":"10.50.100.50:53"}
		]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "shared-token", time.Second)
	findings, err := client.Scan(context.Background(),
		[]Target{{Target: "10.50.100.50:21", Tags: "ftp"}})
	require.NoError(t, err)

	assert.Equal(t, "shared-token", gotToken)
	require.Len(t, gotReq.Targets, 1)
	assert.Equal(t, "10.50.100.50:21", gotReq.Targets[0].Target)

	require.Len(t, findings, 2)
	assert.Equal(t, "vsftpd-backdoor", findings[0].TemplateID)
	assert.Equal(t, "critical", findings[0].Info.Severity)
	assert.Equal(t, "dns-recursion", findings[1].TemplateID)
}

func TestClientScanRejectsNonListResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"template-id":"x","matched-at":"10.0.0.1:80"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "shared-token", time.Second)
	_, err := client.Scan(context.Background(), []Target{{Target: "10.0.0.1:80"}})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeVulnDispatch))
}

func TestClientScanSurfacesWorkerRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid scanner token", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "wrong", time.Second)
	_, err := client.Scan(context.Background(), []Target{{Target: "10.0.0.1:80"}})
	require.Error(t, err)

	var dispatchErr *errors.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, http.StatusUnauthorized, dispatchErr.StatusCode)
}

func TestClientScanEmptyTargets(t *testing.T) {
	client := NewClient("http://worker.invalid", "tok", time.Second)
	findings, err := client.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, findings)
}
