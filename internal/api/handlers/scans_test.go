package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/perimetra/internal/db"
	"github.com/perimetra/perimetra/internal/engine"
	"github.com/perimetra/perimetra/internal/errors"
)

type fakeRunner struct {
	summary *engine.Summary
	err     error

	userID uuid.UUID
	target string
	mode   db.ScanMode
}

func (f *fakeRunner) Run(_ context.Context, userID uuid.UUID, target string, mode db.ScanMode) (*engine.Summary, error) {
	f.userID = userID
	f.target = target
	f.mode = mode
	return f.summary, f.err
}

type fakeScanStore struct {
	scan  *db.Scan
	scans []db.Scan
	assets []db.Asset
	err   error
}

func (f *fakeScanStore) GetScan(context.Context, uuid.UUID, uuid.UUID) (*db.Scan, error) {
	return f.scan, f.err
}

func (f *fakeScanStore) ListScans(context.Context, uuid.UUID) ([]db.Scan, error) {
	return f.scans, f.err
}

func (f *fakeScanStore) ListAssetsByScan(context.Context, uuid.UUID, uuid.UUID) ([]db.Asset, error) {
	return f.assets, nil
}

func authedRequest(method, path, body string, user *db.User) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if user != nil {
		req = req.WithContext(WithUser(req.Context(), user))
	}
	return req
}

func TestSubmitScan(t *testing.T) {
	user := &db.User{ID: uuid.New(), Username: "alice"}
	runner := &fakeRunner{summary: &engine.Summary{
		ScanID:          uuid.New(),
		Target:          "example.com",
		Mode:            db.ScanModePassive,
		Status:          db.ScanStatusCompleted,
		HostsDiscovered: 2,
	}}
	h := NewScanHandler(runner, &fakeScanStore{})

	req := authedRequest(http.MethodPost, "/api/v1/scans",
		`{"target":"example.com","mode":"passive"}`, user)
	rec := httptest.NewRecorder()
	h.SubmitScan(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, user.ID, runner.userID)
	assert.Equal(t, "example.com", runner.target)
	assert.Equal(t, db.ScanModePassive, runner.mode)

	var summary engine.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, db.ScanStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.HostsDiscovered)
}

func TestSubmitScanRequiresAuth(t *testing.T) {
	h := NewScanHandler(&fakeRunner{}, &fakeScanStore{})
	req := authedRequest(http.MethodPost, "/api/v1/scans",
		`{"target":"example.com","mode":"passive"}`, nil)
	rec := httptest.NewRecorder()
	h.SubmitScan(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitScanValidatesBody(t *testing.T) {
	user := &db.User{ID: uuid.New()}
	h := NewScanHandler(&fakeRunner{}, &fakeScanStore{})

	cases := map[string]string{
		"malformed":     `{`,
		"missing target": `{"mode":"passive"}`,
		"bad mode":      `{"target":"example.com","mode":"aggressive"}`,
		"unknown field": `{"target":"example.com","mode":"passive","depth":3}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.SubmitScan(rec, authedRequest(http.MethodPost, "/api/v1/scans", body, user))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitScanConflictMapsTo409(t *testing.T) {
	user := &db.User{ID: uuid.New()}
	runner := &fakeRunner{err: errors.ErrScanInProgress(user.ID.String())}
	h := NewScanHandler(runner, &fakeScanStore{})

	rec := httptest.NewRecorder()
	h.SubmitScan(rec, authedRequest(http.MethodPost, "/api/v1/scans",
		`{"target":"example.com","mode":"passive"}`, user))

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(errors.CodeScanInProgress), resp.Code)
}

func TestSubmitScanFailedPipelineReportsScanID(t *testing.T) {
	user := &db.User{ID: uuid.New()}
	scanID := uuid.New()
	// The pipeline failed after the scan row was created: the engine
	// hands back the summary with the terminal status next to the error.
	runner := &fakeRunner{
		summary: &engine.Summary{
			ScanID: scanID,
			Target: "example.com",
			Mode:   db.ScanModePassive,
			Status: db.ScanStatusFailed,
		},
		err: errors.NewDispatchError(errors.CodeDispatchFailed,
			"scan worker unreachable", "scanner"),
	}
	h := NewScanHandler(runner, &fakeScanStore{})

	rec := httptest.NewRecorder()
	h.SubmitScan(rec, authedRequest(http.MethodPost, "/api/v1/scans",
		`{"target":"example.com","mode":"passive"}`, user))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var resp ScanFailureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, scanID, resp.ScanID)
	assert.Equal(t, db.ScanStatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "scan worker unreachable")
}

func TestSubmitScanBadTargetMapsTo400(t *testing.T) {
	user := &db.User{ID: uuid.New()}
	runner := &fakeRunner{err: errors.ErrInvalidTarget("bad target")}
	h := NewScanHandler(runner, &fakeScanStore{})

	rec := httptest.NewRecorder()
	h.SubmitScan(rec, authedRequest(http.MethodPost, "/api/v1/scans",
		`{"target":"bad target","mode":"active"}`, user))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListScans(t *testing.T) {
	user := &db.User{ID: uuid.New()}
	store := &fakeScanStore{scans: []db.Scan{
		{ID: uuid.New(), Target: "example.com", Status: db.ScanStatusCompleted},
		{ID: uuid.New(), Target: "10.0.0.0/24", Status: db.ScanStatusFailed},
	}}
	h := NewScanHandler(&fakeRunner{}, store)

	rec := httptest.NewRecorder()
	h.ListScans(rec, authedRequest(http.MethodGet, "/api/v1/scans", "", user))

	require.Equal(t, http.StatusOK, rec.Code)
	var scans []db.Scan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scans))
	assert.Len(t, scans, 2)
}

func TestGetScan(t *testing.T) {
	user := &db.User{ID: uuid.New()}
	scanID := uuid.New()
	store := &fakeScanStore{
		scan:   &db.Scan{ID: scanID, Target: "example.com", Status: db.ScanStatusCompleted},
		assets: []db.Asset{{ID: uuid.New(), ScanID: scanID}},
	}
	h := NewScanHandler(&fakeRunner{}, store)

	req := authedRequest(http.MethodGet, "/api/v1/scans/"+scanID.String(), "", user)
	req = mux.SetURLVars(req, map[string]string{"id": scanID.String()})
	rec := httptest.NewRecorder()
	h.GetScan(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ScanDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, scanID, resp.Scan.ID)
	assert.Len(t, resp.Assets, 1)
}

func TestGetScanNotFound(t *testing.T) {
	user := &db.User{ID: uuid.New()}
	store := &fakeScanStore{err: errors.NewDatabaseError(errors.CodeNotFound, "scan not found")}
	h := NewScanHandler(&fakeRunner{}, store)

	scanID := uuid.New()
	req := authedRequest(http.MethodGet, "/api/v1/scans/"+scanID.String(), "", user)
	req = mux.SetURLVars(req, map[string]string{"id": scanID.String()})
	rec := httptest.NewRecorder()
	h.GetScan(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetScanRejectsBadID(t *testing.T) {
	user := &db.User{ID: uuid.New()}
	h := NewScanHandler(&fakeRunner{}, &fakeScanStore{})

	req := authedRequest(http.MethodGet, "/api/v1/scans/not-a-uuid", "", user)
	req = mux.SetURLVars(req, map[string]string{"id": "not-a-uuid"})
	rec := httptest.NewRecorder()
	h.GetScan(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
