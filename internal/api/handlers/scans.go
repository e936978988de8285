package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/perimetra/perimetra/internal/db"
	"github.com/perimetra/perimetra/internal/engine"
	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/logging"
)

// ScanRunner runs one scan pipeline to completion.
type ScanRunner interface {
	Run(ctx context.Context, userID uuid.UUID, target string, mode db.ScanMode) (*engine.Summary, error)
}

// ScanStore is the persistence surface for scan reads.
type ScanStore interface {
	GetScan(ctx context.Context, userID, scanID uuid.UUID) (*db.Scan, error)
	ListScans(ctx context.Context, userID uuid.UUID) ([]db.Scan, error)
	ListAssetsByScan(ctx context.Context, userID, scanID uuid.UUID) ([]db.Asset, error)
}

// ScanHandler serves scan submission and scan reads.
type ScanHandler struct {
	runner ScanRunner
	store  ScanStore
	logger *logging.Logger
}

// NewScanHandler creates a scan handler.
func NewScanHandler(runner ScanRunner, store ScanStore) *ScanHandler {
	return &ScanHandler{
		runner: runner,
		store:  store,
		logger: logging.Default().WithComponent("api.scans"),
	}
}

// SubmitScanRequest is the submission payload.
type SubmitScanRequest struct {
	Target string `json:"target" validate:"required,min=1,max=255"`
	Mode   string `json:"mode" validate:"required,oneof=active passive"`
}

// ScanDetailResponse is a scan together with the assets it observed.
type ScanDetailResponse struct {
	Scan   *db.Scan   `json:"scan"`
	Assets []db.Asset `json:"assets"`
}

// ScanFailureResponse reports a pipeline that failed after its scan row
// was created: the client learns the id and terminal status alongside
// the error.
type ScanFailureResponse struct {
	ScanID uuid.UUID     `json:"scan_id"`
	Status db.ScanStatus `json:"status"`
	Error  string        `json:"error"`
	Code   string        `json:"code,omitempty"`
}

// SubmitScan runs a scan synchronously and returns its summary.
// POST /api/v1/scans
func (h *ScanHandler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req SubmitScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	summary, err := h.runner.Run(r.Context(), user.ID, req.Target, db.ScanMode(req.Mode))
	if err != nil {
		// A failed pipeline still produced a terminal scan row; the
		// client gets the scan id and its failed status with the error.
		if summary != nil && summary.ScanID != uuid.Nil {
			code := errors.GetCode(err)
			writeJSON(w, statusForCode(code), ScanFailureResponse{
				ScanID: summary.ScanID,
				Status: summary.Status,
				Error:  err.Error(),
				Code:   string(code),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// ListScans returns the caller's scans, most recent first.
// GET /api/v1/scans
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	scans, err := h.store.ListScans(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

// GetScan returns one scan with the assets it observed.
// GET /api/v1/scans/{id}
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	scanID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	scan, err := h.store.GetScan(r.Context(), user.ID, scanID)
	if err != nil {
		writeError(w, err)
		return
	}
	assets, err := h.store.ListAssetsByScan(r.Context(), user.ID, scanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ScanDetailResponse{Scan: scan, Assets: assets})
}

// pathUUID extracts a UUID path variable.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := mux.Vars(r)[name]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.NewScanError(errors.CodeValidation, "invalid id in path")
	}
	return id, nil
}
