package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra/internal/db"
	"github.com/perimetra/perimetra/internal/logging"
)

// AssetStore is the persistence surface for asset reads and deletion.
type AssetStore interface {
	ListAssets(ctx context.Context, userID uuid.UUID) ([]db.Asset, error)
	GetAsset(ctx context.Context, userID, assetID uuid.UUID) (*db.Asset, error)
	ListAssetServices(ctx context.Context, assetID uuid.UUID) ([]db.Service, error)
	ListServiceVulnerabilities(ctx context.Context, serviceID uuid.UUID) ([]db.Vulnerability, error)
	DeleteAsset(ctx context.Context, userID, assetID uuid.UUID) error
	ListVulnerabilities(ctx context.Context, userID uuid.UUID, severity string) ([]db.Vulnerability, error)
}

// AssetHandler serves the asset and vulnerability read surface.
type AssetHandler struct {
	store  AssetStore
	logger *logging.Logger
}

// NewAssetHandler creates an asset handler.
func NewAssetHandler(store AssetStore) *AssetHandler {
	return &AssetHandler{
		store:  store,
		logger: logging.Default().WithComponent("api.assets"),
	}
}

// ServiceDetail is a service with its findings attached.
type ServiceDetail struct {
	db.Service
	Vulnerabilities []db.Vulnerability `json:"vulnerabilities"`
}

// AssetDetailResponse is an asset with its services and their findings.
type AssetDetailResponse struct {
	Asset    *db.Asset       `json:"asset"`
	Services []ServiceDetail `json:"services"`
}

// ListAssets returns all assets owned by the caller.
// GET /api/v1/assets
func (h *AssetHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	assets, err := h.store.ListAssets(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetAsset returns one asset with services and findings.
// GET /api/v1/assets/{id}
func (h *AssetHandler) GetAsset(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	assetID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	asset, err := h.store.GetAsset(r.Context(), user.ID, assetID)
	if err != nil {
		writeError(w, err)
		return
	}

	services, err := h.store.ListAssetServices(r.Context(), assetID)
	if err != nil {
		writeError(w, err)
		return
	}

	details := make([]ServiceDetail, 0, len(services))
	for _, svc := range services {
		vulns, err := h.store.ListServiceVulnerabilities(r.Context(), svc.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		details = append(details, ServiceDetail{Service: svc, Vulnerabilities: vulns})
	}
	writeJSON(w, http.StatusOK, AssetDetailResponse{Asset: asset, Services: details})
}

// DeleteAsset removes an asset; services and findings cascade with it.
// DELETE /api/v1/assets/{id}
func (h *AssetHandler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	assetID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.store.DeleteAsset(r.Context(), user.ID, assetID); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("asset deleted", "asset_id", assetID, "user_id", user.ID)
	writeJSON(w, http.StatusNoContent, nil)
}

// ListVulnerabilities returns the caller's findings, optionally filtered
// by severity.
// GET /api/v1/vulnerabilities?severity=high
func (h *AssetHandler) ListVulnerabilities(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	severity := r.URL.Query().Get("severity")
	vulns, err := h.store.ListVulnerabilities(r.Context(), user.ID, severity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vulns)
}
