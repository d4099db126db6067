package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mediaforge/internal/media"
	"mediaforge/internal/upload"
)

type createAssetRequest struct {
	TenantID string `json:"tenantId"`
	CourseID string `json:"courseId"`
	Filename string `json:"filename"`
}

type createAssetResponse struct {
	AssetID      string `json:"assetId"`
	UploadTarget upload.Target `json:"uploadTarget"`
}

type completeUploadRequest struct {
	SourceKey string `json:"sourceKey"`
}

type assetStatusResponse struct {
	AssetID      string            `json:"assetId"`
	Status       string            `json:"status"`
	Attempt      int               `json:"attempt"`
	Renditions   []media.Rendition `json:"renditions"`
	ManifestPath string            `json:"manifestPath,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
}

// Assets handles POST /assets.
func (h *Handler) Assets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req createAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	target, err := h.Coordinator.RequestUploadTarget(r.Context(), req.TenantID, req.CourseID, req.Filename)
	if err != nil {
		if media.IsValidation(err) {
			h.recorder().ObserveUploadEvent("rejected")
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.Logger.Error("upload target request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("unable to create asset"))
		return
	}
	h.recorder().ObserveUploadEvent("target_issued")
	writeJSON(w, http.StatusCreated, createAssetResponse{AssetID: target.AssetID, UploadTarget: target})
}

// AssetByID dispatches /assets/{id}/{action} requests.
func (h *Handler) AssetByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/assets/")
	parts := strings.SplitN(rest, "/", 2)
	assetID := strings.TrimSpace(parts[0])
	if assetID == "" {
		http.NotFound(w, r)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = strings.Trim(parts[1], "/")
	}
	switch action {
	case "complete":
		h.completeUpload(w, r, assetID)
	case "status":
		h.assetStatus(w, r, assetID)
	case "cancel":
		h.cancelAsset(w, r, assetID)
	case "playback-token":
		h.playbackToken(w, r, assetID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, assetID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req completeUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if err := h.Coordinator.NotifyUploadComplete(r.Context(), assetID, req.SourceKey); err != nil {
		switch {
		case errors.Is(err, media.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case media.IsValidation(err):
			writeError(w, http.StatusBadRequest, err)
		default:
			h.Logger.Error("upload completion failed", "error", err, "asset_id", assetID)
			writeError(w, http.StatusInternalServerError, errors.New("unable to queue asset"))
		}
		return
	}
	h.recorder().ObserveUploadEvent("completed")
	writeJSON(w, http.StatusAccepted, map[string]string{"assetId": assetID, "status": "accepted"})
}

func (h *Handler) assetStatus(w http.ResponseWriter, r *http.Request, assetID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	asset, err := h.Store.Get(r.Context(), assetID)
	if errors.Is(err, media.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.Logger.Error("status lookup failed", "error", err, "asset_id", assetID)
		writeError(w, http.StatusInternalServerError, errors.New("unable to read status"))
		return
	}
	renditions := asset.Renditions
	if renditions == nil {
		renditions = []media.Rendition{}
	}
	writeJSON(w, http.StatusOK, assetStatusResponse{
		AssetID:      asset.ID,
		Status:       string(asset.Status),
		Attempt:      asset.Attempt,
		Renditions:   renditions,
		ManifestPath: asset.ManifestPath,
		ErrorMessage: asset.ErrorMessage,
	})
}

func (h *Handler) cancelAsset(w http.ResponseWriter, r *http.Request, assetID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	err := h.Coordinator.Cancel(r.Context(), assetID)
	var conflict upload.ErrCancelConflict
	switch {
	case err == nil:
		h.recorder().ObserveUploadEvent("cancelled")
		writeJSON(w, http.StatusOK, map[string]string{"assetId": assetID, "status": string(media.StatusCancelled)})
	case errors.Is(err, media.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &conflict):
		writeErrorCode(w, http.StatusConflict, "CancelConflict", err)
	case media.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	default:
		h.Logger.Error("cancel failed", "error", err, "asset_id", assetID)
		writeError(w, http.StatusInternalServerError, errors.New("unable to cancel asset"))
	}
}
