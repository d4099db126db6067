package api

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"mediaforge/internal/media"
	"mediaforge/internal/objectstore"
	"mediaforge/internal/playback"
)

func (h *Handler) playbackToken(w http.ResponseWriter, r *http.Request, assetID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	subject := strings.TrimSpace(r.URL.Query().Get("subject"))
	issued, err := h.Playback.IssueToken(r.Context(), assetID, subject, 0)
	if err != nil {
		switch {
		case media.IsValidation(err):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, media.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, playback.ErrNotEntitled):
			h.recorder().ObserveTokenEvent("not_entitled")
			writeErrorCode(w, http.StatusForbidden, "NotEntitled", err)
		case errors.Is(err, playback.ErrAssetNotReady):
			h.recorder().ObserveTokenEvent("asset_not_ready")
			writeErrorCode(w, http.StatusForbidden, "AssetNotReady", err)
		default:
			h.Logger.Error("token issuance failed", "error", err, "asset_id", assetID)
			writeError(w, http.StatusInternalServerError, errors.New("unable to issue token"))
		}
		return
	}
	h.recorder().ObserveTokenEvent("issued")
	writeJSON(w, http.StatusOK, issued)
}

// Play serves manifests and segments from the object store, validating the
// playback token on every fetch.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/play/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	assetID := parts[0]
	filePath := path.Clean(parts[1])
	if filePath == "." || strings.HasPrefix(filePath, "..") {
		http.NotFound(w, r)
		return
	}

	token := r.URL.Query().Get("token")
	subject := r.URL.Query().Get("subject")
	claims, err := h.Playback.ValidateToken(token, subject)
	if err != nil {
		h.writeTokenFailure(w, err)
		return
	}
	if claims.AssetID != assetID {
		h.recorder().ObserveTokenEvent("asset_mismatch")
		writeErrorCode(w, http.StatusForbidden, "AssetMismatch", errors.New("token does not cover this asset"))
		return
	}
	h.recorder().ObserveTokenEvent("validated")

	key := path.Join("assets", assetID, filePath)
	data, err := h.Objects.Get(r.Context(), key)
	if errors.Is(err, objectstore.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.Logger.Error("media fetch failed", "error", err, "key", key)
		writeError(w, http.StatusBadGateway, errors.New("media temporarily unavailable"))
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(filePath))
	w.Header().Set("Cache-Control", "private, max-age=0")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

func (h *Handler) writeTokenFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, playback.ErrSignatureInvalid):
		h.recorder().ObserveTokenEvent("signature_invalid")
		writeErrorCode(w, http.StatusForbidden, "SignatureInvalid", err)
	case errors.Is(err, playback.ErrExpired):
		h.recorder().ObserveTokenEvent("expired")
		writeErrorCode(w, http.StatusForbidden, "Expired", err)
	case errors.Is(err, playback.ErrSubjectMismatch):
		h.recorder().ObserveTokenEvent("subject_mismatch")
		writeErrorCode(w, http.StatusForbidden, "SubjectMismatch", err)
	default:
		writeError(w, http.StatusForbidden, err)
	}
}

func contentTypeFor(file string) string {
	switch strings.ToLower(path.Ext(file)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4", ".m4s":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
