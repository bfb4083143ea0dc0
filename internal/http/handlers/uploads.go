package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"server/internal/middleware"
)

type createUploadRequest struct {
	PhotoID     string `json:"photo_id"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int64  `json:"size_bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// CreateUpload hands out a presigned PUT URL so clients push source photos to
// object storage directly instead of through the API.
func (a *App) CreateUpload(w http.ResponseWriter, r *http.Request) {
	if a.Uploads == nil {
		a.error(w, http.StatusServiceUnavailable, "uploads_disabled", "direct uploads are not configured")
		return
	}
	tenantID := middleware.TenantIDFromContext(r.Context())

	var req createUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if strings.TrimSpace(req.ContentHash) == "" {
		a.error(w, http.StatusBadRequest, "invalid_upload", "content_hash is required")
		return
	}
	if a.MaxUploadBytes > 0 && req.SizeBytes > a.MaxUploadBytes {
		a.error(w, http.StatusRequestEntityTooLarge, "image_too_large", "file exceeds the upload size limit")
		return
	}
	if a.MaxMegapixels > 0 && req.Width > 0 && req.Height > 0 {
		if mp := float64(req.Width) * float64(req.Height) / 1e6; mp > a.MaxMegapixels {
			a.error(w, http.StatusRequestEntityTooLarge, "image_too_large", "image exceeds the megapixel limit")
			return
		}
	}

	target, err := a.Uploads.PresignUpload(r.Context(), tenantID, strings.TrimSpace(req.PhotoID), req.ContentHash)
	if err != nil {
		a.Logger.Error().Err(err).Str("tenant_id", tenantID).Msg("presign upload failed")
		a.error(w, http.StatusInternalServerError, "internal", "could not create upload target")
		return
	}
	a.json(w, http.StatusCreated, map[string]any{
		"upload_url": target.URL,
		"object_key": target.ObjectKey,
		"expires_at": target.ExpiresAt.UTC(),
	})
}
