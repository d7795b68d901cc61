// Package uploads accepts user media that tools take as input (image_url).
package uploads

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/storage"
)

// multipartOverhead allows for boundaries and headers around the file part.
const multipartOverhead = 1 << 20

var allowedTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"video/mp4":  true,
}

type Handler struct {
	storage  storage.Store
	maxBytes int64
	log      *slog.Logger
}

func NewHandler(store storage.Store, maxBytes int64, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{storage: store, maxBytes: maxBytes, log: log}
}

// Upload handles POST /api/v1/uploads with a multipart "file" field. The type
// is sniffed from the content, not taken from the client.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		apierror.Write(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "unauthorized", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.tooLarge(w)
			return
		}
		apierror.Write(w, http.StatusBadRequest, apierror.CodeBadRequest, "multipart field \"file\" is required", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeBadRequest, "unreadable upload", nil)
		return
	}
	if int64(len(data)) > h.maxBytes {
		h.tooLarge(w)
		return
	}
	if len(data) == 0 {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeBadRequest, "empty upload", nil)
		return
	}
	contentType := http.DetectContentType(data)
	if !allowedTypes[contentType] {
		apierror.Write(w, http.StatusUnsupportedMediaType, apierror.CodeUnsupportedMediaType, "unsupported file type",
			map[string]any{"contentType": contentType})
		return
	}

	url, err := h.storage.Put(r.Context(), "uploads/"+userID.String(), data, contentType)
	if err != nil {
		h.log.Error("store upload", "user_id", userID, "error", err)
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "upload failed", nil)
		return
	}
	h.log.Info("upload stored", "user_id", userID, "content_type", contentType, "bytes", len(data))
	apierror.WriteJSON(w, http.StatusCreated, map[string]any{"url": url, "contentType": contentType, "size": len(data)})
}

func (h *Handler) tooLarge(w http.ResponseWriter) {
	apierror.Write(w, http.StatusRequestEntityTooLarge, apierror.CodePayloadTooLarge, "file exceeds upload limit",
		map[string]any{"maxBytes": h.maxBytes})
}
