package tools

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/middleware"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type executeRequest struct {
	Parameters map[string]any `json:"parameters"`
}

type executeResponse struct {
	*ExecuteResult
	VideoURL string `json:"videoUrl,omitempty"`
}

// Execute handles POST /api/v1/tools/{id}/execute.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		apierror.Write(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "unauthorized", nil)
		return
	}
	toolID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, "tool not found", nil)
		return
	}
	var req executeRequest
	if err := apierror.DecodeJSON(w, r, &req); err != nil {
		apierror.BadBody(w, err)
		return
	}

	res, err := h.svc.Execute(r.Context(), userID, toolID, req.Parameters)
	if err != nil {
		apierror.From(w, h.log, err)
		return
	}
	resp := executeResponse{ExecuteResult: res}
	if isVideo(res.OutputURL) {
		resp.VideoURL = res.OutputURL
	}
	apierror.WriteJSON(w, http.StatusOK, resp)
}

func isVideo(url string) bool {
	path := strings.ToLower(url)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(path, ".mp4") || strings.HasSuffix(path, ".webm") || strings.HasSuffix(path, ".mov")
}
