package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/models"
)

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UserResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Credits int    `json:"credits"`
	Plan    string `json:"plan"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := apierror.DecodeJSON(w, r, &req); err != nil {
		apierror.BadBody(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "email and password are required", nil)
		return
	}
	u, err := h.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateEmail):
			apierror.Write(w, http.StatusConflict, apierror.CodeConflict, "email already registered", nil)
		case errors.Is(err, ErrWeakPassword):
			apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, err.Error(), nil)
		default:
			h.log.Error("register failed", "error", err)
			apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "registration failed", nil)
		}
		return
	}
	apierror.WriteJSON(w, http.StatusCreated, userToResponse(u))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := apierror.DecodeJSON(w, r, &req); err != nil {
		apierror.BadBody(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "missing email or password", nil)
		return
	}
	token, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			apierror.Write(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "invalid credentials", nil)
			return
		}
		h.log.Error("login failed", "error", err)
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "login failed", nil)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, LoginResponse{Token: token})
}

func userToResponse(u *models.User) UserResponse {
	return UserResponse{
		ID:      u.ID.String(),
		Email:   u.Email,
		Credits: u.Credits,
		Plan:    u.Plan,
	}
}
