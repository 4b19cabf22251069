package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"presence-service/internal/service"
	"presence-service/internal/util"
)

// AuthHandler serves the PIN request and verify endpoints.
type AuthHandler struct {
	authService *service.AuthService
}

func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/request-pin", h.RequestPIN)
		r.Post("/verify-pin", h.VerifyPIN)
	})
}

type requestPINRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type verifyPINRequest struct {
	PhoneNumber string `json:"phone_number"`
	PIN         string `json:"pin"`
}

type verifyPINResponse struct {
	Token       string `json:"token"`
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name,omitempty"`
	IsAvailable bool   `json:"is_available"`
}

func (h *AuthHandler) RequestPIN(w http.ResponseWriter, r *http.Request) {
	var req requestPINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.authService.RequestPIN(r.Context(), req.PhoneNumber, clientIP(r))
	if err != nil {
		var rlErr *service.RateLimitError
		if errors.As(err, &rlErr) {
			resp := errorResponse(rlErr, rlErr.Result.Message)
			resp.Data = rlErr.Result
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
				util.Error("Failed to encode JSON response", util.ErrorField(encErr))
			}
			return
		}
		if errors.Is(err, util.ErrInvalidPhone) {
			respondWithError(w, http.StatusBadRequest, err, "Invalid phone number")
			return
		}
		respondWithError(w, http.StatusInternalServerError, err, "Failed to request PIN")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(result, "PIN sent"))
}

func (h *AuthHandler) VerifyPIN(w http.ResponseWriter, r *http.Request) {
	var req verifyPINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	token, account, err := h.authService.VerifyPIN(r.Context(), req.PhoneNumber, req.PIN)
	if err != nil {
		respondWithError(w, verifyStatusCode(err), err, "Verification failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(verifyPINResponse{
		Token:       token,
		PhoneNumber: account.PhoneNumber,
		Name:        account.Name,
		IsAvailable: account.IsAvailable,
	}, "Phone verified"))
}

func verifyStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidPIN), errors.Is(err, service.ErrPINExpired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNoPINPending):
		return http.StatusNotFound
	case errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, util.ErrInvalidPhone):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// clientIP trusts RealIP middleware to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
