package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"presence-service/internal/audit"
	"presence-service/internal/model"
	"presence-service/internal/ratelimit"
	"presence-service/internal/util"
)

var errEventSearchUnavailable = errors.New("event search backend not configured")

// AdminHandler exposes the rate limiter's operational surface. Every route
// sits behind the admin key middleware.
type AdminHandler struct {
	limiter     *ratelimit.Limiter
	events      *audit.EventIndexer
	adminSecret string
}

func NewAdminHandler(limiter *ratelimit.Limiter, events *audit.EventIndexer, adminSecret string) *AdminHandler {
	return &AdminHandler{
		limiter:     limiter,
		events:      events,
		adminSecret: adminSecret,
	}
}

func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Use(RequireAdmin(h.adminSecret))

		r.Get("/blocked-users", h.BlockedUsers)
		r.Post("/unblock", h.Unblock)
		r.Post("/reset-rate-limit", h.ResetRateLimit)
		r.Get("/rate-limit-stats", h.RateLimitStats)
		r.Get("/rate-limit-status/{phoneNumber}", h.RateLimitStatus)
		r.Post("/cleanup", h.Cleanup)
		r.Get("/events", h.SearchEvents)
	})
}

func (h *AdminHandler) BlockedUsers(w http.ResponseWriter, r *http.Request) {
	blocked, err := h.limiter.BlockedList(r.Context(), time.Now())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Failed to list blocked users")
		return
	}
	if blocked == nil {
		blocked = []ratelimit.BlockedAccount{}
	}
	respondWithJSON(w, http.StatusOK, successResponse(blocked, "Blocked users retrieved"))
}

type phoneRequest struct {
	PhoneNumber string `json:"phone_number"`
}

func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	phone, ok := h.decodePhone(w, r)
	if !ok {
		return
	}

	if err := h.limiter.Unblock(r.Context(), phone); err != nil {
		respondWithError(w, adminStatusCode(err), err, "Failed to unblock user")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "User unblocked"))
}

func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	phone, ok := h.decodePhone(w, r)
	if !ok {
		return
	}

	if err := h.limiter.Reset(r.Context(), phone); err != nil {
		respondWithError(w, adminStatusCode(err), err, "Failed to reset rate limit")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Rate limit reset"))
}

func (h *AdminHandler) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.limiter.CollectStats(r.Context(), time.Now())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Failed to collect stats")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(stats, "Stats collected"))
}

func (h *AdminHandler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	phone, err := util.NormalizePhone(chi.URLParam(r, "phoneNumber"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid phone number")
		return
	}

	status, err := h.limiter.Status(r.Context(), phone, time.Now())
	if err != nil {
		respondWithError(w, adminStatusCode(err), err, "Failed to read rate limit status")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(status, "Status retrieved"))
}

type cleanupResponse struct {
	ModifiedAccounts int64 `json:"modified_accounts"`
}

func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	modified, err := h.limiter.Cleanup(r.Context(), time.Now())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Cleanup failed")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(cleanupResponse{ModifiedAccounts: modified}, "Cleanup completed"))
}

func (h *AdminHandler) SearchEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		respondWithError(w, http.StatusServiceUnavailable, errEventSearchUnavailable, "Event search unavailable")
		return
	}

	phone := r.URL.Query().Get("phone")
	if phone != "" {
		normalized, err := util.NormalizePhone(phone)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err, "Invalid phone number")
			return
		}
		phone = normalized
	}

	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	events, total, err := h.events.Search(r.Context(), phone, size)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Event search failed")
		return
	}

	resp := successResponse(events, "Events retrieved")
	resp.Meta = &Meta{Total: total, PageSize: len(events)}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) decodePhone(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req phoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return "", false
	}

	phone, err := util.NormalizePhone(req.PhoneNumber)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid phone number")
		return "", false
	}
	return phone, true
}

func adminStatusCode(err error) int {
	if errors.Is(err, model.ErrAccountNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
