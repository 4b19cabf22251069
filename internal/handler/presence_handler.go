package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"presence-service/internal/model"
	"presence-service/internal/service"
	"presence-service/internal/util"
)

// PresenceHandler serves the authenticated social surface.
type PresenceHandler struct {
	presenceService *service.PresenceService
	tokens          *service.TokenService
}

func NewPresenceHandler(presenceService *service.PresenceService, tokens *service.TokenService) *PresenceHandler {
	return &PresenceHandler{
		presenceService: presenceService,
		tokens:          tokens,
	}
}

func (h *PresenceHandler) RegisterRoutes(router chi.Router) {
	router.Route("/me", func(r chi.Router) {
		r.Use(RequireAuth(h.tokens))

		r.Get("/", h.GetProfile)
		r.Put("/availability", h.SetAvailability)
		r.Put("/name", h.SetName)

		r.Route("/friends", func(r chi.Router) {
			r.Get("/", h.ListFriends)
			r.Post("/", h.AddFriend)
			r.Delete("/{friendPhone}", h.RemoveFriend)
		})
	})
}

func (h *PresenceHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	phone := PhoneFromContext(r.Context())

	profile, err := h.presenceService.GetProfile(r.Context(), phone)
	if err != nil {
		respondWithError(w, presenceStatusCode(err), err, "Failed to load profile")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(profile, "Profile retrieved"))
}

type availabilityRequest struct {
	IsAvailable bool `json:"is_available"`
}

func (h *PresenceHandler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	phone := PhoneFromContext(r.Context())

	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	profile, err := h.presenceService.SetAvailability(r.Context(), phone, req.IsAvailable)
	if err != nil {
		respondWithError(w, presenceStatusCode(err), err, "Failed to update availability")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(profile, "Availability updated"))
}

type nameRequest struct {
	Name string `json:"name"`
}

func (h *PresenceHandler) SetName(w http.ResponseWriter, r *http.Request) {
	phone := PhoneFromContext(r.Context())

	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	profile, err := h.presenceService.SetName(r.Context(), phone, req.Name)
	if err != nil {
		respondWithError(w, presenceStatusCode(err), err, "Failed to update name")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(profile, "Name updated"))
}

func (h *PresenceHandler) ListFriends(w http.ResponseWriter, r *http.Request) {
	phone := PhoneFromContext(r.Context())

	friends, err := h.presenceService.Friends(r.Context(), phone)
	if err != nil {
		respondWithError(w, presenceStatusCode(err), err, "Failed to list friends")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(friends, "Friends retrieved"))
}

type addFriendRequest struct {
	PhoneNumber string `json:"phone_number"`
}

func (h *PresenceHandler) AddFriend(w http.ResponseWriter, r *http.Request) {
	phone := PhoneFromContext(r.Context())

	var req addFriendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.presenceService.AddFriend(r.Context(), phone, req.PhoneNumber); err != nil {
		respondWithError(w, presenceStatusCode(err), err, "Failed to add friend")
		return
	}
	respondWithJSON(w, http.StatusCreated, successResponse(nil, "Friend added"))
}

func (h *PresenceHandler) RemoveFriend(w http.ResponseWriter, r *http.Request) {
	phone := PhoneFromContext(r.Context())
	friendPhone := chi.URLParam(r, "friendPhone")

	if err := h.presenceService.RemoveFriend(r.Context(), phone, friendPhone); err != nil {
		respondWithError(w, presenceStatusCode(err), err, "Failed to remove friend")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Friend removed"))
}

func presenceStatusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSelfFriend),
		errors.Is(err, service.ErrNameTooLong),
		errors.Is(err, util.ErrInvalidPhone):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAlreadyFriends):
		return http.StatusConflict
	case errors.Is(err, service.ErrNotFriends):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
