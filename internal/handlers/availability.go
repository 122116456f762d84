package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"imfree-backend/internal/docstore"
	"imfree-backend/internal/middleware"
	"imfree-backend/internal/models"
	"imfree-backend/internal/services"

	"github.com/rs/zerolog/log"
)

// AvailabilityHandler handles availability coordination HTTP requests
type AvailabilityHandler struct {
	coordination *services.CoordinationService
}

// NewAvailabilityHandler creates a new availability handler
func NewAvailabilityHandler(coordination *services.CoordinationService) *AvailabilityHandler {
	return &AvailabilityHandler{coordination: coordination}
}

// StartRequest is the request body for starting availability
type StartRequest struct {
	Activity string             `json:"activity"`
	Location models.Coordinates `json:"location"`
}

// Start handles POST /api/v1/availability
func (h *AvailabilityHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Activity == "" {
		respondError(w, "activity is required", http.StatusBadRequest)
		return
	}

	sessionID, err := h.coordination.StartAvailability(ctx, userID, req.Activity, req.Location)
	if err != nil {
		if errors.Is(err, services.ErrInvalidLocation) {
			respondError(w, "Invalid location", http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to start availability")
		respondError(w, "Failed to start availability", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]string{"session_id": sessionID}, http.StatusCreated)
}

// Stop handles DELETE /api/v1/availability
func (h *AvailabilityHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	if err := h.coordination.StopAvailability(ctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to stop availability")
		respondError(w, "Failed to stop availability", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// JoinRequest is the request body for joining a friend's activity
type JoinRequest struct {
	SessionID string `json:"session_id"`
}

// Join handles POST /api/v1/availability/join
func (h *AvailabilityHandler) Join(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		respondError(w, "session_id is required", http.StatusBadRequest)
		return
	}

	err := h.coordination.JoinFriendActivity(ctx, userID, req.SessionID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, docstore.ErrNotFound):
		respondError(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, services.ErrSessionTaken):
		respondError(w, "Session already joined", http.StatusConflict)
	case errors.Is(err, services.ErrAlreadyAvailable):
		respondError(w, "Stop your current activity first", http.StatusConflict)
	case errors.Is(err, services.ErrPeerSessionGone):
		respondError(w, "Session no longer available", http.StatusGone)
	case errors.Is(err, services.ErrInvalidLocation):
		respondError(w, "Invalid location", http.StatusBadRequest)
	default:
		log.Error().Err(err).
			Str("user_id", userID).
			Str("session_id", req.SessionID).
			Msg("Failed to join activity")
		respondError(w, "Failed to join activity", http.StatusInternalServerError)
	}
}

// TerminateRequest is the request body for terminating a pairing
type TerminateRequest struct {
	SessionID string `json:"session_id"`
}

// Terminate handles POST /api/v1/availability/terminate
func (h *AvailabilityHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req TerminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	peerID, err := h.coordination.TerminateActivity(ctx, userID, req.SessionID)
	if err != nil {
		log.Error().Err(err).
			Str("user_id", userID).
			Str("session_id", req.SessionID).
			Msg("Failed to terminate activity")
		respondError(w, "Failed to terminate activity", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]string{"peer_id": peerID}, http.StatusOK)
}
