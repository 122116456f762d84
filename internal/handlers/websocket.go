package handlers

import (
	"net/http"
	"sync"

	"imfree-backend/internal/middleware"
	"imfree-backend/internal/models"
	"imfree-backend/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for MVP
	},
}

// WatchMessage is one frame of the availability stream
type WatchMessage struct {
	Type    string                      `json:"type"`
	Friends []models.FriendAvailability `json:"friends"`
}

// WebSocketHandler streams aggregated available-friends snapshots to the
// watching client
type WebSocketHandler struct {
	watcher   *services.PresenceWatcher
	jwtSecret string
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(watcher *services.PresenceWatcher, jwtSecret string) *WebSocketHandler {
	return &WebSocketHandler{watcher: watcher, jwtSecret: jwtSecret}
}

// HandleWebSocket handles GET /ws?token=...
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, "token required", http.StatusUnauthorized)
		return
	}

	userID, err := middleware.ValidateToken(token, h.jwtSecret)
	if err != nil {
		respondError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	// Snapshot deliveries are already serialized by the watch handle, but
	// the write side still guards against any future concurrent writer
	var writeMu sync.Mutex
	handle, err := h.watcher.Watch(r.Context(), userID, func(friends []models.FriendAvailability) {
		writeMu.Lock()
		defer writeMu.Unlock()
		msg := WatchMessage{Type: "available_friends", Friends: friends}
		if err := conn.WriteJSON(msg); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to push snapshot")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to start watch")
		return
	}
	defer handle.Cancel()

	log.Info().Str("user_id", userID).Msg("Watch stream opened")

	// Block until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	log.Info().Str("user_id", userID).Msg("Watch stream closed")
}
