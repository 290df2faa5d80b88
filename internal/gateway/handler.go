package gateway

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler upgrades GET /ws?session_id=...&participant_id=... onto
// the hub.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
		if err != nil {
			http.Error(w, "invalid or missing session_id", http.StatusBadRequest)
			return
		}
		participantID := r.URL.Query().Get("participant_id")
		if participantID == "" {
			http.Error(w, "missing participant_id", http.StatusBadRequest)
			return
		}
		if err := hub.Upgrade(w, r, participantID, sessionID); err != nil {
			log.Error().Err(err).Msg("WebSocket upgrade failed")
		}
	}
}

// CORSMiddleware returns the cross-origin policy for the HTTP surface.
// allowedOrigins empty means allow all, for development.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:         86400,
	})
	return c.Handler
}
