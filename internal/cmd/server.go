package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/duetlabs/duet/internal/catalog"
	"github.com/duetlabs/duet/internal/gateway"
	"github.com/duetlabs/duet/internal/httpapi"
)

func setupServer(cfg *Config, api *httpapi.Handler, hub *gateway.Hub) *http.Server {
	mux := http.NewServeMux()

	api.Register(mux)
	mux.HandleFunc("GET /ws", gateway.WebSocketHandler(hub))
	setupCatalog(mux)
	setupHealthCheck(mux, hub)

	handler := gateway.CORSMiddleware(cfg.Server.AllowedOrigins)(mux)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: handler,
	}
}

// setupCatalog serves the fixed step catalog; clients render steps from here
// and the sync engine only ever exchanges indexes.
func setupCatalog(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/catalog", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"steps": catalog.Steps()}); err != nil {
			log.Error().Err(err).Msg("failed to encode catalog")
		}
	})
}

func setupHealthCheck(mux *http.ServeMux, hub *gateway.Hub) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": hub.Stats(),
		}); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}
