/*
Package relay implements the networked side of MsgHD.

This file builds the relay's HTTP routing table, applying CORS, request
logging, panic recovery, and rate limiting ahead of the WebSocket endpoint.
*/
package relay

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"msghd/internal/configs"
	"msghd/internal/pkg/limiter"
	"msghd/internal/pkg/logx"
	"msghd/internal/pkg/resp"
)

const (
	// ConnectRate limits how often a single IP may open relay connections.
	ConnectRate = 0.2

	// ConnectBurst is the burst allowance for connection attempts.
	ConnectBurst = 5
)

// Router sets up the relay's HTTP routing table (chi.Router).
// It configures CORS from the allowed-origins list, applies global
// middleware, and mounts the health and WebSocket endpoints.
func Router(registry *Registry, cfg *configs.AppConfig) http.Handler {
	connectLimiter := limiter.NewIPRateLimiter(rate.Limit(ConnectRate), ConnectBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range cfg.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.Environment == "development" {
				return true
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if cfg.Environment == "development" {
		corsAllowedOrigins = []string{"*"}
	} else if len(cfg.AllowedOrigins) > 0 {
		corsAllowedOrigins = cfg.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		data := map[string]any{
			"status":       "ok",
			"service":      "MsgHD Relay",
			"online_users": registry.OnlineCount(),
		}
		resp.RespondSuccess(w, r, data)
	})

	r.Get("/ws", HandleWebSocket(registry, wsUpgrader, connectLimiter))

	return r
}
