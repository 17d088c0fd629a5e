/*
Package relay implements the networked side of MsgHD.

This file provides the HTTP handler that upgrades connections to WebSocket,
applying per-IP rate limiting before handing the connection to the Registry.
*/
package relay

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"msghd/internal/pkg/errs"
	"msghd/internal/pkg/limiter"
	"msghd/internal/pkg/logx"
	"msghd/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc that processes WebSocket
// connection requests for the relay endpoint.
func HandleWebSocket(registry *Registry, upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if ip == "" {
			ip = "unknown_ip"
		}

		if !rateLimiter.GetLimiter(ip).Allow() {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", ip)
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		conn := NewConn(registry, ws)
		registry.Attach(conn)

		go conn.WritePump()

		logx.Info("WebSocket connection established", "remote_addr", ws.RemoteAddr().String())

		conn.ReadPump()
	}
}
