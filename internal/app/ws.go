package app

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"gridline/api/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS authenticates the handshake, upgrades the connection, and hands
// it to the realtime engine. Browsers cannot set headers on WebSocket
// upgrades, so the access token also comes in as a query parameter.
func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	up := upgrader
	up.CheckOrigin = func(r *http.Request) bool {
		if s.corsOrigin == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || origin == s.corsOrigin
	}

	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade for user %s: %v", session.UserID, err)
		return
	}

	realtime.NewSession(s.registry, conn, session.UserID, session.Username).Run()
}
