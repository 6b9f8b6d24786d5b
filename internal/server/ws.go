package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The service fronts a local assistant; cross-origin pages are allowed
	// the same way the SSE endpoint is.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS is the websocket variant of /chat: one chat request frame in, a
// stream of chunk frames out, terminated by a done or error frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req chatRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(map[string]string{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Message == "" {
		_ = conn.WriteJSON(map[string]string{"error": "message must not be empty"})
		return
	}

	ctx := context.WithoutCancel(r.Context())
	_, err = s.engine.HandleTurn(ctx, req.ConversationID, req.Message, func(chunk string) error {
		return conn.WriteJSON(map[string]string{"chunk": chunk})
	})
	if err != nil {
		s.log.Error().Err(err).Msg("websocket chat turn failed")
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}

	_ = conn.WriteJSON(map[string]bool{"done": true})
}
