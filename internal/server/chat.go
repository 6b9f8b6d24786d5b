package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// chatRequest is the POST /chat body.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// sseWriter streams SSE events, writing headers lazily so pipeline errors
// that occur before the first chunk can still become a plain HTTP 500.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) begin() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *sseWriter) event(v any) error {
	s.begin()
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleChat runs one conversation turn, streaming the reply as SSE chunk
// events. Errors before the first chunk return HTTP 500 with a JSON body;
// errors after headers are sent become a terminal error event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sse := &sseWriter{w: w, flusher: flusher}

	// The turn outlives the client connection: a disconnect stops chunk
	// forwarding (the emit error below), but the upstream reply completes so
	// the detached extraction still sees it.
	ctx := context.WithoutCancel(r.Context())

	_, err := s.engine.HandleTurn(ctx, req.ConversationID, req.Message, func(chunk string) error {
		return sse.event(map[string]string{"chunk": chunk})
	})
	if err != nil {
		s.log.Error().Err(err).Msg("chat turn failed")
		if sse.started {
			_ = sse.event(map[string]string{"error": err.Error()})
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	_ = sse.event(map[string]bool{"done": true})
}
