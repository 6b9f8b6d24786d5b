// Package server exposes the Recall engine over HTTP: a Server-Sent-Events
// chat endpoint, a websocket variant, and REST reads over memories,
// preferences, entities, relations, and contradictions.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/normanking/recall/internal/logging"
	"github.com/normanking/recall/internal/memory"
	"github.com/normanking/recall/internal/orchestrator"
)

// Server handles the HTTP surface.
type Server struct {
	engine *orchestrator.Engine
	store  *memory.Store
	log    zerolog.Logger
	router chi.Router
}

// New builds the server and its routes.
func New(engine *orchestrator.Engine, store *memory.Store) *Server {
	s := &Server{
		engine: engine,
		store:  store,
		log:    logging.Component("server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/chat", s.handleChat)
	r.Get("/ws", s.handleWS)

	r.Get("/memories", s.handleListMemories)
	r.Get("/memories/{id}/relations", s.handleMemoryRelations)
	r.Get("/stats", s.handleStats)
	r.Get("/preferences", s.handlePreferences)

	r.Get("/entities", s.handleListEntities)
	r.Get("/entities/{id}/memories", s.handleEntityMemories)
	r.Post("/entities/{id}/confirm", s.handleConfirmEntity)
	r.Post("/entities/{id}/merge", s.handleMergeEntity)

	r.Get("/contradictions", s.handleContradictions)
	r.Post("/contradictions/{id}/resolve", s.handleResolveContradiction)

	r.Post("/decay/run", s.handleDecayRun)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// writeJSON encodes v with a JSON content type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing left to do but note it.
		return
	}
}

// writeError sends a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// emptyList keeps JSON responses as [] instead of null.
func emptyList[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
