package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/normanking/recall/internal/memory"
)

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	var (
		memories []memory.MemoryUnit
		err      error
	)
	if tier := r.URL.Query().Get("tier"); tier != "" {
		memories, err = s.store.MemoriesByTier(r.Context(), tier)
	} else {
		includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("inactive"))
		memories, err = s.store.ListMemories(r.Context(), includeInactive)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emptyList(memories))
}

func (s *Server) handleMemoryRelations(w http.ResponseWriter, r *http.Request) {
	relations, err := s.store.RelationsFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emptyList(relations))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.store.GetUserPreferences(r.Context(), memory.PreferenceFilter{
		Entity:  r.URL.Query().Get("entity"),
		Valence: r.URL.Query().Get("valence"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emptyList(prefs))
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.store.ListEntities(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emptyList(entities))
}

func (s *Server) handleEntityMemories(w http.ResponseWriter, r *http.Request) {
	memories, err := s.store.MemoriesForEntity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emptyList(memories))
}

func (s *Server) handleConfirmEntity(w http.ResponseWriter, r *http.Request) {
	err := s.store.ConfirmEntity(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, memory.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"confirmed": true})
}

type mergeRequest struct {
	TargetID string `json:"target_id"`
}

// handleMergeEntity folds the entity in the URL into the target named in the
// body: the target keeps its canonical name and absorbs the source's aliases
// and memory links.
func (s *Server) handleMergeEntity(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "target_id must not be empty")
		return
	}

	err := s.store.MergeEntities(r.Context(), req.TargetID, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"merged": true})
	}
}

func (s *Server) handleContradictions(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.PendingContradictions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emptyList(pending))
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	Note       string `json:"note,omitempty"`
}

func (s *Server) handleResolveContradiction(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := s.store.ResolveContradiction(r.Context(), chi.URLParam(r, "id"), req.Resolution, req.Note)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
	}
}

func (s *Server) handleDecayRun(w http.ResponseWriter, r *http.Request) {
	updated, err := s.store.RunDecayUpdate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}
