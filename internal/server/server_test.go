package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/normanking/recall/internal/belief"
	"github.com/normanking/recall/internal/config"
	"github.com/normanking/recall/internal/embedding"
	"github.com/normanking/recall/internal/llm"
	"github.com/normanking/recall/internal/memory"
	"github.com/normanking/recall/internal/orchestrator"
)

type staticResponder struct {
	reply string
}

func (s *staticResponder) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: s.reply}, nil
}

func (s *staticResponder) ChatStream(ctx context.Context, req *llm.ChatRequest, onToken func(string) error) (string, error) {
	if onToken != nil {
		_ = onToken(s.reply)
	}
	return s.reply, nil
}

func (s *staticResponder) Name() string                       { return "static" }
func (s *staticResponder) Available(ctx context.Context) bool { return true }

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, memory.Migrate(context.Background(), db))

	store := memory.NewStore(db, embedding.NewMockEmbedder(32), memory.ParamsFromConfig(config.Default().Memory))
	engine := orchestrator.NewEngine(store, &staticResponder{reply: "hi there"}, nil)
	return New(engine, store), store
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatStreamsSSE(t *testing.T) {
	srv, store := newTestServer(t)

	body := strings.NewReader(`{"message": "My name is Costa"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := rec.Body.String()
	assert.Contains(t, events, `data: {"chunk":"hi there"}`)
	assert.Contains(t, events, `data: {"done":true}`)

	// The instant extractor wrote the name during phase 0.
	memories, err := store.ListMemories(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "User's name is Costa.", memories[0].Summary)
}

func TestChatRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, body := range []string{"", "{", `{"message": ""}`} {
		req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestMemoryAndStatsEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	id, err := store.InsertMemoryUnit(ctx, memory.Proposal{
		ShouldWrite: true,
		Summary:     "User plays tennis on Sundays.",
		Tier:        belief.TierObservedFact,
		Confidence:  0.8,
		Importance:  5,
		Entities:    []string{"Tennis"},
		Preferences: []memory.ProposalPreference{{Entity: "tennis", Valence: memory.ValencePositive, Strength: 0.7}},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/memories", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var memories []memory.MemoryUnit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &memories))
	require.Len(t, memories, 1)
	assert.Equal(t, id, memories[0].ID)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats memory.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ActiveMemories)
	assert.Equal(t, 1, stats.PreferenceCount)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preferences?valence=positive", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var prefs []memory.Preference
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prefs))
	require.Len(t, prefs, 1)
	assert.Equal(t, "tennis", prefs[0].Entity)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preferences?valence=negative", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestEntityEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	memID, err := store.InsertMemoryUnit(ctx, memory.Proposal{
		ShouldWrite: true,
		Summary:     "User admires Ada Lovelace.",
		Tier:        belief.TierObservedFact,
		Confidence:  0.8,
		Importance:  5,
		Entities:    []string{"Ada Lovelace"},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/entities", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var entities []memory.Entity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entities))
	require.Len(t, entities, 1)
	entityID := entities[0].ID

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/entities/"+entityID+"/memories", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var memories []memory.MemoryUnit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &memories))
	require.Len(t, memories, 1)
	assert.Equal(t, memID, memories[0].ID)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/entities/"+entityID+"/confirm", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/entities/missing/confirm", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMergeEntityEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	_, err := store.InsertMemoryUnit(ctx, memory.Proposal{
		ShouldWrite: true,
		Summary:     "User mentioned their colleague Alexandros.",
		Tier:        belief.TierObservedFact,
		Confidence:  0.8,
		Importance:  5,
		Entities:    []string{"Alexandros"},
	})
	require.NoError(t, err)
	_, err = store.InsertMemoryUnit(ctx, memory.Proposal{
		ShouldWrite: true,
		Summary:     "Alex reviewed the schedule.",
		Tier:        belief.TierObservedFact,
		Confidence:  0.8,
		Importance:  5,
		Entities:    []string{"Alex"},
	})
	require.NoError(t, err)

	entities, err := store.ListEntities(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	byName := map[string]memory.Entity{}
	for _, e := range entities {
		byName[e.CanonicalName] = e
	}
	target, source := byName["Alexandros"], byName["Alex"]

	body := strings.NewReader(`{"target_id": "` + target.ID + `"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/entities/"+source.ID+"/merge", body))
	require.Equal(t, http.StatusOK, rec.Code)

	merged, err := store.GetEntity(ctx, target.ID)
	require.NoError(t, err)
	assert.Contains(t, merged.Aliases, "Alex")
	assert.Len(t, merged.MemoryIDs, 2)

	_, err = store.GetEntity(ctx, source.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	// Missing sides and empty bodies are rejected.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/entities/missing/merge",
		strings.NewReader(`{"target_id": "`+target.ID+`"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/entities/"+target.ID+"/merge",
		strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecayRunEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/decay/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out, "updated")
}

func TestContradictionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/contradictions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	body := strings.NewReader(`{"resolution": "a_supersedes"}`)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/contradictions/missing/resolve", body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
