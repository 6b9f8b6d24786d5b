// Package orchestrator drives the per-turn pipeline: instant extraction,
// retrieval, the streamed response, and the detached deep-extract-and-store
// task that runs after the stream ends.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/recall/internal/extract"
	"github.com/normanking/recall/internal/llm"
	"github.com/normanking/recall/internal/logging"
	"github.com/normanking/recall/internal/memory"
)

// backgroundTimeout bounds the detached extract+store task.
const backgroundTimeout = 2 * time.Minute

// Engine wires the memory store, the response generator, and the extractors
// into the turn pipeline.
type Engine struct {
	store     *memory.Store
	responder llm.StreamingProvider
	extractor *extract.DeepExtractor
	instant   *extract.InstantExtractor
	log       zerolog.Logger

	// wg tracks detached background tasks so shutdown can wait for them.
	wg sync.WaitGroup
}

// NewEngine builds the turn engine. extractor may be nil, in which case only
// the instant fast path writes memories.
func NewEngine(store *memory.Store, responder llm.StreamingProvider, extractor *extract.DeepExtractor) *Engine {
	return &Engine{
		store:     store,
		responder: responder,
		extractor: extractor,
		instant:   extract.NewInstantExtractor(),
		log:       logging.Component("orchestrator"),
	}
}

// HandleTurn runs one conversation turn. Chunks of the generated reply are
// forwarded through emit as they arrive; when the client goes away emit
// returns an error and forwarding stops, but the reply still completes so the
// detached extraction can see it. The returned conversation id stamps the
// turn's writes.
//
// Ordering: instant writes commit before retrieval reads, and the detached
// extract+store task starts only after the response stream has ended.
// Retrieval excludes the ids written during this turn's instant phase, so a
// fact stated in this turn becomes retrievable on the next one.
func (e *Engine) HandleTurn(ctx context.Context, conversationID, message string, emit func(chunk string) error) (string, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	turnLog := e.log.With().Str("conversation_id", conversationID).Logger()

	if err := e.store.LogTurn(ctx, conversationID, "user", message); err != nil {
		turnLog.Warn().Err(err).Msg("failed to log user turn")
	}

	// Phase 0: instant extraction. These writes are synchronous; an
	// embedding or storage failure here fails the turn.
	var instantIDs []string
	for _, p := range e.instant.Extract(message) {
		p.SourceConversationID = conversationID
		id, err := e.store.InsertMemoryUnit(ctx, p)
		if err != nil {
			return conversationID, err
		}
		instantIDs = append(instantIDs, id)
	}
	if len(instantIDs) > 0 {
		turnLog.Debug().Int("count", len(instantIDs)).Msg("instant memories stored")
	}

	// Phase 1: retrieval plus the preference lookup.
	retrieved, err := e.store.Retrieve(ctx, message, memory.RetrieveOptions{Exclude: instantIDs})
	if err != nil {
		return conversationID, err
	}
	prefs, err := e.store.GetUserPreferences(ctx, memory.PreferenceFilter{})
	if err != nil {
		return conversationID, err
	}

	if len(retrieved) > 0 {
		ids := make([]string, 0, len(retrieved))
		for _, r := range retrieved {
			ids = append(ids, r.Memory.ID)
		}
		if err := e.store.ReinforceMemories(ctx, ids); err != nil {
			turnLog.Warn().Err(err).Msg("reinforcement failed")
		}
	}

	// Phase 2: stream the reply.
	req := &llm.ChatRequest{
		SystemPrompt: responderSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: BuildUserPrompt(message, retrieved, prefs)}},
		Temperature:  0.7,
	}
	reply, err := e.responder.ChatStream(ctx, req, emit)
	if err != nil {
		return conversationID, err
	}

	if err := e.store.LogTurn(ctx, conversationID, "assistant", reply); err != nil {
		turnLog.Warn().Err(err).Msg("failed to log assistant turn")
	}

	// Phases 3+4: deep extraction and storage, detached from the request.
	// Errors here are logged and never fail the turn that produced them.
	if e.extractor != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.extractAndStore(conversationID, message, reply, retrieved)
		}()
	}

	return conversationID, nil
}

// extractAndStore runs the deep extractor and, when it proposes a write,
// pushes the proposal through the write pipeline. It runs on its own
// context: the inbound request's lifetime must not bound it.
func (e *Engine) extractAndStore(conversationID, userText, reply string, retrieved []memory.RetrievedMemory) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	turnLog := e.log.With().Str("conversation_id", conversationID).Logger()

	proposal, err := e.extractor.Run(ctx, userText, reply, retrieved)
	if err != nil {
		turnLog.Error().Err(err).Msg("deep extraction failed")
		return
	}
	if !proposal.ShouldWrite || proposal.Summary == "" {
		turnLog.Debug().Msg("extractor proposed no write")
		return
	}

	proposal.SourceConversationID = conversationID
	id, err := e.store.InsertMemoryUnit(ctx, *proposal)
	if err != nil {
		turnLog.Error().Err(err).Msg("memory write failed")
		return
	}
	turnLog.Info().Str("memory_id", id).Str("tier", string(proposal.Tier)).Msg("memory extracted and stored")
}

// Wait blocks until all detached tasks have finished. Called on shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}
