package memory

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/normanking/recall/internal/embedding"
)

// scriptedEmbedder returns fixed vectors for known texts and deterministic
// hash vectors otherwise, so tests can pin exact similarities.
type scriptedEmbedder struct {
	dim     int
	vectors map[string][]float32
	mock    *embedding.MockEmbedder
}

func newScriptedEmbedder(dim int) *scriptedEmbedder {
	return &scriptedEmbedder{
		dim:     dim,
		vectors: make(map[string][]float32),
		mock:    embedding.NewMockEmbedder(dim),
	}
}

func (e *scriptedEmbedder) set(text string, vec []float32) {
	padded := make([]float32, e.dim)
	copy(padded, vec)
	e.vectors[text] = embedding.Normalize(padded)
}

func (e *scriptedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return e.mock.Embed(ctx, text)
}

func (e *scriptedEmbedder) Dimension() int    { return e.dim }
func (e *scriptedEmbedder) ModelName() string { return "scripted" }

func testParams() Params {
	return Params{
		DecayRate:              0.05,
		ReinforcementBonus:     0.3,
		ImportanceFloor:        1.0,
		RetrievalK:             5,
		SimilarityThreshold:    0.3,
		SpreadingDepth:         2,
		SpreadingDecay:         0.5,
		ContradictionThreshold: 0.75,
	}
}

// newTestStore opens an in-memory database with the schema applied.
func newTestStore(t *testing.T, embedder embedding.Embedder) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A second connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db))

	if embedder == nil {
		embedder = embedding.NewMockEmbedder(32)
	}
	return NewStore(db, embedder, testParams())
}

// fixedClock pins the store's clock to a settable instant.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time      { return c.t }
func (c *fixedClock) set(t time.Time)     { c.t = t }
func (c *fixedClock) add(d time.Duration) { c.t = c.t.Add(d) }

func pinClock(s *Store, start time.Time) *fixedClock {
	c := &fixedClock{t: start}
	s.SetClock(c.now)
	return c
}
