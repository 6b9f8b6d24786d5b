package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// MockEmbedder generates deterministic unit vectors from a text hash. It has
// no semantic meaning and exists for tests and for running the service
// without an embedding model.
type MockEmbedder struct {
	dimension int
}

// NewMockEmbedder creates a mock embedder of the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{dimension: dimension}
}

// Embed derives a deterministic embedding from the fnv hash of text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dimension)
	for i := range vec {
		// Linear congruential step per element keeps it deterministic.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return Normalize(vec), nil
}

// Dimension returns the embedding dimension.
func (m *MockEmbedder) Dimension() int { return m.dimension }

// ModelName returns "mock".
func (m *MockEmbedder) ModelName() string { return "mock" }
