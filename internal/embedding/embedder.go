// Package embedding provides the text-embedding adapter used by the memory
// engine. Every embedder returns unit-normalized vectors of a fixed
// dimension, so the inner product of two embeddings is their cosine
// similarity.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// ErrUnavailable is returned when the embedding model cannot be reached.
// Write paths that require an embedding must abort on it.
var ErrUnavailable = errors.New("embedding model unavailable")

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed returns the L2-normalized embedding of text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension D.
	Dimension() int

	// ModelName returns the name of the embedding model.
	ModelName() string
}

// OllamaEmbedder calls an Ollama server's /api/embeddings endpoint.
type OllamaEmbedder struct {
	endpoint  string
	model     string
	dimension int
	client    *http.Client
}

// NewOllamaEmbedder creates an embedder against the given Ollama endpoint.
func NewOllamaEmbedder(endpoint, model string, dimension int) *OllamaEmbedder {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaEmbedder{
		endpoint:  endpoint,
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Dimension returns the configured embedding dimension.
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// ModelName returns the embedding model name.
func (e *OllamaEmbedder) ModelName() string { return e.model }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Embed requests an embedding and normalizes it to unit length.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("embed: %s", parsed.Error)
	}
	if len(parsed.Embedding) != e.dimension {
		return nil, fmt.Errorf("embed: dimension mismatch: got %d want %d", len(parsed.Embedding), e.dimension)
	}

	vec := make([]float32, len(parsed.Embedding))
	for i, v := range parsed.Embedding {
		vec[i] = float32(v)
	}
	return Normalize(vec), nil
}

// Normalize scales v to unit length. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, val := range v {
		norm += float64(val) * float64(val)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}

	out := make([]float32, len(v))
	for i, val := range v {
		out[i] = float32(float64(val) / norm)
	}
	return out
}
