package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder wraps an Embedder with an in-process ristretto cache keyed
// by content hash, so repeated embeds of the same text (retrieval queries,
// contradiction probes on the same summary) skip the model call.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps inner with a cache holding up to maxEntries
// embeddings. maxEntries <= 0 returns inner unwrapped.
func NewCachedEmbedder(inner Embedder, maxEntries int64) (Embedder, error) {
	if maxEntries <= 0 {
		return inner, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries * int64(inner.Dimension()) * 4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached embedding when present, otherwise embeds through
// the wrapped model and caches the result.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.Set(key, vec, int64(len(vec))*4)
	return vec, nil
}

// Dimension returns the wrapped embedder's dimension.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// ModelName returns the wrapped embedder's model name.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

func (c *CachedEmbedder) key(text string) string {
	h := sha256.Sum256([]byte(c.inner.ModelName() + "|" + text))
	return hex.EncodeToString(h[:])
}
