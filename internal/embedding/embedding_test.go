package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vecNorm(v []float32) float64 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	return math.Sqrt(n)
}

func TestMockEmbedderDeterministic(t *testing.T) {
	m := NewMockEmbedder(384)
	a, err := m.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	b, err := m.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := m.Embed(context.Background(), "something else")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMockEmbedderUnitNorm(t *testing.T) {
	m := NewMockEmbedder(384)
	for _, text := range []string{"a", "hello", "My name is Costa", ""} {
		v, err := m.Embed(context.Background(), text)
		require.NoError(t, err)
		require.Len(t, v, 384)
		assert.InDelta(t, 1.0, vecNorm(v), 0.01, "text %q", text)
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestCachedEmbedder(t *testing.T) {
	inner := NewMockEmbedder(64)
	cached, err := NewCachedEmbedder(inner, 128)
	require.NoError(t, err)

	a, err := cached.Embed(context.Background(), "repeat me")
	require.NoError(t, err)
	b, err := cached.Embed(context.Background(), "repeat me")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 64, cached.Dimension())
	assert.Equal(t, "mock", cached.ModelName())
}

func TestCachedEmbedderDisabled(t *testing.T) {
	inner := NewMockEmbedder(16)
	e, err := NewCachedEmbedder(inner, 0)
	require.NoError(t, err)
	assert.Equal(t, Embedder(inner), e)
}
