package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddingBlobRoundTrip(t *testing.T) {
	original := []float32{0.1, -0.5, 3.25, 0, -1e-7}
	decoded := BytesToFloat32Slice(Float32SliceToBytes(original))
	assert.Equal(t, original, decoded)

	assert.Nil(t, Float32SliceToBytes(nil))
	assert.Nil(t, BytesToFloat32Slice(nil))
	assert.Nil(t, BytesToFloat32Slice([]byte{1, 2, 3})) // not a multiple of 4
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestTopKWithScores(t *testing.T) {
	items := []ScoredItem[string]{
		{Item: "c", Score: 0.3},
		{Item: "a", Score: 0.9},
		{Item: "d", Score: 0.1},
		{Item: "b", Score: 0.7},
	}

	top := TopKWithScores(items, 2)
	assert.Len(t, top, 2)
	assert.Equal(t, "a", top[0].Item)
	assert.Equal(t, "b", top[1].Item)

	all := TopKWithScores(items, 10)
	assert.Len(t, all, 4)
	assert.Equal(t, "a", all[0].Item)
	assert.Equal(t, "d", all[3].Item)

	assert.Nil(t, TopKWithScores(items, 0))
}
