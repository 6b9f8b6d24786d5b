package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebuildVectorIndex(t *testing.T) {
	s := newTestStore(t, nil)
	pinClock(s, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	insertPlainMemory(t, s, "first indexed memory", 5)
	insertPlainMemory(t, s, "second indexed memory", 5)

	// Simulate a lost or stale index.
	_, err := s.db.ExecContext(ctx, `DELETE FROM embedding_buckets`)
	require.NoError(t, err)

	n, err := s.RebuildVectorIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Refiled entries land in the same buckets the write pipeline used.
	m, err := s.ListMemories(ctx, false)
	require.NoError(t, err)
	for _, mem := range m {
		var bucket string
		require.NoError(t, s.db.QueryRowContext(ctx,
			`SELECT bucket_id FROM embedding_buckets WHERE memory_id = ?`, mem.ID).Scan(&bucket))
		assert.Equal(t, s.index.computeBucketID(mem.Embedding), bucket)
	}
}
