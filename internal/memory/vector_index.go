package memory

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	defaultBucketDims = 8
)

// VectorIndex is a sign-bucket approximate index over memory embeddings.
// Each embedding hashes to a bucket id from the sign pattern of its averaged
// segments; a search probes the query's bucket plus all Hamming-distance-1
// neighbors. Retrieval falls back to a full scan when the probe, together
// with the text matches, names fewer memories than it keeps for scoring;
// otherwise memories filed in farther buckets are not considered.
type VectorIndex struct {
	db         *sql.DB
	bucketDims int
}

// NewVectorIndex creates an index over the embedding_buckets table.
func NewVectorIndex(db *sql.DB) *VectorIndex {
	return &VectorIndex{db: db, bucketDims: defaultBucketDims}
}

// IndexMemory files the memory under its embedding bucket.
func (vi *VectorIndex) IndexMemory(ctx context.Context, q querier, memoryID string, emb []float32) error {
	if len(emb) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO embedding_buckets (memory_id, bucket_id)
		VALUES (?, ?)`, memoryID, vi.computeBucketID(emb))
	if err != nil {
		return fmt.Errorf("index memory: %w", err)
	}
	return nil
}

// CandidateIDs returns the ids filed under the query's bucket and its
// adjacent buckets, restricted to active memories.
func (vi *VectorIndex) CandidateIDs(ctx context.Context, q querier, queryEmb []float32) ([]string, error) {
	if len(queryEmb) == 0 {
		return nil, nil
	}

	primary := vi.computeBucketID(queryEmb)
	buckets := append([]string{primary}, vi.adjacentBuckets(primary)...)

	var ids []string
	for _, bucket := range buckets {
		rows, err := q.QueryContext(ctx, `
			SELECT eb.memory_id
			FROM embedding_buckets eb
			JOIN memories m ON m.id = eb.memory_id
			WHERE eb.bucket_id = ? AND m.is_active = 1`, bucket)
		if err != nil {
			return nil, fmt.Errorf("probe bucket: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan bucket row: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return ids, nil
}

// RebuildVectorIndex drops and refiles every embedding bucket. Exposed
// through the reindex CLI verb for recovery after bulk imports or bucket
// parameter changes.
func (s *Store) RebuildVectorIndex(ctx context.Context) (int, error) {
	if err := s.index.Rebuild(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_buckets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count buckets: %w", err)
	}
	return n, nil
}

// Rebuild refiles every memory with an embedding.
func (vi *VectorIndex) Rebuild(ctx context.Context) error {
	if _, err := vi.db.ExecContext(ctx, `DELETE FROM embedding_buckets`); err != nil {
		return fmt.Errorf("clear buckets: %w", err)
	}

	rows, err := vi.db.QueryContext(ctx, `
		SELECT id, embedding FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	type entry struct {
		id     string
		bucket string
	}
	var entries []entry
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		if emb := BytesToFloat32Slice(blob); emb != nil {
			entries = append(entries, entry{id: id, bucket: vi.computeBucketID(emb)})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range entries {
		if _, err := vi.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO embedding_buckets (memory_id, bucket_id)
			VALUES (?, ?)`, e.id, e.bucket); err != nil {
			return fmt.Errorf("refile %s: %w", e.id, err)
		}
	}
	return nil
}

func (vi *VectorIndex) computeBucketID(embedding []float32) string {
	if len(embedding) == 0 {
		return "0"
	}

	step := len(embedding) / vi.bucketDims
	if step == 0 {
		step = 1
	}

	var bits uint64
	for i := 0; i < vi.bucketDims && i*step < len(embedding); i++ {
		sum := float32(0)
		count := 0
		for j := i * step; j < (i+1)*step && j < len(embedding); j++ {
			sum += embedding[j]
			count++
		}
		if count > 0 && sum/float32(count) > 0 {
			bits |= 1 << i
		}
	}
	return fmt.Sprintf("%x", bits)
}

func (vi *VectorIndex) adjacentBuckets(bucketID string) []string {
	var original uint64
	fmt.Sscanf(bucketID, "%x", &original)

	adjacent := make([]string, 0, vi.bucketDims)
	for i := 0; i < vi.bucketDims; i++ {
		adjacent = append(adjacent, fmt.Sprintf("%x", original^(1<<i)))
	}
	return adjacent
}
