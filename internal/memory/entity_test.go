package memory

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferEntityType(t *testing.T) {
	tests := []struct {
		mention string
		want    string
	}{
		{"Dr Smith", EntityPerson},
		{"Mrs. Papadopoulos", EntityPerson},
		{"New York City", EntityPlace},
		{"Baker Street", EntityPlace},
		{"Globex Corp", EntityOrganization},
		{"Acme Inc", EntityOrganization},
		{"Rex", EntityUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, inferEntityType(tt.mention), "mention %q", tt.mention)
	}
}

func TestResolveEntityLookupOrder(t *testing.T) {
	s := newTestStore(t, nil)
	pinClock(s, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// Unknown lowercase mention resolves to nothing.
	res, err := s.ResolveEntity(ctx, "someone", nil)
	require.NoError(t, err)
	assert.Equal(t, ResolveUnresolved, res.Source)
	assert.Zero(t, res.Confidence)

	// Capitalized mention creates a new entity at 0.7.
	res, err = s.ResolveEntity(ctx, "Costa", nil)
	require.NoError(t, err)
	assert.Equal(t, ResolveNewEntity, res.Source)
	assert.Equal(t, 0.7, res.Confidence)
	costaID := res.EntityID

	// Case-folded canonical match wins at 1.0.
	res, err = s.ResolveEntity(ctx, "costa", nil)
	require.NoError(t, err)
	assert.Equal(t, ResolveExactMatch, res.Source)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, costaID, res.EntityID)
	assert.Equal(t, "Costa", res.Canonical)

	// Alias match at 0.9.
	require.NoError(t, addAlias(ctx, s.db, costaID, "Kostas"))
	res, err = s.ResolveEntity(ctx, "kostas", nil)
	require.NoError(t, err)
	assert.Equal(t, ResolveAliasMatch, res.Source)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, costaID, res.EntityID)

	// Explicit link beats everything else and records the mention as alias.
	res, err = s.ResolveEntity(ctx, "C.", map[string]string{"C.": "Costa"})
	require.NoError(t, err)
	assert.Equal(t, ResolveExplicitLink, res.Source)
	assert.Equal(t, 0.95, res.Confidence)
	assert.Equal(t, costaID, res.EntityID)

	e, err := s.GetEntity(ctx, costaID)
	require.NoError(t, err)
	assert.Contains(t, e.Aliases, "C.")
}

// Merge content is commutative: merging X into Y or Y into X leaves the same
// union of names and memory ids, whichever canonical survives.
func TestMergeEntitiesCommutative(t *testing.T) {
	ctx := context.Background()

	build := func(t *testing.T) (*Store, string, string, []string) {
		s := newTestStore(t, nil)
		pinClock(s, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

		m1 := insertPlainMemory(t, s, "memory about the office", 5)
		m2 := insertPlainMemory(t, s, "memory about the gym", 5)

		x, err := s.ensureEntity(ctx, s.db, "Alexandros", EntityPerson, 0.9)
		require.NoError(t, err)
		require.NoError(t, addAlias(ctx, s.db, x, "Alex"))
		require.NoError(t, s.linkEntityMemory(ctx, s.db, x, m1))

		y, err := s.ensureEntity(ctx, s.db, "Aleko", EntityPerson, 0.8)
		require.NoError(t, err)
		require.NoError(t, addAlias(ctx, s.db, y, "Al"))
		require.NoError(t, s.linkEntityMemory(ctx, s.db, y, m2))

		return s, x, y, []string{m1, m2}
	}

	nameSet := func(e *Entity) []string {
		names := append([]string{e.CanonicalName}, e.Aliases...)
		for i := range names {
			names[i] = strings.ToLower(names[i])
		}
		sort.Strings(names)
		return names
	}

	s1, x1, y1, mems1 := build(t)
	require.NoError(t, s1.MergeEntities(ctx, x1, y1))
	merged1, err := s1.GetEntity(ctx, x1)
	require.NoError(t, err)
	_, err = s1.GetEntity(ctx, y1)
	assert.ErrorIs(t, err, ErrNotFound)

	s2, x2, y2, mems2 := build(t)
	require.NoError(t, s2.MergeEntities(ctx, y2, x2))
	merged2, err := s2.GetEntity(ctx, y2)
	require.NoError(t, err)

	assert.Equal(t, nameSet(merged1), nameSet(merged2))
	assert.ElementsMatch(t, merged1.MemoryIDs, mems1)
	assert.ElementsMatch(t, merged2.MemoryIDs, mems2)
}

func TestMergeEntitiesMissing(t *testing.T) {
	s := newTestStore(t, nil)
	pinClock(s, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	id, err := s.ensureEntity(ctx, s.db, "Solo", EntityUnknown, 0.7)
	require.NoError(t, err)

	assert.ErrorIs(t, s.MergeEntities(ctx, id, "missing"), ErrNotFound)
	assert.ErrorIs(t, s.MergeEntities(ctx, "missing", id), ErrNotFound)
	assert.NoError(t, s.MergeEntities(ctx, id, id))
}

func TestConfirmEntity(t *testing.T) {
	s := newTestStore(t, nil)
	pinClock(s, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	id, err := s.ensureEntity(ctx, s.db, "Rex", EntityUnknown, 0.7)
	require.NoError(t, err)

	require.NoError(t, s.ConfirmEntity(ctx, id))
	e, err := s.GetEntity(ctx, id)
	require.NoError(t, err)
	assert.True(t, e.Confirmed)

	assert.ErrorIs(t, s.ConfirmEntity(ctx, "missing"), ErrNotFound)
}
