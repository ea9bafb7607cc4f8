package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

func TestCreateAndResolve(t *testing.T) {
	ctx := context.Background()
	s := graph.NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		v, err := registry.Create(ctx, tx, "c1", models.ClassDocumentaryUnit, graph.Properties{"name": "Box 1"})
		require.NoError(t, err)
		assert.Equal(t, "c1", registry.IDOf(v))
		assert.Equal(t, models.ClassDocumentaryUnit, registry.ClassOf(v))
		assert.Equal(t, "Box 1", v.String("name"))

		_, err = registry.Create(ctx, tx, "c1", models.ClassDocumentaryUnit, nil)
		assert.ErrorIs(t, err, registry.ErrItemExists)

		_, err = registry.Create(ctx, tx, "", models.ClassDocumentaryUnit, nil)
		assert.Error(t, err)
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx graph.Tx) error {
		v, err := registry.Resolve(ctx, tx, "c1", models.ClassDocumentaryUnit)
		require.NoError(t, err)
		assert.Equal(t, "c1", registry.IDOf(v))

		_, err = registry.Resolve(ctx, tx, "c1", models.ClassRepository)
		require.Error(t, err)
		assert.True(t, registry.IsNotFound(err))
		assert.True(t, errors.Is(err, registry.ErrItemNotFound))
		assert.Contains(t, err.Error(), "Repository")

		ok, err := registry.Exists(ctx, tx, "c1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = registry.Exists(ctx, tx, "c2")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = registry.Get(ctx, tx, "c2")
		assert.ErrorIs(t, err, registry.ErrItemNotFound)
		return nil
	}))
}

func TestGetOrCreateAndList(t *testing.T) {
	ctx := context.Background()
	s := graph.NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		first, err := registry.GetOrCreate(ctx, tx, "mike", models.ClassUserProfile, nil)
		require.NoError(t, err)
		again, err := registry.GetOrCreate(ctx, tx, "mike", models.ClassUserProfile, nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)

		_, err = registry.GetOrCreate(ctx, tx, "mike", models.ClassGroup, nil)
		assert.ErrorIs(t, err, registry.ErrItemExists)

		_, err = registry.Create(ctx, tx, "linda", models.ClassUserProfile, nil)
		require.NoError(t, err)

		users, err := registry.List(ctx, tx, models.ClassUserProfile)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "mike", registry.IDOf(users[0]))
		assert.Equal(t, "linda", registry.IDOf(users[1]))
		return nil
	}))
}
