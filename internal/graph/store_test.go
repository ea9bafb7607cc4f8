package graph_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dumbbond/ehri-rest/internal/graph"
)

// backends returns a fresh instance of every embeddable backend.
func backends(t *testing.T) map[string]graph.Store {
	t.Helper()
	sqlite, err := graph.OpenSQLite(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close(context.Background()) })
	return map[string]graph.Store{
		"memory": graph.NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s graph.Store)) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func addVertex(t *testing.T, tx graph.Tx, id string) *graph.Vertex {
	t.Helper()
	v, err := tx.AddVertex(context.Background(), graph.Properties{"__id": id, "__type": "Test"})
	require.NoError(t, err)
	return v
}

func TestVertexRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		var id string
		require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
			v, err := tx.AddVertex(ctx, graph.Properties{
				"__id": "c1", "name": "Collection", "tags": []string{"a", "b"},
			})
			id = v.ID
			return err
		}))

		require.NoError(t, s.View(ctx, func(tx graph.Tx) error {
			v, err := tx.GetVertex(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "c1", v.String("__id"))
			assert.Equal(t, "Collection", v.String("name"))
			assert.Equal(t, []string{"a", "b"}, v.Props["tags"])
			assert.Equal(t, "", v.String("missing"))
			return nil
		}))
	})
}

func TestGetVertexNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		err := s.View(ctx, func(tx graph.Tx) error {
			_, err := tx.GetVertex(ctx, "nope")
			return err
		})
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})
}

func TestSetProperty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
			v := addVertex(t, tx, "x")
			require.NoError(t, tx.SetProperty(ctx, v.ID, "name", "one"))
			got, err := tx.GetVertex(ctx, v.ID)
			require.NoError(t, err)
			assert.Equal(t, "one", got.String("name"))

			require.NoError(t, tx.SetProperty(ctx, v.ID, "name", nil))
			got, err = tx.GetVertex(ctx, v.ID)
			require.NoError(t, err)
			assert.False(t, got.Has("name"))
			return nil
		}))
	})
}

func TestEdgesPreserveInsertionOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
			hub := addVertex(t, tx, "hub")
			var want []string
			for _, id := range []string{"z", "a", "m", "b"} {
				v := addVertex(t, tx, id)
				_, err := tx.AddEdge(ctx, hub.ID, v.ID, "points")
				require.NoError(t, err)
				want = append(want, id)
			}
			other := addVertex(t, tx, "other")
			_, err := tx.AddEdge(ctx, hub.ID, other.ID, "elsewhere")
			require.NoError(t, err)

			vs, err := tx.Vertices(ctx, hub.ID, graph.Out, "points")
			require.NoError(t, err)
			var got []string
			for _, v := range vs {
				got = append(got, v.String("__id"))
			}
			assert.Equal(t, want, got)

			all, err := tx.Edges(ctx, hub.ID, graph.Out, "")
			require.NoError(t, err)
			assert.Len(t, all, 5)

			in, err := tx.Vertices(ctx, other.ID, graph.In, "elsewhere")
			require.NoError(t, err)
			require.Len(t, in, 1)
			assert.Equal(t, hub.ID, in[0].ID)
			return nil
		}))
	})
}

func TestRemoveVertexRemovesIncidentEdges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
			a := addVertex(t, tx, "a")
			b := addVertex(t, tx, "b")
			c := addVertex(t, tx, "c")
			_, err := tx.AddEdge(ctx, a.ID, b.ID, "x")
			require.NoError(t, err)
			_, err = tx.AddEdge(ctx, b.ID, c.ID, "x")
			require.NoError(t, err)

			require.NoError(t, tx.RemoveVertex(ctx, b.ID))

			edges, err := tx.Edges(ctx, a.ID, graph.Out, "x")
			require.NoError(t, err)
			assert.Empty(t, edges)
			edges, err = tx.Edges(ctx, c.ID, graph.In, "x")
			require.NoError(t, err)
			assert.Empty(t, edges)

			_, err = tx.GetVertex(ctx, b.ID)
			assert.ErrorIs(t, err, graph.ErrNotFound)
			return nil
		}))
	})
}

func TestRemoveEdge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
			a := addVertex(t, tx, "a")
			b := addVertex(t, tx, "b")
			e, err := tx.AddEdge(ctx, a.ID, b.ID, "x")
			require.NoError(t, err)
			assert.Equal(t, b.ID, e.Other(a.ID))

			require.NoError(t, tx.RemoveEdge(ctx, e.ID))
			assert.ErrorIs(t, tx.RemoveEdge(ctx, e.ID), graph.ErrNotFound)

			_, err = tx.AddEdge(ctx, a.ID, "missing", "x")
			assert.ErrorIs(t, err, graph.ErrNotFound)
			return nil
		}))
	})
}

func TestUpdateRollsBackOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		var keep string
		require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
			keep = addVertex(t, tx, "keep").ID
			return nil
		}))

		boom := errors.New("boom")
		err := s.Update(ctx, func(tx graph.Tx) error {
			v := addVertex(t, tx, "discard")
			if _, err := tx.AddEdge(ctx, keep, v.ID, "x"); err != nil {
				return err
			}
			if err := tx.SetProperty(ctx, keep, "name", "changed"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, s.View(ctx, func(tx graph.Tx) error {
			found, err := tx.FindVertices(ctx, "__id", "discard")
			require.NoError(t, err)
			assert.Empty(t, found)

			edges, err := tx.Edges(ctx, keep, graph.Out, "")
			require.NoError(t, err)
			assert.Empty(t, edges)

			v, err := tx.GetVertex(ctx, keep)
			require.NoError(t, err)
			assert.False(t, v.Has("name"))
			return nil
		}))
	})
}

func TestUpdateRollsBackOnPanic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		assert.Panics(t, func() {
			_ = s.Update(ctx, func(tx graph.Tx) error {
				addVertex(t, tx, "ghost")
				panic("half way")
			})
		})
		require.NoError(t, s.View(ctx, func(tx graph.Tx) error {
			found, err := tx.FindVertices(ctx, "__id", "ghost")
			require.NoError(t, err)
			assert.Empty(t, found)
			return nil
		}))
	})
}

func TestViewIsReadOnly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		err := s.View(ctx, func(tx graph.Tx) error {
			_, err := tx.AddVertex(ctx, graph.Properties{"__id": "x"})
			return err
		})
		assert.ErrorIs(t, err, graph.ErrReadOnly)
	})
}

func TestTxUnusableAfterReturn(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		var leaked graph.Tx
		require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
			leaked = tx
			return nil
		}))
		_, err := leaked.AddVertex(ctx, graph.Properties{})
		assert.ErrorIs(t, err, graph.ErrTxClosed)
	})
}

func TestFindVertices(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
			for _, id := range []string{"u1", "u2", "u3"} {
				v := addVertex(t, tx, id)
				if id != "u2" {
					require.NoError(t, tx.SetProperty(ctx, v.ID, "role", "editor"))
				}
			}
			return nil
		}))
		require.NoError(t, s.View(ctx, func(tx graph.Tx) error {
			byID, err := tx.FindVertices(ctx, "__id", "u2")
			require.NoError(t, err)
			require.Len(t, byID, 1)
			assert.Equal(t, "u2", byID[0].String("__id"))

			byType, err := tx.FindVertices(ctx, "__type", "Test")
			require.NoError(t, err)
			assert.Len(t, byType, 3)

			editors, err := tx.FindVertices(ctx, "role", "editor")
			require.NoError(t, err)
			require.Len(t, editors, 2)
			assert.Equal(t, "u1", editors[0].String("__id"))
			assert.Equal(t, "u3", editors[1].String("__id"))
			return nil
		}))
	})
}

func TestClosedStore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s graph.Store) {
		ctx := context.Background()
		require.NoError(t, s.Close(ctx))
		err := s.View(ctx, func(graph.Tx) error { return nil })
		assert.ErrorIs(t, err, graph.ErrStoreClosed)
	})
}
