package actions_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/actions"
	"github.com/dumbbond/ehri-rest/internal/fixtures"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

var t1 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newDemoStore(t *testing.T) *graph.MemoryStore {
	t.Helper()
	s := graph.NewMemoryStore()
	_, err := fixtures.LoadYAML(context.Background(), s, bytes.NewReader(fixtures.DemoYAML), acl.DefaultAdminGroup, nil)
	require.NoError(t, err)
	return s
}

func vertex(t *testing.T, ctx context.Context, tx graph.Tx, id string) *graph.Vertex {
	t.Helper()
	v, err := registry.Get(ctx, tx, id)
	require.NoError(t, err)
	return v
}

func accessor(t *testing.T, ctx context.Context, tx graph.Tx, id string) acl.Accessor {
	t.Helper()
	a, err := acl.ResolveAccessor(ctx, tx, id)
	require.NoError(t, err)
	return a
}

func collect[T any](t *testing.T, seq iter.Seq2[*T, error]) []*T {
	t.Helper()
	var out []*T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func messages(events []*actions.SystemEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Message())
	}
	return out
}

func TestCommitRequiresEventRoot(t *testing.T) {
	ctx := context.Background()
	s := graph.NewMemoryStore()
	err := s.Update(ctx, func(tx graph.Tx) error {
		v, err := registry.Create(ctx, tx, "u", models.ClassUserProfile, nil)
		require.NoError(t, err)
		u, err := acl.AccessorFor(v)
		require.NoError(t, err)
		_, err = actions.NewManager(tx).NewEventContextFor(v, u, models.EventModification, "").Commit(ctx)
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, actions.ErrSystemRootMissing))

	nv, _ := s.Len()
	assert.Zero(t, nv)
}

func TestCommitRejectsAnonymousActioner(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)
	err := s.Update(ctx, func(tx graph.Tx) error {
		_, err := actions.NewManager(tx).
			NewEventContextFor(vertex(t, ctx, tx, "c1"), acl.Anonymous, models.EventModification, "").
			Commit(ctx)
		return err
	})
	assert.ErrorIs(t, err, acl.ErrUnsupportedOperation)
}

func TestChainOrdering(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)
	clock := &testClock{now: t1}
	msgs := []string{"first", "second", "third", "fourth"}

	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		m := actions.NewManager(tx, actions.WithClock(clock.Now))
		mike := accessor(t, ctx, tx, "mike")
		reto := accessor(t, ctx, tx, "reto")
		c1 := vertex(t, ctx, tx, "c1")
		c2 := vertex(t, ctx, tx, "c2")
		for i, msg := range msgs {
			actioner := mike
			if i == 2 {
				actioner = reto
			}
			_, err := m.NewEventContextFor(c1, actioner, models.EventModification, msg).Commit(ctx)
			require.NoError(t, err)
			clock.Advance(time.Second)
		}
		_, err := m.NewEventContextFor(c2, reto, models.EventModification, "other").Commit(ctx)
		return err
	}))

	require.NoError(t, s.View(ctx, func(tx graph.Tx) error {
		m := actions.NewManager(tx)
		c1 := vertex(t, ctx, tx, "c1")
		mike := vertex(t, ctx, tx, "mike")
		reto := vertex(t, ctx, tx, "reto")

		assert.Equal(t, []string{"fourth", "third", "second", "first"}, messages(collect(t, m.History(ctx, c1))))
		assert.Equal(t, []string{"fourth", "second", "first"}, messages(collect(t, m.Actions(ctx, mike))))
		assert.Equal(t, []string{"other", "third"}, messages(collect(t, m.Actions(ctx, reto))))
		assert.Equal(t, []string{"other", "fourth", "third", "second", "first"}, messages(collect(t, m.LatestGlobalEvents(ctx))))

		latest, err := m.LatestGlobalEvent(ctx)
		require.NoError(t, err)
		assert.Equal(t, "other", latest.Message())
		assert.Equal(t, "2024-03-01T12:00:04.000Z", latest.Timestamp)

		ev, err := m.LatestEvent(ctx, c1)
		require.NoError(t, err)
		assert.Equal(t, "fourth", ev.Message())
		assert.Equal(t, "mike", ev.ActionerID())

		none, err := m.LatestEvent(ctx, vertex(t, ctx, tx, "c3"))
		require.NoError(t, err)
		assert.Nil(t, none)

		// Stopping early must not walk the rest of the chain.
		n := 0
		for range m.LatestGlobalEvents(ctx) {
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
		return nil
	}))
}

func TestGlobalStreamLayout(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)
	clock := &testClock{now: t1}
	var older, newer *actions.SystemEvent
	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		m := actions.NewManager(tx, actions.WithClock(clock.Now))
		mike := accessor(t, ctx, tx, "mike")
		c1 := vertex(t, ctx, tx, "c1")
		var err error
		older, err = m.NewEventContextFor(c1, mike, models.EventModification, "one").Commit(ctx)
		require.NoError(t, err)
		newer, err = m.NewEventContextFor(c1, mike, models.EventModification, "two").Commit(ctx)
		return err
	}))

	require.NoError(t, s.View(ctx, func(tx graph.Tx) error {
		root := vertex(t, ctx, tx, models.GlobalEventRoot)
		head, err := tx.Vertices(ctx, root.ID, graph.Out, models.GlobalEventStream)
		require.NoError(t, err)
		require.Len(t, head, 1)
		assert.Equal(t, newer.Vertex.ID, head[0].ID)

		prev, err := tx.Vertices(ctx, newer.Vertex.ID, graph.Out, models.ActionerHasLifecycleAction)
		require.NoError(t, err)
		require.Len(t, prev, 1)
		assert.Equal(t, older.Vertex.ID, prev[0].ID)

		stray, err := tx.Edges(ctx, newer.Vertex.ID, graph.Out, models.GlobalEventStream)
		require.NoError(t, err)
		assert.Empty(t, stray)
		return nil
	}))
}

// A stream written by another implementation of the event log, with only
// the chain edges and bare event properties, reads back in full.
func TestReadsExternallyWrittenGlobalStream(t *testing.T) {
	ctx := context.Background()
	s := graph.NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		require.NoError(t, fixtures.Initialize(ctx, tx, acl.DefaultAdminGroup))
		root := vertex(t, ctx, tx, models.GlobalEventRoot)
		ev1, err := registry.Create(ctx, tx, "ev1", models.ClassSystemEvent, graph.Properties{
			models.EventTypeKey:      string(models.EventCreation),
			models.EventTimestampKey: "2024-03-01T12:00:00.000Z",
		})
		require.NoError(t, err)
		ev2, err := registry.Create(ctx, tx, "ev2", models.ClassSystemEvent, graph.Properties{
			models.EventTypeKey:       string(models.EventModification),
			models.EventTimestampKey:  "2024-03-01T12:00:01.000Z",
			models.EventLogMessageKey: "",
		})
		require.NoError(t, err)
		_, err = tx.AddEdge(ctx, root.ID, ev2.ID, models.GlobalEventStream)
		require.NoError(t, err)
		_, err = tx.AddEdge(ctx, ev2.ID, ev1.ID, models.ActionerHasLifecycleAction)
		return err
	}))

	require.NoError(t, s.View(ctx, func(tx graph.Tx) error {
		events := collect(t, actions.NewManager(tx).LatestGlobalEvents(ctx))
		require.Len(t, events, 2)
		assert.Equal(t, "ev2", events[0].ID())
		assert.Equal(t, "ev1", events[1].ID())
		assert.True(t, events[0].Scope.IsSystem())
		assert.NotNil(t, events[0].LogMessage)
		assert.Nil(t, events[1].LogMessage)
		return nil
	}))
}

func TestEventContextSubjects(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)
	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		m := actions.NewManager(tx, actions.WithClock((&testClock{now: t1}).Now))
		c1 := vertex(t, ctx, tx, "c1")
		c2 := vertex(t, ctx, tx, "c2")
		ec := m.NewEventContext(accessor(t, ctx, tx, "mike"), models.EventModification, "batch").
			AddSubjects(c2, c1).
			AddSubjects(c2, nil)
		assert.Len(t, ec.Subjects(), 2)
		assert.Equal(t, "2024-03-01T12:00:00.000Z", ec.Timestamp())

		ev, err := ec.Commit(ctx)
		require.NoError(t, err)
		require.Len(t, ev.Subjects, 2)
		assert.Equal(t, "c2", registry.IDOf(ev.Subjects[0]))
		assert.Equal(t, "c1", registry.IDOf(ev.Subjects[1]))
		assert.Equal(t, "c2", registry.IDOf(ev.FirstSubject()))

		assert.Len(t, collect(t, m.History(ctx, c1)), 1)
		assert.Len(t, collect(t, m.History(ctx, c2)), 1)
		return nil
	}))
}

func TestScopedEvent(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)
	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		r1 := vertex(t, ctx, tx, "r1")
		base := actions.NewManager(tx)
		m := base.WithScope(acl.ItemScope(r1))
		assert.True(t, base.Scope().IsSystem())

		ev, err := m.NewEventContextFor(vertex(t, ctx, tx, "c1"), accessor(t, ctx, tx, "mike"), models.EventCreation, "").Commit(ctx)
		require.NoError(t, err)
		assert.Equal(t, "r1", ev.Scope.ID())

		ev, err = base.NewEventContextFor(vertex(t, ctx, tx, "c1"), accessor(t, ctx, tx, "mike"), models.EventModification, "").Commit(ctx)
		require.NoError(t, err)
		assert.True(t, ev.Scope.IsSystem())
		return nil
	}))
}

func TestVersions(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)
	clock := &testClock{now: t1}
	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		m := actions.NewManager(tx, actions.WithClock(clock.Now))
		mike := accessor(t, ctx, tx, "mike")
		c1 := vertex(t, ctx, tx, "c1")

		for _, name := range []string{"Second Name", "Third Name"} {
			ec, err := m.NewEventContextFor(c1, mike, models.EventModification, "rename").CreateVersion(ctx, c1)
			require.NoError(t, err)
			assert.Len(t, ec.Subjects(), 1)
			_, err = ec.Commit(ctx)
			require.NoError(t, err)
			require.NoError(t, tx.SetProperty(ctx, c1.ID, "name", name))
			c1 = vertex(t, ctx, tx, "c1")
			clock.Advance(time.Minute)
		}

		versions := collect(t, m.Versions(ctx, c1))
		require.Len(t, versions, 2)
		assert.Equal(t, "Second Name", versions[0].Data.Data["name"])
		assert.Equal(t, "Papers of a Survivor", versions[1].Data.Data["name"])
		assert.Equal(t, "c1", versions[0].EntityID)
		assert.Equal(t, models.ClassDocumentaryUnit, versions[0].EntityClass)
		require.NotNil(t, versions[0].Event)
		assert.Equal(t, "2024-03-01T12:01:00.000Z", versions[0].Event.Timestamp)
		assert.Contains(t, versions[1].Data.Relations, models.Describes)

		prior, err := m.PriorVersion(ctx, c1)
		require.NoError(t, err)
		assert.Equal(t, versions[0].ID(), prior.ID())

		none, err := m.PriorVersion(ctx, vertex(t, ctx, tx, "c2"))
		require.NoError(t, err)
		assert.Nil(t, none)
		return nil
	}))
}

func TestCommitRollsBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)
	before, _ := s.Len()
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx graph.Tx) error {
		m := actions.NewManager(tx)
		if _, err := m.NewEventContextFor(vertex(t, ctx, tx, "c1"), accessor(t, ctx, tx, "mike"), models.EventModification, "").Commit(ctx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, _ := s.Len()
	assert.Equal(t, before, after)
	require.NoError(t, s.View(ctx, func(tx graph.Tx) error {
		ev, err := actions.NewManager(tx).LatestGlobalEvent(ctx)
		require.NoError(t, err)
		assert.Nil(t, ev)
		return nil
	}))
}

func TestEventLookupAndJSON(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)
	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		m := actions.NewManager(tx, actions.WithClock((&testClock{now: t1}).Now)).WithScope(acl.ItemScope(vertex(t, ctx, tx, "r1")))
		ev, err := m.NewEventContextFor(vertex(t, ctx, tx, "c1"), accessor(t, ctx, tx, "mike"), models.EventCreation, "initial import").Commit(ctx)
		require.NoError(t, err)

		loaded, err := m.Event(ctx, ev.ID())
		require.NoError(t, err)
		assert.Equal(t, ev.ActionerLinkID, loaded.ActionerLinkID)

		_, err = m.Event(ctx, "c1")
		assert.True(t, registry.IsNotFound(err))

		raw, err := json.Marshal(loaded)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, "creation", decoded["eventType"])
		assert.Equal(t, "initial import", decoded["logMessage"])
		assert.Equal(t, "2024-03-01T12:00:00.000Z", decoded["timestamp"])
		assert.Equal(t, map[string]any{"id": "r1", "type": "Repository"}, decoded["scope"])
		assert.Equal(t, map[string]any{"id": "mike", "type": "UserProfile"}, decoded["actioner"])
		assert.Equal(t, []any{map[string]any{"id": "c1", "type": "DocumentaryUnit"}}, decoded["subjects"])
		return nil
	}))
}
