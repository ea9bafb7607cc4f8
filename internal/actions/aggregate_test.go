package actions_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/actions"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
)

func TestMikeEditsC1(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)
	clock := &testClock{now: t1}
	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		m := actions.NewManager(tx, actions.WithClock(clock.Now))
		mike := accessor(t, ctx, tx, "mike")
		c1 := vertex(t, ctx, tx, "c1")

		created, err := m.NewEventContextFor(c1, mike, models.EventCreation, "initial import").Commit(ctx)
		require.NoError(t, err)
		clock.Advance(5 * time.Second)
		fixed, err := m.NewEventContextFor(c1, mike, models.EventModification, "fix typo").Commit(ctx)
		require.NoError(t, err)
		assert.False(t, actions.SameAs(fixed, created))

		clock.Advance(2 * time.Second)
		again, err := m.NewEventContextFor(c1, mike, models.EventModification, "fix typo").Commit(ctx)
		require.NoError(t, err)
		assert.True(t, actions.SameAs(again, fixed))
		assert.True(t, actions.CanAggregate(again, fixed, 5))
		assert.False(t, actions.CanAggregate(again, fixed, 2))
		assert.False(t, actions.CanAggregate(again, fixed, 0))

		for _, e := range []*actions.SystemEvent{created, fixed, again} {
			assert.True(t, actions.SameAs(e, e))
		}

		assert.True(t, actions.SequentialWithSameAccessor(fixed, again))
		assert.True(t, actions.SequentialWithSameAccessor(created, fixed))
		assert.False(t, actions.SequentialWithSameAccessor(created, again))
		assert.False(t, actions.SequentialWithSameAccessor(again, fixed))

		// Another actioner in between does not break mike's own stream.
		_, err = m.NewEventContextFor(c1, accessor(t, ctx, tx, "reto"), models.EventModification, "fix typo").Commit(ctx)
		require.NoError(t, err)
		last, err := m.NewEventContextFor(c1, mike, models.EventModification, "fix typo").Commit(ctx)
		require.NoError(t, err)
		assert.True(t, actions.SequentialWithSameAccessor(again, last))
		return nil
	}))
}

func strptr(s string) *string { return &s }

// Missing values never prevent aggregation; present values, including an
// empty log message, must match.
func TestCanAggregateIsLenient(t *testing.T) {
	c1 := &graph.Vertex{ID: "v-c1"}
	c2 := &graph.Vertex{ID: "v-c2"}
	mike := &graph.Vertex{ID: "v-mike"}
	reto := &graph.Vertex{ID: "v-reto"}
	r1 := acl.ItemScope(&graph.Vertex{ID: "v-r1"})
	r2 := acl.ItemScope(&graph.Vertex{ID: "v-r2"})

	full := &actions.SystemEvent{
		EventType:  models.EventModification,
		LogMessage: strptr("edit"),
		Timestamp:  "2024-03-01T12:00:00.000Z",
		Scope:      r1,
		Subjects:   []*graph.Vertex{c1},
		Actioner:   mike,
	}
	with := func(f func(e *actions.SystemEvent)) *actions.SystemEvent {
		e := *full
		f(&e)
		return &e
	}

	tests := []struct {
		name  string
		other *actions.SystemEvent
		want  bool
	}{
		{"identical", with(func(*actions.SystemEvent) {}), true},
		{"empty event", &actions.SystemEvent{}, true},
		{"missing type", with(func(e *actions.SystemEvent) { e.EventType = "" }), true},
		{"other type", with(func(e *actions.SystemEvent) { e.EventType = models.EventCreation }), false},
		{"missing message", with(func(e *actions.SystemEvent) { e.LogMessage = nil }), true},
		{"empty message", with(func(e *actions.SystemEvent) { e.LogMessage = strptr("") }), false},
		{"other message", with(func(e *actions.SystemEvent) { e.LogMessage = strptr("other") }), false},
		{"system scope", with(func(e *actions.SystemEvent) { e.Scope = acl.SystemScope }), true},
		{"other scope", with(func(e *actions.SystemEvent) { e.Scope = r2 }), false},
		{"no subjects", with(func(e *actions.SystemEvent) { e.Subjects = nil }), true},
		{"other first subject", with(func(e *actions.SystemEvent) { e.Subjects = []*graph.Vertex{c2, c1} }), false},
		{"same first subject", with(func(e *actions.SystemEvent) { e.Subjects = []*graph.Vertex{c1, c2} }), true},
		{"no actioner", with(func(e *actions.SystemEvent) { e.Actioner = nil }), true},
		{"other actioner", with(func(e *actions.SystemEvent) { e.Actioner = reto }), false},
		{"bad timestamp", with(func(e *actions.SystemEvent) { e.Timestamp = "yesterday" }), true},
		{"far apart", with(func(e *actions.SystemEvent) { e.Timestamp = "2025-03-01T12:00:00.000Z" }), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, actions.SameAs(full, tt.other))
			assert.Equal(t, tt.want, actions.SameAs(tt.other, full))
		})
	}

	late := with(func(e *actions.SystemEvent) { e.Timestamp = "2024-03-01T12:01:00.000Z" })
	assert.False(t, actions.CanAggregate(full, late, 60))
	assert.True(t, actions.CanAggregate(full, late, 61))
	assert.True(t, actions.CanAggregate(late, full, 61))
}

func TestEmptyMessageIsStored(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)
	clock := &testClock{now: t1}
	require.NoError(t, s.Update(ctx, func(tx graph.Tx) error {
		m := actions.NewManager(tx, actions.WithClock(clock.Now))
		mike := accessor(t, ctx, tx, "mike")
		c1 := vertex(t, ctx, tx, "c1")

		silent, err := m.NewEventContextFor(c1, mike, models.EventModification, "").Commit(ctx)
		require.NoError(t, err)
		require.NotNil(t, silent.LogMessage)
		assert.Empty(t, *silent.LogMessage)

		clock.Advance(time.Second)
		fixed, err := m.NewEventContextFor(c1, mike, models.EventModification, "fix typo").Commit(ctx)
		require.NoError(t, err)
		assert.False(t, actions.SameAs(silent, fixed))
		assert.False(t, actions.SameAs(fixed, silent))

		clock.Advance(time.Second)
		again, err := m.NewEventContextFor(c1, mike, models.EventModification, "").Commit(ctx)
		require.NoError(t, err)
		assert.True(t, actions.SameAs(again, silent))
		return nil
	}))
}

func TestSequentialWithoutLinks(t *testing.T) {
	a := &actions.SystemEvent{}
	b := &actions.SystemEvent{}
	assert.False(t, actions.SequentialWithSameAccessor(a, b))
}
