// Package actions records what happened to which entities and by whom. Each
// committed event becomes the head of the global event stream, of the
// actioner's action stream and of every subject's history, and may carry a
// version snapshot of one entity.
package actions

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// ErrSystemRootMissing means the graph has no global event root. The graph
// was not initialised; retrying will not help.
var ErrSystemRootMissing = errors.New("system event root not found")

// Manager creates and reads events inside one graph transaction.
type Manager struct {
	tx     graph.Tx
	scope  acl.Scope
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the source of event timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger used for commit diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a Manager in the system scope.
func NewManager(tx graph.Tx, opts ...Option) *Manager {
	m := &Manager{tx: tx, now: time.Now, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	return m
}

// WithScope returns a copy of m whose events are recorded in scope.
func (m *Manager) WithScope(scope acl.Scope) *Manager {
	c := *m
	c.scope = scope
	return &c
}

// Scope returns the scope new events are recorded in.
func (m *Manager) Scope() acl.Scope { return m.scope }

// Tx returns the transaction the manager is bound to.
func (m *Manager) Tx() graph.Tx { return m.tx }

// NewEventContext starts an event performed by actioner. Nothing is written
// until Commit. The timestamp is fixed here.
func (m *Manager) NewEventContext(actioner acl.Accessor, eventType models.EventType, logMessage string) *EventContext {
	return &EventContext{
		m:          m,
		actioner:   actioner,
		eventType:  eventType,
		logMessage: logMessage,
		timestamp:  m.now().UTC().Format(models.TimestampLayout),
		scope:      m.scope,
		seen:       map[string]bool{},
	}
}

// NewEventContextFor starts an event with subject already added.
func (m *Manager) NewEventContextFor(subject *graph.Vertex, actioner acl.Accessor, eventType models.EventType, logMessage string) *EventContext {
	return m.NewEventContext(actioner, eventType, logMessage).AddSubjects(subject)
}

func (m *Manager) root(ctx context.Context) (*graph.Vertex, error) {
	root, err := registry.Resolve(ctx, m.tx, models.GlobalEventRoot, models.ClassSystem)
	if registry.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrSystemRootMissing, models.GlobalEventRoot)
	}
	return root, err
}

// LatestGlobalEvents iterates the global event stream, newest first.
func (m *Manager) LatestGlobalEvents(ctx context.Context) iter.Seq2[*SystemEvent, error] {
	return func(yield func(*SystemEvent, error) bool) {
		root, err := m.root(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for v, err := range m.chainFrom(ctx, root, models.GlobalEventStream, models.ActionerHasLifecycleAction) {
			if err != nil {
				yield(nil, err)
				return
			}
			ev, err := m.Load(ctx, v)
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// LatestGlobalEvent returns the most recent event, or nil if none.
func (m *Manager) LatestGlobalEvent(ctx context.Context) (*SystemEvent, error) {
	return first(m.LatestGlobalEvents(ctx))
}

// History iterates the events with subject among their subjects, newest first.
func (m *Manager) History(ctx context.Context, subject *graph.Vertex) iter.Seq2[*SystemEvent, error] {
	return m.linkedEvents(ctx, subject, models.EntityHasLifecycleEvent, models.EntityHasEvent)
}

// Actions iterates the events actioner performed, newest first.
func (m *Manager) Actions(ctx context.Context, actioner *graph.Vertex) iter.Seq2[*SystemEvent, error] {
	return m.linkedEvents(ctx, actioner, models.ActionerHasLifecycleAction, models.ActionHasEvent)
}

// LatestEvent returns the most recent event concerning subject, or nil.
func (m *Manager) LatestEvent(ctx context.Context, subject *graph.Vertex) (*SystemEvent, error) {
	return first(m.History(ctx, subject))
}

// Versions iterates the prior versions of entity, newest first.
func (m *Manager) Versions(ctx context.Context, entity *graph.Vertex) iter.Seq2[*Version, error] {
	return func(yield func(*Version, error) bool) {
		for v, err := range m.chain(ctx, entity, models.EntityHasPriorVersion) {
			if err != nil {
				yield(nil, err)
				return
			}
			ver, err := m.loadVersion(ctx, v)
			if !yield(ver, err) || err != nil {
				return
			}
		}
	}
}

// PriorVersion returns the most recent version of entity, or nil.
func (m *Manager) PriorVersion(ctx context.Context, entity *graph.Vertex) (*Version, error) {
	return first(m.Versions(ctx, entity))
}

// Event loads a committed event by id.
func (m *Manager) Event(ctx context.Context, id string) (*SystemEvent, error) {
	v, err := registry.Resolve(ctx, m.tx, id, models.ClassSystemEvent)
	if err != nil {
		return nil, err
	}
	return m.Load(ctx, v)
}

// linkedEvents walks a chain of link vertices starting at head, yielding the
// event each link points at through eventLabel.
func (m *Manager) linkedEvents(ctx context.Context, head *graph.Vertex, chainLabel, eventLabel string) iter.Seq2[*SystemEvent, error] {
	return func(yield func(*SystemEvent, error) bool) {
		for link, err := range m.chain(ctx, head, chainLabel) {
			if err != nil {
				yield(nil, err)
				return
			}
			v, err := graph.First(ctx, m.tx, link.ID, graph.Out, eventLabel)
			if err != nil {
				yield(nil, fmt.Errorf("event of link %s: %w", link.ID, err))
				return
			}
			if v == nil {
				continue
			}
			ev, err := m.Load(ctx, v)
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// chain yields the vertices of the singly linked list hanging off head
// through label, starting with head's immediate successor.
func (m *Manager) chain(ctx context.Context, head *graph.Vertex, label string) iter.Seq2[*graph.Vertex, error] {
	return m.chainFrom(ctx, head, label, label)
}

// chainFrom is chain for lists whose head edge is labelled headLabel and
// whose remaining edges are labelled label.
func (m *Manager) chainFrom(ctx context.Context, head *graph.Vertex, headLabel, label string) iter.Seq2[*graph.Vertex, error] {
	return func(yield func(*graph.Vertex, error) bool) {
		seen := map[string]bool{head.ID: true}
		cur := head
		for hop := headLabel; ; hop = label {
			next, err := graph.First(ctx, m.tx, cur.ID, graph.Out, hop)
			if err != nil {
				yield(nil, fmt.Errorf("follow %s from %s: %w", hop, cur.ID, err))
				return
			}
			if next == nil || seen[next.ID] {
				return
			}
			seen[next.ID] = true
			if !yield(next, nil) {
				return
			}
			cur = next
		}
	}
}

func first[T any](seq iter.Seq2[*T, error]) (*T, error) {
	for v, err := range seq {
		return v, err
	}
	return nil, nil
}
