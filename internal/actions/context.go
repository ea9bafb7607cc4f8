package actions

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/metrics"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
	"github.com/dumbbond/ehri-rest/internal/serialize"
)

// EventContext is an event that has not been committed yet. It collects
// subjects and at most one version snapshot.
type EventContext struct {
	m          *Manager
	actioner   acl.Accessor
	eventType  models.EventType
	logMessage string
	timestamp  string
	scope      acl.Scope

	subjects []*graph.Vertex
	seen     map[string]bool

	versionOf *graph.Vertex
	bundle    *serialize.Bundle
}

// AddSubjects adds entities the event concerns. Adding a subject twice has
// no effect. Subjects keep the order they were first added in.
func (c *EventContext) AddSubjects(subjects ...*graph.Vertex) *EventContext {
	for _, s := range subjects {
		if s == nil || c.seen[s.ID] {
			continue
		}
		c.seen[s.ID] = true
		c.subjects = append(c.subjects, s)
	}
	return c
}

// Subjects returns the subjects added so far.
func (c *EventContext) Subjects() []*graph.Vertex { return slices.Clone(c.subjects) }

// Actioner returns who the event will be credited to.
func (c *EventContext) Actioner() acl.Accessor { return c.actioner }

// EventType returns the type of the event.
func (c *EventContext) EventType() models.EventType { return c.eventType }

// Timestamp returns the time fixed when the context was created.
func (c *EventContext) Timestamp() string { return c.timestamp }

// CreateVersion returns a copy of c that also records a dependent-only
// snapshot of v as it is now. Subjects added so far are kept.
func (c *EventContext) CreateVersion(ctx context.Context, v *graph.Vertex) (*EventContext, error) {
	b, err := serialize.Dependent().Serialize(ctx, c.m.tx, v)
	if err != nil {
		return nil, err
	}
	return c.CreateVersionWithBundle(v, b), nil
}

// CreateVersionWithBundle is CreateVersion with a snapshot the caller has
// already taken.
func (c *EventContext) CreateVersionWithBundle(v *graph.Vertex, b serialize.Bundle) *EventContext {
	n := *c
	n.subjects = slices.Clone(c.subjects)
	n.seen = maps.Clone(c.seen)
	n.versionOf = v
	n.bundle = &b
	return &n
}

// Commit writes the event. The event becomes the newest entry of the global
// stream, of the actioner's action stream and of every subject's history.
// The caller's transaction makes this all-or-nothing.
func (c *EventContext) Commit(ctx context.Context) (*SystemEvent, error) {
	tx := c.m.tx
	root, err := c.m.root(ctx)
	if err != nil {
		return nil, err
	}
	if !c.actioner.HasVertex() {
		return nil, fmt.Errorf("%w: the %s accessor cannot be an actioner", acl.ErrUnsupportedOperation, c.actioner.Kind)
	}
	var payload []byte
	if c.bundle != nil {
		if payload, err = c.bundle.JSON(); err != nil {
			return nil, &serialize.SerializationError{ID: c.bundle.ID, Err: err}
		}
	}

	// 1. The event itself, at the head of the global stream.
	event, err := registry.Create(ctx, tx, uuid.NewString(), models.ClassSystemEvent, graph.Properties{
		models.EventTypeKey:       string(c.eventType),
		models.EventTimestampKey:  c.timestamp,
		models.EventLogMessageKey: c.logMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	if err := replaceAtHead(ctx, tx, root, event, models.GlobalEventStream, models.ActionerHasLifecycleAction); err != nil {
		return nil, fmt.Errorf("commit event: global stream: %w", err)
	}
	if !c.scope.IsSystem() {
		if _, err := tx.AddEdge(ctx, event.ID, c.scope.Vertex().ID, models.HasEventScope); err != nil {
			return nil, fmt.Errorf("commit event: scope: %w", err)
		}
	}

	// 2. The actioner's stream.
	if err := c.link(ctx, c.actioner.Vertex, event, models.ActionerHasLifecycleAction, models.ActionHasEvent); err != nil {
		return nil, fmt.Errorf("commit event: actioner %s: %w", c.actioner.ID(), err)
	}

	// 3. Each subject's history.
	for _, s := range c.subjects {
		if err := c.link(ctx, s, event, models.EntityHasLifecycleEvent, models.EntityHasEvent); err != nil {
			return nil, fmt.Errorf("commit event: subject %s: %w", registry.IDOf(s), err)
		}
	}

	// 4. The version snapshot, at the head of its entity's prior versions.
	if c.versionOf != nil {
		if err := c.commitVersion(ctx, event, payload); err != nil {
			return nil, fmt.Errorf("commit event: version of %s: %w", registry.IDOf(c.versionOf), err)
		}
	}

	metrics.Inc(metrics.EventsCommitted)
	c.m.logger.Debug("event committed",
		"event_id", registry.IDOf(event),
		"event_type", c.eventType,
		"actioner", c.actioner.ID(),
		"subjects", len(c.subjects),
		"scope", c.scope.ID(),
	)
	return c.m.Load(ctx, event)
}

// link puts a new link vertex at the head of owner's chain and points it at
// the event.
func (c *EventContext) link(ctx context.Context, owner, event *graph.Vertex, chainLabel, eventLabel string) error {
	tx := c.m.tx
	l, err := tx.AddVertex(ctx, graph.Properties{
		models.DebugTypeKey: models.EventLinkDebugType,
		models.LinkTypeKey:  chainLabel,
	})
	if err != nil {
		return err
	}
	if err := replaceAtHead(ctx, tx, owner, l, chainLabel, chainLabel); err != nil {
		return err
	}
	_, err = tx.AddEdge(ctx, l.ID, event.ID, eventLabel)
	return err
}

func (c *EventContext) commitVersion(ctx context.Context, event *graph.Vertex, payload []byte) error {
	tx := c.m.tx
	v, err := registry.Create(ctx, tx, uuid.NewString(), models.ClassVersion, graph.Properties{
		models.VersionEntityIDKey:    registry.IDOf(c.versionOf),
		models.VersionEntityClassKey: string(registry.ClassOf(c.versionOf)),
		models.VersionEntityDataKey:  string(payload),
	})
	if err != nil {
		return err
	}
	if err := replaceAtHead(ctx, tx, c.versionOf, v, models.EntityHasPriorVersion, models.EntityHasPriorVersion); err != nil {
		return err
	}
	if _, err := tx.AddEdge(ctx, v.ID, event.ID, models.VersionHasEvent); err != nil {
		return err
	}
	metrics.Inc(metrics.VersionsCreated)
	return nil
}

// replaceAtHead prepends newHead to the chain hanging off head. The vertex
// head pointed at through headLabel is re-attached to newHead through label,
// then head points at newHead.
func replaceAtHead(ctx context.Context, tx graph.Tx, head, newHead *graph.Vertex, headLabel, label string) error {
	edges, err := tx.Edges(ctx, head.ID, graph.Out, headLabel)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := tx.RemoveEdge(ctx, e.ID); err != nil {
			return err
		}
		if _, err := tx.AddEdge(ctx, newHead.ID, e.In, label); err != nil {
			return err
		}
	}
	_, err = tx.AddEdge(ctx, head.ID, newHead.ID, headLabel)
	return err
}
