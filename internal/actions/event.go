package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
	"github.com/dumbbond/ehri-rest/internal/serialize"
)

// SystemEvent is a committed event with the vertices it links to.
type SystemEvent struct {
	Vertex     *graph.Vertex
	EventType models.EventType
	Timestamp string
	// LogMessage is nil when the event vertex has no message property. A
	// stored empty message is a non-nil empty string.
	LogMessage *string
	Scope      acl.Scope

	// Subjects are in the order they were added to the event context.
	Subjects []*graph.Vertex
	// Actioner is nil only for events written outside Commit.
	Actioner *graph.Vertex

	// ActionerLinkID is the actioner-stream link pointing at this event and
	// NextActionerLinkID the link of the actioner's previous event.
	ActionerLinkID     string
	NextActionerLinkID string
}

// ID returns the event's entity id.
func (e *SystemEvent) ID() string { return registry.IDOf(e.Vertex) }

// Message returns the log message, or "" if there is none.
func (e *SystemEvent) Message() string {
	if e.LogMessage == nil {
		return ""
	}
	return *e.LogMessage
}

// FirstSubject returns the first subject, or nil.
func (e *SystemEvent) FirstSubject() *graph.Vertex {
	if len(e.Subjects) == 0 {
		return nil
	}
	return e.Subjects[0]
}

// ActionerID returns the id of the actioner, or "".
func (e *SystemEvent) ActionerID() string {
	if e.Actioner == nil {
		return ""
	}
	return registry.IDOf(e.Actioner)
}

// EntityRef identifies an entity in JSON output.
type EntityRef struct {
	ID   string             `json:"id"`
	Type models.EntityClass `json:"type"`
}

func refOf(v *graph.Vertex) *EntityRef {
	if v == nil {
		return nil
	}
	return &EntityRef{ID: registry.IDOf(v), Type: registry.ClassOf(v)}
}

type eventJSON struct {
	ID         string           `json:"id"`
	EventType  models.EventType `json:"eventType"`
	Timestamp  string           `json:"timestamp"`
	LogMessage *string          `json:"logMessage,omitempty"`
	Scope      *EntityRef       `json:"scope,omitempty"`
	Actioner   *EntityRef       `json:"actioner,omitempty"`
	Subjects   []EntityRef      `json:"subjects"`
}

// MarshalJSON encodes the event with references to its linked entities.
func (e *SystemEvent) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ID:         e.ID(),
		EventType:  e.EventType,
		Timestamp:  e.Timestamp,
		LogMessage: e.LogMessage,
		Scope:      refOf(e.Scope.Vertex()),
		Actioner:   refOf(e.Actioner),
		Subjects:   make([]EntityRef, 0, len(e.Subjects)),
	}
	for _, s := range e.Subjects {
		out.Subjects = append(out.Subjects, *refOf(s))
	}
	return json.Marshal(out)
}

// Load reads an event vertex and the vertices it links to.
func (m *Manager) Load(ctx context.Context, v *graph.Vertex) (*SystemEvent, error) {
	if registry.ClassOf(v) != models.ClassSystemEvent {
		return nil, &registry.ItemNotFoundError{ID: registry.IDOf(v), Class: models.ClassSystemEvent}
	}
	ev := &SystemEvent{
		Vertex:    v,
		EventType: models.EventType(v.String(models.EventTypeKey)),
		Timestamp: v.String(models.EventTimestampKey),
	}
	if v.Has(models.EventLogMessageKey) {
		msg := v.String(models.EventLogMessageKey)
		ev.LogMessage = &msg
	}

	scope, err := graph.First(ctx, m.tx, v.ID, graph.Out, models.HasEventScope)
	if err != nil {
		return nil, fmt.Errorf("load event %s: scope: %w", ev.ID(), err)
	}
	ev.Scope = acl.ItemScope(scope)

	links, err := m.tx.Vertices(ctx, v.ID, graph.In, models.EntityHasEvent)
	if err != nil {
		return nil, fmt.Errorf("load event %s: subjects: %w", ev.ID(), err)
	}
	for _, l := range links {
		s, err := m.chainOwner(ctx, l, models.EntityHasLifecycleEvent)
		if err != nil {
			return nil, fmt.Errorf("load event %s: subjects: %w", ev.ID(), err)
		}
		if s != nil {
			ev.Subjects = append(ev.Subjects, s)
		}
	}

	link, err := graph.First(ctx, m.tx, v.ID, graph.In, models.ActionHasEvent)
	if err != nil {
		return nil, fmt.Errorf("load event %s: actioner: %w", ev.ID(), err)
	}
	if link != nil {
		ev.ActionerLinkID = link.ID
		if ev.Actioner, err = m.chainOwner(ctx, link, models.ActionerHasLifecycleAction); err != nil {
			return nil, fmt.Errorf("load event %s: actioner: %w", ev.ID(), err)
		}
		next, err := graph.First(ctx, m.tx, link.ID, graph.Out, models.ActionerHasLifecycleAction)
		if err != nil {
			return nil, fmt.Errorf("load event %s: actioner: %w", ev.ID(), err)
		}
		if next != nil {
			ev.NextActionerLinkID = next.ID
		}
	}
	return ev, nil
}

// chainOwner walks a chain of link vertices back to the entity at its head.
func (m *Manager) chainOwner(ctx context.Context, link *graph.Vertex, label string) (*graph.Vertex, error) {
	seen := map[string]bool{}
	cur := link
	for isLink(cur) {
		if seen[cur.ID] {
			return nil, nil
		}
		seen[cur.ID] = true
		prev, err := graph.First(ctx, m.tx, cur.ID, graph.In, label)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			return nil, nil
		}
		cur = prev
	}
	return cur, nil
}

func isLink(v *graph.Vertex) bool {
	return v.String(models.DebugTypeKey) == models.EventLinkDebugType
}

// Version is a snapshot of an entity taken when an event was committed.
type Version struct {
	Vertex      *graph.Vertex
	EntityID    string
	EntityClass models.EntityClass
	Data        serialize.Bundle
	// Event is the event that produced the version.
	Event *SystemEvent
}

// ID returns the version's entity id.
func (v *Version) ID() string { return registry.IDOf(v.Vertex) }

type versionJSON struct {
	ID          string             `json:"id"`
	EntityID    string             `json:"itemId"`
	EntityClass models.EntityClass `json:"itemType"`
	Data        serialize.Bundle   `json:"data"`
	Event       *SystemEvent       `json:"event,omitempty"`
}

// MarshalJSON encodes the version with its snapshot and event.
func (v *Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(versionJSON{
		ID:          v.ID(),
		EntityID:    v.EntityID,
		EntityClass: v.EntityClass,
		Data:        v.Data,
		Event:       v.Event,
	})
}

func (m *Manager) loadVersion(ctx context.Context, v *graph.Vertex) (*Version, error) {
	ver := &Version{
		Vertex:      v,
		EntityID:    v.String(models.VersionEntityIDKey),
		EntityClass: models.EntityClass(v.String(models.VersionEntityClassKey)),
	}
	if raw := v.String(models.VersionEntityDataKey); raw != "" {
		b, err := serialize.ParseBundle([]byte(raw))
		if err != nil {
			return nil, &serialize.SerializationError{ID: ver.EntityID, Err: err}
		}
		ver.Data = b
	}
	ev, err := graph.First(ctx, m.tx, v.ID, graph.Out, models.VersionHasEvent)
	if err != nil {
		return nil, fmt.Errorf("load version %s: %w", ver.ID(), err)
	}
	if ev != nil {
		if ver.Event, err = m.Load(ctx, ev); err != nil {
			return nil, err
		}
	}
	return ver, nil
}
