// Package serialize turns entity vertices into Bundles, the nested data
// snapshots stored in versions.
package serialize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// DefaultMaxDepth bounds how deep dependent relations are followed.
const DefaultMaxDepth = 10

// SerializationError reports an entity that could not be serialized.
type SerializationError struct {
	ID  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s: %v", e.ID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Bundle is a serialized entity with its related entities, keyed by edge label.
type Bundle struct {
	ID        string              `json:"id"`
	Type      models.EntityClass  `json:"type"`
	Data      map[string]any      `json:"data"`
	Relations map[string][]Bundle `json:"relationships,omitempty"`
}

// JSON encodes the bundle. Map keys are sorted, so equal bundles encode to
// identical bytes.
func (b Bundle) JSON() ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, &SerializationError{ID: b.ID, Err: err}
	}
	return raw, nil
}

// ParseBundle decodes a bundle produced by JSON.
func ParseBundle(raw []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return Bundle{}, fmt.Errorf("parse bundle: %w", err)
	}
	return b, nil
}

// Serializer converts vertices to bundles.
//
// With DependentOnly set only relations listed in models.DependentRelations
// are followed, which gives the self-contained form used for versions.
// Otherwise outgoing relations to other entities are included too, as
// bundles without relations of their own.
type Serializer struct {
	DependentOnly bool
	MaxDepth      int
}

// Dependent returns the serializer used for version snapshots.
func Dependent() Serializer {
	return Serializer{DependentOnly: true, MaxDepth: DefaultMaxDepth}
}

// Serialize converts v and its related entities to a Bundle.
func (s Serializer) Serialize(ctx context.Context, tx graph.Tx, v *graph.Vertex) (Bundle, error) {
	depth := s.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return s.bundle(ctx, tx, v, depth, map[string]bool{})
}

// SerializeJSON is Serialize followed by Bundle.JSON.
func (s Serializer) SerializeJSON(ctx context.Context, tx graph.Tx, v *graph.Vertex) ([]byte, error) {
	b, err := s.Serialize(ctx, tx, v)
	if err != nil {
		return nil, err
	}
	return b.JSON()
}

func (s Serializer) bundle(ctx context.Context, tx graph.Tx, v *graph.Vertex, depth int, seen map[string]bool) (Bundle, error) {
	id := registry.IDOf(v)
	if id == "" {
		return Bundle{}, &SerializationError{ID: v.ID, Err: fmt.Errorf("vertex has no %s", models.IdentifierKey)}
	}
	seen[v.ID] = true
	b := Bundle{
		ID:   id,
		Type: registry.ClassOf(v),
		Data: data(v),
	}
	if depth == 0 {
		return b, nil
	}

	for _, rel := range models.DependentRelations[b.Type] {
		dir := graph.Out
		if rel.Inbound {
			dir = graph.In
		}
		related, err := tx.Vertices(ctx, v.ID, dir, rel.Label)
		if err != nil {
			return Bundle{}, &SerializationError{ID: id, Err: err}
		}
		for _, rv := range related {
			if seen[rv.ID] {
				continue
			}
			child, err := s.bundle(ctx, tx, rv, depth-1, seen)
			if err != nil {
				return Bundle{}, err
			}
			b.addRelation(rel.Label, child)
		}
	}
	if s.DependentOnly {
		return b, nil
	}

	edges, err := tx.Edges(ctx, v.ID, graph.Out, "")
	if err != nil {
		return Bundle{}, &SerializationError{ID: id, Err: err}
	}
	for _, e := range edges {
		if structural[e.Label] || isDependent(b.Type, e.Label) || seen[e.In] {
			continue
		}
		rv, err := tx.GetVertex(ctx, e.In)
		if err != nil {
			return Bundle{}, &SerializationError{ID: id, Err: err}
		}
		if registry.IDOf(rv) == "" {
			continue
		}
		b.addRelation(e.Label, Bundle{ID: registry.IDOf(rv), Type: registry.ClassOf(rv), Data: data(rv)})
	}
	return b, nil
}

func (b *Bundle) addRelation(label string, child Bundle) {
	if b.Relations == nil {
		b.Relations = make(map[string][]Bundle)
	}
	b.Relations[label] = append(b.Relations[label], child)
}

func isDependent(class models.EntityClass, label string) bool {
	for _, rel := range models.DependentRelations[class] {
		if rel.Label == label {
			return true
		}
	}
	return false
}

// structural labels belong to the event log and are never serialized.
var structural = map[string]bool{
	models.EntityHasLifecycleEvent:    true,
	models.ActionerHasLifecycleAction: true,
	models.EntityHasPriorVersion:      true,
	models.GlobalEventStream:          true,
	models.UserWatchingItem:           true,
	models.UserFollowsUser:            true,
}

// data returns the user-visible properties of v.
func data(v *graph.Vertex) map[string]any {
	out := make(map[string]any, len(v.Props))
	for k, val := range v.Props {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = val
	}
	return out
}
