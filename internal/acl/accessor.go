package acl

import (
	"context"
	"fmt"

	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// AccessorKind discriminates the accessor variants.
type AccessorKind int

const (
	// KindAnonymous is an unauthenticated caller. It holds no grants.
	KindAnonymous AccessorKind = iota
	// KindUser is a UserProfile vertex.
	KindUser
	// KindGroup is a Group vertex.
	KindGroup
	// KindSystem is the system itself, which is always allowed.
	KindSystem
)

func (k AccessorKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	case KindSystem:
		return "system"
	default:
		return "anonymous"
	}
}

// Accessor is anything that can hold permissions or be credited with an
// action. User and group accessors carry their vertex. The zero value is
// the anonymous accessor.
type Accessor struct {
	Kind   AccessorKind
	Vertex *graph.Vertex
}

var (
	// Anonymous is the accessor for unauthenticated requests.
	Anonymous = Accessor{Kind: KindAnonymous}
	// System is the accessor for operations the system performs itself.
	System = Accessor{Kind: KindSystem}
)

// AccessorFor wraps a UserProfile or Group vertex.
func AccessorFor(v *graph.Vertex) (Accessor, error) {
	switch registry.ClassOf(v) {
	case models.ClassUserProfile:
		return Accessor{Kind: KindUser, Vertex: v}, nil
	case models.ClassGroup:
		return Accessor{Kind: KindGroup, Vertex: v}, nil
	default:
		return Accessor{}, fmt.Errorf("%s (%s) is not an accessor", registry.IDOf(v), registry.ClassOf(v))
	}
}

// ResolveAccessor looks up an accessor by id. The empty id and
// models.AnonymousUserID give the anonymous accessor.
func ResolveAccessor(ctx context.Context, tx graph.Tx, id string) (Accessor, error) {
	if id == "" || id == models.AnonymousUserID {
		return Anonymous, nil
	}
	v, err := registry.Get(ctx, tx, id)
	if err != nil {
		return Accessor{}, err
	}
	if !registry.ClassOf(v).IsAccessor() {
		return Accessor{}, &registry.ItemNotFoundError{ID: id, Class: models.ClassUserProfile}
	}
	return AccessorFor(v)
}

// ID returns the accessor's entity id.
func (a Accessor) ID() string {
	switch a.Kind {
	case KindAnonymous:
		return models.AnonymousUserID
	case KindSystem:
		return SystemScopeID
	default:
		return registry.IDOf(a.Vertex)
	}
}

// HasVertex reports whether the accessor is stored in the graph.
func (a Accessor) HasVertex() bool {
	return (a.Kind == KindUser || a.Kind == KindGroup) && a.Vertex != nil
}

func (a Accessor) String() string { return a.ID() }

// groups returns every group a belongs to, directly or through other
// groups. Membership cycles are tolerated.
func groups(ctx context.Context, tx graph.Tx, a Accessor) ([]*graph.Vertex, error) {
	if !a.HasVertex() {
		return nil, nil
	}
	var out []*graph.Vertex
	seen := map[string]bool{a.Vertex.ID: true}
	queue := []*graph.Vertex{a.Vertex}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		parents, err := tx.Vertices(ctx, cur.ID, graph.Out, models.AccessorBelongsToGroup)
		if err != nil {
			return nil, fmt.Errorf("groups of %s: %w", a.ID(), err)
		}
		for _, p := range parents {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
			queue = append(queue, p)
		}
	}
	return out, nil
}

// resolveGrants returns the grant vertices held by a and by every group it
// belongs to.
func resolveGrants(ctx context.Context, tx graph.Tx, a Accessor) ([]*graph.Vertex, error) {
	switch a.Kind {
	case KindAnonymous, KindSystem:
		return nil, nil
	}
	if a.Vertex == nil {
		return nil, nil
	}
	gs, err := groups(ctx, tx, a)
	if err != nil {
		return nil, err
	}
	var grants []*graph.Vertex
	for _, holder := range append([]*graph.Vertex{a.Vertex}, gs...) {
		held, err := tx.Vertices(ctx, holder.ID, graph.In, models.PermissionGrantHasSubject)
		if err != nil {
			return nil, fmt.Errorf("grants of %s: %w", registry.IDOf(holder), err)
		}
		grants = append(grants, held...)
	}
	return grants, nil
}
