package acl

import (
	"context"
	"fmt"

	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// SystemScopeID is the id reported for the system scope.
const SystemScopeID = "system"

// Scope is the container a permission check or an action is evaluated in.
// The zero value is the system scope, which is not stored in the graph.
type Scope struct {
	item *graph.Vertex
}

// SystemScope is the default scope.
var SystemScope = Scope{}

// ItemScope returns the scope of an entity vertex. A nil vertex is the
// system scope.
func ItemScope(v *graph.Vertex) Scope {
	return Scope{item: v}
}

// IsSystem reports whether s is the system scope.
func (s Scope) IsSystem() bool { return s.item == nil }

// Vertex returns the scope's vertex, or nil for the system scope.
func (s Scope) Vertex() *graph.Vertex { return s.item }

// ID returns the entity id of the scope, or SystemScopeID.
func (s Scope) ID() string {
	if s.item == nil {
		return SystemScopeID
	}
	return registry.IDOf(s.item)
}

// Equal compares scopes by vertex identity.
func (s Scope) Equal(o Scope) bool {
	if s.item == nil || o.item == nil {
		return s.item == nil && o.item == nil
	}
	return s.item.ID == o.item.ID
}

func (s Scope) String() string { return s.ID() }

// PermissionScopes returns the chain of permission scopes above v, nearest
// first, following hasPermissionScope edges. Cycles end the walk.
func PermissionScopes(ctx context.Context, tx graph.Tx, v *graph.Vertex) ([]*graph.Vertex, error) {
	var chain []*graph.Vertex
	seen := map[string]bool{v.ID: true}
	cur := v
	for {
		parent, err := graph.First(ctx, tx, cur.ID, graph.Out, models.HasPermissionScope)
		if err != nil {
			return nil, fmt.Errorf("permission scopes of %s: %w", registry.IDOf(v), err)
		}
		if parent == nil || seen[parent.ID] {
			return chain, nil
		}
		seen[parent.ID] = true
		chain = append(chain, parent)
		cur = parent
	}
}

// ScopeOf returns the immediate permission scope of an entity, or the
// system scope if it has none.
func ScopeOf(ctx context.Context, tx graph.Tx, v *graph.Vertex) (Scope, error) {
	parent, err := graph.First(ctx, tx, v.ID, graph.Out, models.HasPermissionScope)
	if err != nil {
		return SystemScope, fmt.Errorf("permission scope of %s: %w", registry.IDOf(v), err)
	}
	return ItemScope(parent), nil
}

// SetPermissionScope makes scope the permission scope of v, replacing any
// previous one. The system scope clears it.
func SetPermissionScope(ctx context.Context, tx graph.Tx, v *graph.Vertex, scope Scope) error {
	edges, err := tx.Edges(ctx, v.ID, graph.Out, models.HasPermissionScope)
	if err != nil {
		return fmt.Errorf("set permission scope: %w", err)
	}
	for _, e := range edges {
		if err := tx.RemoveEdge(ctx, e.ID); err != nil {
			return fmt.Errorf("set permission scope: %w", err)
		}
	}
	if scope.IsSystem() {
		return nil
	}
	if scope.item.ID == v.ID {
		return fmt.Errorf("set permission scope: %s cannot be its own scope", registry.IDOf(v))
	}
	if _, err := tx.AddEdge(ctx, v.ID, scope.item.ID, models.HasPermissionScope); err != nil {
		return fmt.Errorf("set permission scope: %w", err)
	}
	return nil
}
