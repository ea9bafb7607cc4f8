package acl

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// GrantPermission gives a the permission perm on target, which is either a
// content type vertex or an entity, in the manager's scope. The grant is
// recorded as made by grantee when grantee is stored. Granting a
// permission a already holds in the same scope returns the existing grant.
func (m *Manager) GrantPermission(ctx context.Context, a Accessor, target *graph.Vertex, perm models.PermissionType, grantee Accessor) (*graph.Vertex, error) {
	if !a.HasVertex() {
		return nil, fmt.Errorf("%w: cannot grant permissions to the %s accessor", ErrUnsupportedOperation, a.Kind)
	}
	p, err := m.permission(ctx, perm)
	if err != nil {
		return nil, err
	}
	existing, err := m.ownGrants(ctx, a, target, p)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	grant, err := registry.Create(ctx, m.tx, uuid.NewString(), models.ClassPermissionGrant, nil)
	if err != nil {
		return nil, fmt.Errorf("grant permission: %w", err)
	}
	links := [][2]string{
		{models.PermissionGrantHasSubject, a.Vertex.ID},
		{models.PermissionGrantHasPermission, p.ID},
		{models.PermissionGrantHasTarget, target.ID},
	}
	if !m.scope.IsSystem() {
		links = append(links, [2]string{models.PermissionGrantHasScope, m.scope.item.ID})
	}
	if grantee.HasVertex() {
		links = append(links, [2]string{models.PermissionGrantHasGrantee, grantee.Vertex.ID})
	}
	for _, l := range links {
		if _, err := m.tx.AddEdge(ctx, grant.ID, l[1], l[0]); err != nil {
			return nil, fmt.Errorf("grant permission: %w", err)
		}
	}
	return grant, nil
}

// RevokePermission removes the grants of perm on target that a holds
// directly in the manager's scope, returning how many were removed.
func (m *Manager) RevokePermission(ctx context.Context, a Accessor, target *graph.Vertex, perm models.PermissionType) (int, error) {
	if !a.HasVertex() {
		return 0, fmt.Errorf("%w: cannot revoke permissions of the %s accessor", ErrUnsupportedOperation, a.Kind)
	}
	p, err := m.permission(ctx, perm)
	if err != nil {
		return 0, err
	}
	grants, err := m.ownGrants(ctx, a, target, p)
	if err != nil {
		return 0, err
	}
	for _, g := range grants {
		if err := m.tx.RemoveVertex(ctx, g.ID); err != nil {
			return 0, fmt.Errorf("revoke permission: %w", err)
		}
	}
	return len(grants), nil
}

// ownGrants returns a's direct grants of perm on target whose scopes are
// exactly the manager's scope.
func (m *Manager) ownGrants(ctx context.Context, a Accessor, target, perm *graph.Vertex) ([]*graph.Vertex, error) {
	held, err := m.tx.Vertices(ctx, a.Vertex.ID, graph.In, models.PermissionGrantHasSubject)
	if err != nil {
		return nil, fmt.Errorf("grants of %s: %w", a.ID(), err)
	}
	var out []*graph.Vertex
	for _, g := range held {
		ok, err := m.grantMatches(ctx, g, target, perm)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		scopes, err := m.tx.Vertices(ctx, g.ID, graph.Out, models.PermissionGrantHasScope)
		if err != nil {
			return nil, err
		}
		if m.scope.IsSystem() && len(scopes) == 0 ||
			!m.scope.IsSystem() && len(scopes) == 1 && scopes[0].ID == m.scope.item.ID {
			out = append(out, g)
		}
	}
	return out, nil
}

// Accessors returns the access list of entity. An empty list means the
// entity is visible to everyone.
func (m *Manager) Accessors(ctx context.Context, entity *graph.Vertex) ([]*graph.Vertex, error) {
	return m.tx.Vertices(ctx, entity.ID, graph.Out, models.IsAccessibleTo)
}

// SetAccessors replaces the access list of entity. With no accessors the
// entity becomes visible to everyone.
func (m *Manager) SetAccessors(ctx context.Context, entity *graph.Vertex, accessors ...Accessor) error {
	for _, a := range accessors {
		if !a.HasVertex() {
			return fmt.Errorf("%w: the %s accessor cannot be on an access list", ErrUnsupportedOperation, a.Kind)
		}
	}
	edges, err := m.tx.Edges(ctx, entity.ID, graph.Out, models.IsAccessibleTo)
	if err != nil {
		return fmt.Errorf("set accessors: %w", err)
	}
	for _, e := range edges {
		if err := m.tx.RemoveEdge(ctx, e.ID); err != nil {
			return fmt.Errorf("set accessors: %w", err)
		}
	}
	added := map[string]bool{}
	for _, a := range accessors {
		if added[a.Vertex.ID] {
			continue
		}
		added[a.Vertex.ID] = true
		if _, err := m.tx.AddEdge(ctx, entity.ID, a.Vertex.ID, models.IsAccessibleTo); err != nil {
			return fmt.Errorf("set accessors: %w", err)
		}
	}
	return nil
}

// AddScopeAccessor adds a to the access list of a scope item. The system
// scope has no access list.
func (m *Manager) AddScopeAccessor(ctx context.Context, scope Scope, a Accessor) error {
	if scope.IsSystem() {
		return fmt.Errorf("%w: cannot add accessors to the system scope", ErrUnsupportedOperation)
	}
	if !a.HasVertex() {
		return fmt.Errorf("%w: the %s accessor cannot be on an access list", ErrUnsupportedOperation, a.Kind)
	}
	return m.link(ctx, scope.item, a.Vertex, models.IsAccessibleTo)
}

// RemoveScopeAccessor removes a from the access list of a scope item.
func (m *Manager) RemoveScopeAccessor(ctx context.Context, scope Scope, a Accessor) error {
	if scope.IsSystem() {
		return fmt.Errorf("%w: cannot remove accessors from the system scope", ErrUnsupportedOperation)
	}
	if !a.HasVertex() {
		return nil
	}
	return m.unlink(ctx, scope.item, a.Vertex, models.IsAccessibleTo)
}

// AddToGroup makes member belong to group. Adding an existing member is a no-op.
func (m *Manager) AddToGroup(ctx context.Context, group, member Accessor) error {
	if group.Kind != KindGroup || !group.HasVertex() || !member.HasVertex() {
		return fmt.Errorf("%w: add %s to %s", ErrUnsupportedOperation, member.Kind, group.Kind)
	}
	if group.Vertex.ID == member.Vertex.ID {
		return fmt.Errorf("%w: group %s cannot contain itself", ErrUnsupportedOperation, group.ID())
	}
	return m.link(ctx, member.Vertex, group.Vertex, models.AccessorBelongsToGroup)
}

// RemoveFromGroup removes member from group.
func (m *Manager) RemoveFromGroup(ctx context.Context, group, member Accessor) error {
	if group.Kind != KindGroup || !group.HasVertex() || !member.HasVertex() {
		return fmt.Errorf("%w: remove %s from %s", ErrUnsupportedOperation, member.Kind, group.Kind)
	}
	return m.unlink(ctx, member.Vertex, group.Vertex, models.AccessorBelongsToGroup)
}

func (m *Manager) link(ctx context.Context, from, to *graph.Vertex, label string) error {
	edges, err := m.tx.Edges(ctx, from.ID, graph.Out, label)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.In == to.ID {
			return nil
		}
	}
	_, err = m.tx.AddEdge(ctx, from.ID, to.ID, label)
	return err
}

func (m *Manager) unlink(ctx context.Context, from, to *graph.Vertex, label string) error {
	edges, err := m.tx.Edges(ctx, from.ID, graph.Out, label)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.In == to.ID {
			if err := m.tx.RemoveEdge(ctx, e.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// GlobalPermissionSet is the content-type permission matrix held by one
// accessor through unscoped grants.
type GlobalPermissionSet struct {
	Accessor    string                                        `json:"accessor"`
	Permissions map[models.EntityClass][]models.PermissionType `json:"permissions"`
}

// InheritedGlobalPermissions returns the global permissions of a followed
// by those of each group it belongs to. Admins hold every permission.
func (m *Manager) InheritedGlobalPermissions(ctx context.Context, a Accessor) ([]GlobalPermissionSet, error) {
	admin, err := m.IsAdmin(ctx, a)
	if err != nil {
		return nil, err
	}
	if admin {
		all := make(map[models.EntityClass][]models.PermissionType, len(models.ContentTypes))
		for _, ct := range models.ContentTypes {
			all[ct] = slices.Clone(models.ValidPermissionTypes)
		}
		return []GlobalPermissionSet{{Accessor: a.ID(), Permissions: all}}, nil
	}
	if !a.HasVertex() {
		return []GlobalPermissionSet{{Accessor: a.ID(), Permissions: map[models.EntityClass][]models.PermissionType{}}}, nil
	}

	gs, err := groups(ctx, m.tx, a)
	if err != nil {
		return nil, err
	}
	holders := append([]*graph.Vertex{a.Vertex}, gs...)
	sets := make([]GlobalPermissionSet, 0, len(holders))
	for _, h := range holders {
		perms, err := m.globalPermissions(ctx, h)
		if err != nil {
			return nil, err
		}
		sets = append(sets, GlobalPermissionSet{Accessor: registry.IDOf(h), Permissions: perms})
	}
	return sets, nil
}

func (m *Manager) globalPermissions(ctx context.Context, holder *graph.Vertex) (map[models.EntityClass][]models.PermissionType, error) {
	out := map[models.EntityClass][]models.PermissionType{}
	held, err := m.tx.Vertices(ctx, holder.ID, graph.In, models.PermissionGrantHasSubject)
	if err != nil {
		return nil, err
	}
	for _, g := range held {
		scopes, err := m.tx.Vertices(ctx, g.ID, graph.Out, models.PermissionGrantHasScope)
		if err != nil {
			return nil, err
		}
		if len(scopes) > 0 {
			continue
		}
		targets, err := m.tx.Vertices(ctx, g.ID, graph.Out, models.PermissionGrantHasTarget)
		if err != nil {
			return nil, err
		}
		perms, err := m.tx.Vertices(ctx, g.ID, graph.Out, models.PermissionGrantHasPermission)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			if registry.ClassOf(t) != models.ClassContentType {
				continue
			}
			ct := models.EntityClass(registry.IDOf(t))
			for _, p := range perms {
				pt := models.PermissionType(registry.IDOf(p))
				if !slices.Contains(out[ct], pt) {
					out[ct] = append(out[ct], pt)
				}
			}
		}
	}
	for ct := range out {
		slices.SortFunc(out[ct], func(x, y models.PermissionType) int {
			return slices.Index(models.ValidPermissionTypes, x) - slices.Index(models.ValidPermissionTypes, y)
		})
	}
	return out, nil
}
