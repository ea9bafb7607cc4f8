// Package acl implements the permission model: grants, scopes, group
// membership and item access lists, and the checks built on them.
package acl

import (
	"context"
	"fmt"

	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/metrics"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// DefaultAdminGroup is the id of the group whose members are admins.
const DefaultAdminGroup = "admin"

// Manager evaluates and administers permissions inside one graph
// transaction. A Manager is bound to the Tx it was created with and must
// not outlive it.
type Manager struct {
	tx            graph.Tx
	scope         Scope
	adminGroup    string
	inheritScopes bool
}

// NewManager returns a Manager in the system scope. An empty adminGroup
// uses DefaultAdminGroup.
func NewManager(tx graph.Tx, adminGroup string) *Manager {
	if adminGroup == "" {
		adminGroup = DefaultAdminGroup
	}
	return &Manager{tx: tx, adminGroup: adminGroup}
}

// WithScope returns a copy of m that evaluates checks in scope.
func (m *Manager) WithScope(scope Scope) *Manager {
	c := *m
	c.scope = scope
	return &c
}

// WithScopeInheritance returns a copy of m under which a grant scoped to a
// permission scope above the current one also applies. Without it a scoped
// grant applies only in exactly the scopes it names.
func (m *Manager) WithScopeInheritance() *Manager {
	c := *m
	c.inheritScopes = true
	return &c
}

// Scope returns the current scope.
func (m *Manager) Scope() Scope { return m.scope }

// Groups returns every group a belongs to, directly or transitively.
func (m *Manager) Groups(ctx context.Context, a Accessor) ([]*graph.Vertex, error) {
	return groups(ctx, m.tx, a)
}

// IsAdmin reports whether a is the admin group, a transitive member of
// it, or the system accessor.
func (m *Manager) IsAdmin(ctx context.Context, a Accessor) (bool, error) {
	switch a.Kind {
	case KindSystem:
		return true, nil
	case KindAnonymous:
		return false, nil
	}
	if !a.HasVertex() {
		return false, nil
	}
	if a.Kind == KindGroup && a.ID() == m.adminGroup {
		return true, nil
	}
	gs, err := groups(ctx, m.tx, a)
	if err != nil {
		return false, err
	}
	for _, g := range gs {
		if registry.IDOf(g) == m.adminGroup {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) contentType(ctx context.Context, class models.EntityClass) (*graph.Vertex, error) {
	v, err := registry.Resolve(ctx, m.tx, string(class), models.ClassContentType)
	if registry.IsNotFound(err) {
		return nil, fmt.Errorf("%w: no content type node found for type '%s'", ErrNotProvisioned, class)
	}
	return v, err
}

func (m *Manager) permission(ctx context.Context, perm models.PermissionType) (*graph.Vertex, error) {
	v, err := registry.Resolve(ctx, m.tx, string(perm), models.ClassPermission)
	if registry.IsNotFound(err) {
		return nil, fmt.Errorf("%w: no permission found for name '%s'", ErrNotProvisioned, perm)
	}
	return v, err
}

// grantMatches reports whether grant gives perm on target.
func (m *Manager) grantMatches(ctx context.Context, grant, target, perm *graph.Vertex) (bool, error) {
	perms, err := m.tx.Vertices(ctx, grant.ID, graph.Out, models.PermissionGrantHasPermission)
	if err != nil {
		return false, err
	}
	hasPerm := false
	for _, p := range perms {
		if p.ID == perm.ID {
			hasPerm = true
			break
		}
	}
	if !hasPerm {
		return false, nil
	}
	targets, err := m.tx.Vertices(ctx, grant.ID, graph.Out, models.PermissionGrantHasTarget)
	if err != nil {
		return false, err
	}
	for _, t := range targets {
		if t.ID == target.ID {
			return true, nil
		}
	}
	return false, nil
}

// matchingGrants returns the grants a holds, directly or through groups,
// that give perm on target.
func (m *Manager) matchingGrants(ctx context.Context, a Accessor, target, perm *graph.Vertex) ([]*graph.Vertex, error) {
	grants, err := resolveGrants(ctx, m.tx, a)
	if err != nil {
		return nil, err
	}
	var out []*graph.Vertex
	for _, g := range grants {
		ok, err := m.grantMatches(ctx, g, target, perm)
		if err != nil {
			return nil, fmt.Errorf("match grant %s: %w", registry.IDOf(g), err)
		}
		if ok {
			out = append(out, g)
		}
	}
	return out, nil
}

// scopeChain returns the vertex ids a scoped grant may name to apply in the
// current scope: the scope itself, and with inheritance every permission
// scope above it.
func (m *Manager) scopeChain(ctx context.Context) (map[string]bool, error) {
	ids := map[string]bool{}
	if m.scope.IsSystem() {
		return ids, nil
	}
	ids[m.scope.item.ID] = true
	if !m.inheritScopes {
		return ids, nil
	}
	parents, err := PermissionScopes(ctx, m.tx, m.scope.item)
	if err != nil {
		return nil, err
	}
	for _, p := range parents {
		ids[p.ID] = true
	}
	return ids, nil
}

// CheckPermission returns nil if a may perform perm on entities of class
// in the current scope. Admins are always allowed. Otherwise a matching
// grant with no scopes allows, as does one naming the current scope.
func (m *Manager) CheckPermission(ctx context.Context, a Accessor, class models.EntityClass, perm models.PermissionType) error {
	metrics.Inc(metrics.PermissionChecks)
	err := m.checkPermission(ctx, a, class, perm)
	if IsPermissionDenied(err) {
		metrics.Inc(metrics.PermissionDenials)
	}
	return err
}

func (m *Manager) checkPermission(ctx context.Context, a Accessor, class models.EntityClass, perm models.PermissionType) error {
	admin, err := m.IsAdmin(ctx, a)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	ct, err := m.contentType(ctx, class)
	if err != nil {
		return err
	}
	p, err := m.permission(ctx, perm)
	if err != nil {
		return err
	}
	grants, err := m.matchingGrants(ctx, a, ct, p)
	if err != nil {
		return err
	}

	var inScope map[string]bool
	for _, g := range grants {
		scopes, err := m.tx.Vertices(ctx, g.ID, graph.Out, models.PermissionGrantHasScope)
		if err != nil {
			return fmt.Errorf("scopes of grant %s: %w", registry.IDOf(g), err)
		}
		if len(scopes) == 0 {
			return nil
		}
		if inScope == nil {
			if inScope, err = m.scopeChain(ctx); err != nil {
				return err
			}
		}
		for _, s := range scopes {
			if inScope[s.ID] {
				return nil
			}
		}
	}
	return &PermissionDeniedError{Accessor: a.ID(), Permission: perm, Scope: m.scope.ID()}
}

// CheckEntityPermission is CheckPermission for the entity's class, falling
// back to grants that target the entity itself. Scopes are not considered
// for entity-level grants.
func (m *Manager) CheckEntityPermission(ctx context.Context, entity *graph.Vertex, a Accessor, perm models.PermissionType) error {
	metrics.Inc(metrics.PermissionChecks)
	err := m.checkPermission(ctx, a, registry.ClassOf(entity), perm)
	if err == nil || !IsPermissionDenied(err) {
		return err
	}
	p, err := m.permission(ctx, perm)
	if err != nil {
		return err
	}
	grants, err := m.matchingGrants(ctx, a, entity, p)
	if err != nil {
		return err
	}
	if len(grants) > 0 {
		return nil
	}
	metrics.Inc(metrics.PermissionDenials)
	return &PermissionDeniedError{Accessor: a.ID(), Entity: registry.IDOf(entity)}
}

// CheckReadAccess returns a PermissionDeniedError if entity is not visible to a.
func (m *Manager) CheckReadAccess(ctx context.Context, entity *graph.Vertex, a Accessor) error {
	ok, err := m.CanRead(ctx, entity, a)
	if err != nil {
		return err
	}
	if !ok {
		metrics.Inc(metrics.PermissionDenials)
		return &PermissionDeniedError{Accessor: a.ID(), Entity: registry.IDOf(entity)}
	}
	return nil
}

// CheckWriteAccess requires the update permission on entity.
func (m *Manager) CheckWriteAccess(ctx context.Context, entity *graph.Vertex, a Accessor) error {
	return m.CheckEntityPermission(ctx, entity, a, models.PermUpdate)
}

// CanRead reports whether entity is visible to a.
func (m *Manager) CanRead(ctx context.Context, entity *graph.Vertex, a Accessor) (bool, error) {
	f, err := m.ReadFilter(ctx, a)
	if err != nil {
		return false, err
	}
	return f.Visible(ctx, entity)
}

// Filter decides visibility of vertices for one accessor. Build it once
// with ReadFilter and apply it to many vertices.
type Filter struct {
	tx    graph.Tx
	admin bool
	ids   map[string]bool
}

// ReadFilter returns the visibility filter for a. Admins see everything.
// Other accessors see entities with no access list, and entities whose
// access list names them or one of their groups.
func (m *Manager) ReadFilter(ctx context.Context, a Accessor) (*Filter, error) {
	admin, err := m.IsAdmin(ctx, a)
	if err != nil {
		return nil, err
	}
	f := &Filter{tx: m.tx, admin: admin, ids: map[string]bool{}}
	if admin || !a.HasVertex() {
		return f, nil
	}
	f.ids[a.Vertex.ID] = true
	gs, err := groups(ctx, m.tx, a)
	if err != nil {
		return nil, err
	}
	for _, g := range gs {
		f.ids[g.ID] = true
	}
	return f, nil
}

// Visible reports whether v passes the filter.
func (f *Filter) Visible(ctx context.Context, v *graph.Vertex) (bool, error) {
	if f.admin {
		return true, nil
	}
	accessors, err := f.tx.Vertices(ctx, v.ID, graph.Out, models.IsAccessibleTo)
	if err != nil {
		return false, fmt.Errorf("access list of %s: %w", registry.IDOf(v), err)
	}
	if len(accessors) == 0 {
		return true, nil
	}
	for _, acc := range accessors {
		if f.ids[acc.ID] {
			return true, nil
		}
	}
	return false, nil
}
