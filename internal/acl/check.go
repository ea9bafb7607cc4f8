package acl

import (
	"context"
	"errors"
	"fmt"

	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// ErrInvalidCheck is returned by Check for malformed requests.
var ErrInvalidCheck = errors.New("invalid permission check")

// CheckRequest names a permission check by ids. Exactly one of Entity and
// Class is set. An empty Scope means the entity's own permission scope, or
// the system scope for class checks.
type CheckRequest struct {
	Accessor   string
	Permission string
	Entity     string
	Class      string
	Scope      string
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Check resolves req and runs it. A denial is a Decision, not an error.
func Check(ctx context.Context, tx graph.Tx, adminGroup string, req CheckRequest) (Decision, error) {
	perm := models.PermissionType(req.Permission)
	if !perm.IsValid() {
		return Decision{}, fmt.Errorf("%w: unknown permission %q", ErrInvalidCheck, req.Permission)
	}
	if (req.Entity == "") == (req.Class == "") {
		return Decision{}, fmt.Errorf("%w: exactly one of entity and class is required", ErrInvalidCheck)
	}
	a, err := ResolveAccessor(ctx, tx, req.Accessor)
	if err != nil {
		return Decision{}, err
	}

	m := NewManager(tx, adminGroup)
	if req.Scope != "" {
		v, err := registry.Get(ctx, tx, req.Scope)
		if err != nil {
			return Decision{}, err
		}
		m = m.WithScope(ItemScope(v))
	}

	if req.Entity != "" {
		entity, err := registry.Get(ctx, tx, req.Entity)
		if err != nil {
			return Decision{}, err
		}
		if req.Scope == "" {
			scope, err := ScopeOf(ctx, tx, entity)
			if err != nil {
				return Decision{}, err
			}
			m = m.WithScope(scope)
		}
		err = m.CheckEntityPermission(ctx, entity, a, perm)
		return decide(err)
	}

	class, ok := models.ParseEntityClass(req.Class)
	if !ok {
		return Decision{}, fmt.Errorf("%w: unknown class %q", ErrInvalidCheck, req.Class)
	}
	return decide(m.CheckPermission(ctx, a, class, perm))
}

func decide(err error) (Decision, error) {
	switch {
	case err == nil:
		return Decision{Allowed: true}, nil
	case IsPermissionDenied(err):
		return Decision{Reason: err.Error()}, nil
	default:
		return Decision{}, err
	}
}
