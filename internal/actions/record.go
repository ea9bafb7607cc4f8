package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// ErrNoSubjects is returned by Record when a request names no subjects.
var ErrNoSubjects = errors.New("an event needs at least one subject")

// Request describes an event an outer surface asks to record.
type Request struct {
	Actioner   acl.Accessor
	EventType  models.EventType
	Subjects   []string
	LogMessage string
	// Scope is the id of the item the event is recorded in. Empty means
	// the permission scope of the first subject.
	Scope string
	// Version snapshots the first subject before the event is committed.
	Version bool
}

// Record resolves the request's subjects, checks that the actioner holds
// the permission the event type requires on each of them, and commits the
// event. Permission checks on a subject run in that subject's own scope.
func (m *Manager) Record(ctx context.Context, perms *acl.Manager, req Request) (*SystemEvent, error) {
	if !req.EventType.IsValid() {
		return nil, fmt.Errorf("record event: unknown event type %q", req.EventType)
	}
	if len(req.Subjects) == 0 {
		return nil, ErrNoSubjects
	}
	perm := req.EventType.RequiredPermission()

	ec := m.NewEventContext(req.Actioner, req.EventType, req.LogMessage)
	for _, id := range req.Subjects {
		subject, err := registry.Get(ctx, m.tx, id)
		if err != nil {
			return nil, err
		}
		scope, err := acl.ScopeOf(ctx, m.tx, subject)
		if err != nil {
			return nil, err
		}
		if err := perms.WithScope(scope).CheckEntityPermission(ctx, subject, req.Actioner, perm); err != nil {
			return nil, err
		}
		ec.AddSubjects(subject)
	}

	subjects := ec.Subjects()
	scope := acl.SystemScope
	if req.Scope != "" {
		v, err := registry.Get(ctx, m.tx, req.Scope)
		if err != nil {
			return nil, err
		}
		scope = acl.ItemScope(v)
	} else {
		s, err := acl.ScopeOf(ctx, m.tx, subjects[0])
		if err != nil {
			return nil, err
		}
		scope = s
	}
	ec.scope = scope

	if req.Version {
		var err error
		if ec, err = ec.CreateVersion(ctx, subjects[0]); err != nil {
			return nil, err
		}
	}
	return ec.Commit(ctx)
}
