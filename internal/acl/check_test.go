package acl_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

func TestCheck(t *testing.T) {
	ctx := context.Background()
	s := newDemoStore(t)

	tests := []struct {
		name   string
		req    acl.CheckRequest
		want   acl.Decision
		errIs  error
		absent bool
	}{
		{
			name: "entity in its own scope",
			req:  acl.CheckRequest{Accessor: "mike", Permission: "update", Entity: "c2"},
			want: acl.Decision{Allowed: true},
		},
		{
			name: "entity outside the accessor's scopes",
			req:  acl.CheckRequest{Accessor: "mike", Permission: "update", Entity: "c3"},
			want: acl.Decision{Reason: "Permission denied accessing resource 'c3' as 'mike'"},
		},
		{
			name: "class in a named scope",
			req:  acl.CheckRequest{Accessor: "reto", Permission: "create", Class: "DocumentaryUnit", Scope: "r1"},
			want: acl.Decision{Allowed: true},
		},
		{
			name: "class in a scope below the granted one",
			req:  acl.CheckRequest{Accessor: "reto", Permission: "create", Class: "DocumentaryUnit", Scope: "c1"},
			want: acl.Decision{Reason: "Permission 'create' denied for 'reto' with scope: 'c1'"},
		},
		{
			name: "class in the system scope",
			req:  acl.CheckRequest{Accessor: "reto", Permission: "create", Class: "DocumentaryUnit"},
			want: acl.Decision{Reason: "Permission 'create' denied for 'reto' with scope: 'system'"},
		},
		{
			name: "admin",
			req:  acl.CheckRequest{Accessor: "linda", Permission: "delete", Class: "Repository"},
			want: acl.Decision{Allowed: true},
		},
		{
			name:  "unknown permission",
			req:   acl.CheckRequest{Accessor: "mike", Permission: "fly", Entity: "c1"},
			errIs: acl.ErrInvalidCheck,
		},
		{
			name:  "entity and class",
			req:   acl.CheckRequest{Accessor: "mike", Permission: "update", Entity: "c1", Class: "DocumentaryUnit"},
			errIs: acl.ErrInvalidCheck,
		},
		{
			name:  "unknown class",
			req:   acl.CheckRequest{Accessor: "mike", Permission: "update", Class: "Spaceship"},
			errIs: acl.ErrInvalidCheck,
		},
		{
			name:   "unknown accessor",
			req:    acl.CheckRequest{Accessor: "ghost", Permission: "update", Entity: "c1"},
			absent: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, s.View(ctx, func(tx graph.Tx) error {
				got, err := acl.Check(ctx, tx, acl.DefaultAdminGroup, tc.req)
				switch {
				case tc.errIs != nil:
					assert.ErrorIs(t, err, tc.errIs)
				case tc.absent:
					assert.True(t, registry.IsNotFound(err))
				default:
					require.NoError(t, err)
					assert.Equal(t, tc.want, got)
				}
				return nil
			}))
		})
	}
}
