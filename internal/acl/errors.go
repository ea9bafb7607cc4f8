package acl

import (
	"errors"
	"fmt"

	"github.com/dumbbond/ehri-rest/internal/models"
)

var (
	// ErrUnsupportedOperation is returned for operations that make no sense
	// on the system scope or on accessors that are not stored.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrNotProvisioned is returned when a content type or permission vertex
	// is missing. It means the graph was not initialised, not that access
	// is denied.
	ErrNotProvisioned = errors.New("permission model not provisioned")
)

// PermissionDeniedError is returned when an accessor may not perform an
// operation. Either Entity or Permission and Scope are set.
type PermissionDeniedError struct {
	Accessor   string
	Entity     string
	Permission models.PermissionType
	Scope      string
}

func (e *PermissionDeniedError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("Permission denied accessing resource '%s' as '%s'", e.Entity, e.Accessor)
	}
	return fmt.Sprintf("Permission '%s' denied for '%s' with scope: '%s'", e.Permission, e.Accessor, e.Scope)
}

// IsPermissionDenied reports whether err is a *PermissionDeniedError.
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}
