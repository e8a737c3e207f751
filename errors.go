package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/xraph/gatekeeper/store"
)

var (
	// ErrAccessDenied is returned by Enforce when a decision is a denial.
	ErrAccessDenied = errors.New("gatekeeper: access denied")

	// ErrMalformedRequest is returned for invalid input.
	ErrMalformedRequest = errors.New("gatekeeper: malformed request")

	// ErrUnknownResource is returned when no catalog row exists for the
	// requested resource type and action.
	ErrUnknownResource = fmt.Errorf("%w: unknown resource type or action", ErrMalformedRequest)

	// ErrInvalidCondition is returned when a permission condition is malformed.
	ErrInvalidCondition = fmt.Errorf("%w: invalid condition", ErrMalformedRequest)

	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("gatekeeper: not found")

	// ErrRoleNotFound is returned when a role cannot be found.
	ErrRoleNotFound = fmt.Errorf("%w: role", ErrNotFound)

	// ErrPermissionNotFound is returned when a permission cannot be found.
	ErrPermissionNotFound = fmt.Errorf("%w: permission", ErrNotFound)

	// ErrTemplateNotFound is returned when a template cannot be found.
	ErrTemplateNotFound = fmt.Errorf("%w: template", ErrNotFound)

	// ErrDuplicateIdentity is returned when a name or an active
	// (resource type, action, scope) triple is already taken.
	ErrDuplicateIdentity = errors.New("gatekeeper: duplicate identity")

	// ErrImmutableSystemEntity is returned when a system role or permission
	// would be deleted, deactivated or edited.
	ErrImmutableSystemEntity = errors.New("gatekeeper: system entity is immutable")

	// ErrInUse is returned when live references block a deactivation or delete.
	ErrInUse = errors.New("gatekeeper: entity in use")

	// ErrCycleDetected is returned when a new parent would create a cycle.
	ErrCycleDetected = errors.New("gatekeeper: role hierarchy cycle detected")

	// ErrLevelOrdering is returned when a child role would not be strictly
	// below its parent.
	ErrLevelOrdering = errors.New("gatekeeper: role level must exceed parent level")

	// ErrInvalidScopeNarrowing is returned when a grant would widen a
	// permission's scope, or a permission would narrow below its grants.
	ErrInvalidScopeNarrowing = errors.New("gatekeeper: invalid scope narrowing")

	// ErrConcurrentModification is returned when a version or revision token
	// is stale.
	ErrConcurrentModification = errors.New("gatekeeper: concurrent modification")

	// ErrStorageUnavailable is returned when the store fails. Retryable.
	ErrStorageUnavailable = errors.New("gatekeeper: storage unavailable")
)

// engineErrors are passed through translate untouched.
var engineErrors = []error{
	ErrAccessDenied,
	ErrMalformedRequest,
	ErrNotFound,
	ErrDuplicateIdentity,
	ErrImmutableSystemEntity,
	ErrInUse,
	ErrCycleDetected,
	ErrLevelOrdering,
	ErrInvalidScopeNarrowing,
	ErrConcurrentModification,
	ErrStorageUnavailable,
}

// HTTPStatus classifies err for a transport boundary.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrMalformedRequest),
		errors.Is(err, ErrImmutableSystemEntity),
		errors.Is(err, ErrCycleDetected),
		errors.Is(err, ErrLevelOrdering),
		errors.Is(err, ErrInvalidScopeNarrowing):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateIdentity),
		errors.Is(err, ErrInUse),
		errors.Is(err, ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// translate maps store sentinels onto the engine taxonomy. Anything the
// engine does not recognize is reported as a storage failure.
func translate(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range engineErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %w", ErrDuplicateIdentity, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// notFound wraps a store miss in the entity-specific sentinel and passes
// other errors to translate.
func notFound(err, sentinel error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return translate(err)
}
