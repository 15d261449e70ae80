package repo

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrInvalidQuery marks filter or sort input outside the allow-lists.
	ErrInvalidQuery = errors.New("invalid query")
)

// NotFoundError names the resource kind and every id that was missing.
type NotFoundError struct {
	Resource string
	IDs      []string
}

func (e *NotFoundError) Error() string {
	switch len(e.IDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %s not found", e.Resource, e.IDs[0])
	default:
		return fmt.Sprintf("%ss not found: %s", e.Resource, strings.Join(e.IDs, ", "))
	}
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func NotFound(resource string, ids ...string) error {
	return &NotFoundError{Resource: resource, IDs: ids}
}

// QueryError reports a rejected filter or sort field.
type QueryError struct {
	Kind  string
	Field string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid %s field: %s", e.Kind, e.Field)
}

func (e *QueryError) Is(target error) bool {
	return target == ErrInvalidQuery
}
