package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
)

// Sentinels for the access-control error taxonomy. Each wraps the httpx sentinel
// used to pick the response status.
var (
	ErrValidation = fmt.Errorf("rbac: %w", httpx.ErrValidation)
	ErrConflict   = fmt.Errorf("rbac: %w", httpx.ErrConflict)
	ErrNotFound   = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	ErrTransport  = fmt.Errorf("rbac: %w", httpx.ErrUnavailable)
)

// Conflict reasons.
const (
	ReasonDuplicateName = "duplicate_name"
	ReasonInUse         = "in_use"
	ReasonStaleVersion  = "stale_version"
)

// ValidationError reports rejected input, keyed by field.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError with a single field message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ProblemExtensions exposes the field errors in problem responses.
func (e *ValidationError) ProblemExtensions() map[string]any {
	return map[string]any{"errors": e.Fields}
}

// ConflictError reports a state conflict such as a duplicate name or a role still in use.
type ConflictError struct {
	Reason    string
	Message   string
	UserCount int64
	Version   int64
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ProblemExtensions exposes the blocking detail in problem responses.
func (e *ConflictError) ProblemExtensions() map[string]any {
	ext := map[string]any{"reason": e.Reason}
	switch e.Reason {
	case ReasonInUse:
		ext["user_count"] = e.UserCount
	case ReasonStaleVersion:
		ext["current_version"] = e.Version
	}
	return ext
}

// NotFoundError reports an unknown role, permission or user. ID is zero when the
// entity is not addressed by id.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	if e.ID == 0 {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransportError wraps a failure reaching the backing store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rbac: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// Transport wraps err as a TransportError unless it already belongs to the taxonomy.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrTransport) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
