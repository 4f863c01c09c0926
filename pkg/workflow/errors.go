package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/me/invokeflow/pkg/field"
)

var (
	// ErrInvalidDefinition indicates a malformed workflow document.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrUnknownFieldReference indicates a form entry pointing at a node or
	// field that does not exist.
	ErrUnknownFieldReference = errors.New("unknown field reference")

	// ErrValidation is matched by ValidationError.
	ErrValidation = errors.New("workflow input validation failed")

	// ErrTypeLock is matched by TypeLockError.
	ErrTypeLock = errors.New("field type is locked")

	// ErrLocationResolution is matched by LocationError.
	ErrLocationResolution = errors.New("location descriptor did not resolve")

	// ErrInputIndex indicates an input index outside the indexed range.
	ErrInputIndex = errors.New("input index out of range")
)

// ValidationError aggregates every problem found across all inputs,
// keyed by input index.
type ValidationError struct {
	Problems map[int][]string
}

func (e *ValidationError) Error() string {
	indices := SortedProblemIndices(e.Problems)
	parts := make([]string, 0, len(indices))
	for _, i := range indices {
		parts = append(parts, fmt.Sprintf("[%d] %s", i, strings.Join(e.Problems[i], ", ")))
	}
	return fmt.Sprintf("%d invalid input(s): %s", len(indices), strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TypeLockError reports an attempt to replace an input's field with one of
// a different variant.
type TypeLockError struct {
	Index  int
	Label  string
	Locked field.Kind
	Got    field.Kind
}

func (e *TypeLockError) Error() string {
	return fmt.Sprintf("input %d (%s) is locked to %s, cannot assign %s field", e.Index, e.Label, e.Locked, e.Got)
}

func (e *TypeLockError) Is(target error) bool {
	return target == ErrTypeLock
}

// LocationError reports a location descriptor that failed to resolve. It
// always indicates a consistency bug between the inputs and the document.
type LocationError struct {
	Location Location
	Step     int
	Reason   string
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("resolve %s at step %d: %s", e.Location, e.Step, e.Reason)
}

func (e *LocationError) Is(target error) bool {
	return target == ErrLocationResolution
}
