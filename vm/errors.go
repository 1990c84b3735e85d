package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the attribute is absent (or tombstoned).
	ErrNotFound = errors.New("attribute not found")

	// ErrSealedShape indicates a structural change on a sealed shape.
	ErrSealedShape = errors.New("shape is sealed")

	// ErrInvalidName indicates an empty attribute name.
	ErrInvalidName = errors.New("invalid attribute name")

	// ErrReadOnlyAttribute indicates a write to a read-only slot.
	ErrReadOnlyAttribute = errors.New("attribute is read-only")

	// ErrClassObserved indicates a direct class change after inline caches
	// have seen the class.
	ErrClassObserved = errors.New("class attributes are cached; use Runtime.SetClassAttribute")

	// ErrAlreadyRewritten is returned when Rewrite runs twice on a function.
	ErrAlreadyRewritten = errors.New("function already rewritten")

	// ErrNotRewritten is returned by cache operations on a function that
	// has not been rewritten yet.
	ErrNotRewritten = errors.New("function not rewritten")

	// ErrTooManyCacheSites is returned when a function has more
	// attribute-access sites than a narrow operand can index.
	ErrTooManyCacheSites = errors.New("too many cache sites")
)

// AttributeError records a failed shape or instance operation and the
// attribute that caused it.
type AttributeError struct {
	Op    string  // operation: "find", "add", "delete", "set"
	Shape ShapeID // shape the operation started from
	Name  string  // attribute name
	Err   error   // one of the sentinel errors above
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("%s %q on shape %d: %v", e.Op, e.Name, e.Shape, e.Err)
}

func (e *AttributeError) Unwrap() error { return e.Err }

func attrError(op string, id ShapeID, name string, err error) error {
	return &AttributeError{Op: op, Shape: id, Name: name, Err: err}
}
