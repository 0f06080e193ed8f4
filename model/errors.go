package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned by NewConfig for unusable options.
	ErrInvalidConfig = errors.New("espalier: invalid model config")

	// ErrUpdatedAtNotConfigured is returned when a replace asks for updatedAt
	// handling on a model without an updatedAt field.
	ErrUpdatedAtNotConfigured = errors.New("espalier: updatedAt field is not configured")

	// ErrConflictingUpdatedAt is returned when a replace both sets updatedAt
	// and asks to preserve it.
	ErrConflictingUpdatedAt = errors.New("espalier: updatedAt is set but preserveUpdatedAt is true")

	// ErrDocumentRemoved is returned when mutating a handle whose document it removed.
	ErrDocumentRemoved = errors.New("espalier: document has been removed")

	// ErrUnknownModel is returned by TxModel for names that were not bound to the transaction.
	ErrUnknownModel = errors.New("espalier: unknown transactional model")
)

// ValidationError is returned when content does not satisfy a model's schema,
// either when parsing a fetched document or when encoding one for writing.
type ValidationError struct {
	Type string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("espalier: %s failed validation: %v", e.Type, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
