package store

import (
	"errors"

	"github.com/aws/smithy-go"

	"github.com/jacentio/espalier/internal/keyspace"
)

var (
	// ErrCasMismatch is returned when the document changed since the supplied CAS was read.
	ErrCasMismatch = errors.New("espalier: cas mismatch")

	// ErrDocumentNotFound is returned when the document doesn't exist or has expired.
	ErrDocumentNotFound = errors.New("espalier: document not found")

	// ErrDocumentExists is returned when inserting a key that is already taken.
	ErrDocumentExists = errors.New("espalier: document already exists")

	// ErrTransactionFailed is returned when a transaction could not commit.
	ErrTransactionFailed = errors.New("espalier: transaction failed")

	// ErrUnspecified is returned for any other DynamoDB service error.
	ErrUnspecified = errors.New("espalier: unspecified store error")

	// ErrInvalidName is returned for unusable bucket, scope or collection names.
	ErrInvalidName = keyspace.ErrInvalidName

	// ErrInvalidKey is returned for empty or oversized document keys.
	ErrInvalidKey = keyspace.ErrInvalidKey
)

// Error is a store failure of one of the kinds above.
//
// Err holds the DynamoDB error that caused it and is nil when the condition was
// detected without one (a missing item on GetItem, for instance). Both the kind
// and Err are reachable through errors.Is and errors.As.
type Error struct {
	Kind error
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg += " (" + e.Op
		if e.Key != "" {
			msg += " " + e.Key
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// KindOf returns the kind sentinel of a store error, or nil for any other error.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// IsCasMismatch reports whether err is a CAS mismatch.
func IsCasMismatch(err error) bool { return errors.Is(err, ErrCasMismatch) }

// IsNotFound reports whether err is a missing document.
func IsNotFound(err error) bool { return errors.Is(err, ErrDocumentNotFound) }

// IsExists reports whether err is an insert over an existing document.
func IsExists(err error) bool { return errors.Is(err, ErrDocumentExists) }

// IsTransactionFailed reports whether err is a failed transaction.
func IsTransactionFailed(err error) bool { return errors.Is(err, ErrTransactionFailed) }

// isAPIError reports whether err was returned by the DynamoDB service.
// Anything else is not ours to classify.
func isAPIError(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr)
}

// unspecified classifies a service error that no more specific kind covers.
// Other errors are returned unmodified.
func unspecified(op, key string, err error) error {
	if isAPIError(err) {
		return newError(ErrUnspecified, op, key, err)
	}
	return err
}
