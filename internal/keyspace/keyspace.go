// Package keyspace derives the partition keys under which documents are stored.
//
// A bucket maps to one DynamoDB table. Scopes and collections are not tables of
// their own: they are prefixes of the partition key, so a single table holds every
// collection of a bucket.
package keyspace

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxKeyLength is the longest document key accepted, in bytes.
	MaxKeyLength = 250

	// MaxNameLength is the longest scope or collection name accepted.
	MaxNameLength = 251

	// DefaultName is the name of the default scope and collection.
	DefaultName = "_default"

	separator = "/"
)

var (
	// ErrInvalidName is returned for scope or collection names that cannot be encoded.
	ErrInvalidName = errors.New("espalier: invalid scope or collection name")

	// ErrInvalidKey is returned for empty or oversized document keys.
	ErrInvalidKey = errors.New("espalier: invalid document key")
)

// ValidateName checks a scope or collection name.
// Names use [A-Za-z0-9_%-] and may not start with '_' or '%', except DefaultName.
func ValidateName(name string) error {
	if name == DefaultName {
		return nil
	}
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q has length %d", ErrInvalidName, name, len(name))
	}
	if name[0] == '_' || name[0] == '%' {
		return fmt.Errorf("%w: %q starts with %q", ErrInvalidName, name, name[0])
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '%':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}
	return nil
}

// ValidateKey checks a document key.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	return nil
}

// Prefix returns the partition key prefix shared by every document of a collection.
func Prefix(scope, collection string) string {
	return scope + separator + collection + separator
}

// PartitionKey computes the partition key for a document.
// Scope and collection names never contain the separator, so the key may.
func PartitionKey(scope, collection, key string) string {
	return Prefix(scope, collection) + key
}

// Split reverses PartitionKey.
func Split(pk string) (scope, collection, key string, ok bool) {
	parts := strings.SplitN(pk, separator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
