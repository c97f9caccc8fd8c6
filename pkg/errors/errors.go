// Package errors holds the storage-level sentinels shared by every
// repository backend and the HTTP error mapping.
package errors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrEmptyKey     = errors.New("empty key")
	ErrInvalidData  = errors.New("invalid data type")
	ErrEntityExists = errors.New("entity already exists")
	// ErrMalformedEntity reports a stored record that no longer decodes.
	ErrMalformedEntity = errors.New("malformed stored entity")
)
