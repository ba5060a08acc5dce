package garment

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for records that do not exist or belong to
	// another user.
	ErrNotFound = errors.New("garment not found")

	// ErrIdentifierExhausted is returned when no unused garmentId could be
	// found within the attempt budget.
	ErrIdentifierExhausted = errors.New("garment id attempts exhausted")

	// ErrMissingFiles is returned when the preview or model file is absent.
	ErrMissingFiles = errors.New("both preview and model files are required")
)

// ValidationError reports a rejected create request. Field is "preview" or
// "model" when the failure is attributable to one upload slot.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// StorageError reports a blob backend failure while storing Field.
type StorageError struct {
	Field string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Field, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// PersistError reports a catalog write failure after both blobs were stored.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist garment: %v", e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}
