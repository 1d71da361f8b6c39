package kelpie

import (
	"errors"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

var (
	// ErrNotFound is returned (or wrapped) by providers when a resource
	// does not exist. Deletion primitives treat it as success.
	ErrNotFound = errors.New("not found")
	// ErrSceneDeleted signifies an operation against a deleted scene
	ErrSceneDeleted = errors.New("scene is deleted")
)

// IsNotFound is a helper to determine if the error means a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ValidationError aggregates every violation found in a topology. It is
// returned before anything is persisted or any cloud resource is touched.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	return "invalid topology: " + multierror.ListFormatFunc(e.Errors)
}

// ReservationError signifies the shared address pool could not satisfy a
// preallocation request. Nothing is reserved when it is returned.
type ReservationError struct {
	Resource string
	Want     int
	Have     int
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("insufficient %s: want %d, have %d", e.Resource, e.Want, e.Have)
}

// ProviderError wraps a failed cloud provider call with the operation that
// issued it.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func providerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Op: op, Err: err}
}
