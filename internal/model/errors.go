package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrNotCancellable is returned when cancelling a task that can't be cancelled.
	ErrNotCancellable = errors.New("not cancellable")
)

// ErrorKind is the classification of a task failure.
type ErrorKind string

const (
	// ErrorKindIO is a filesystem or local transport failure.
	ErrorKindIO ErrorKind = "io"
	// ErrorKindCancelled is an operation stopped through cooperative cancellation.
	ErrorKindCancelled ErrorKind = "cancelled"
	// ErrorKindBackend is a generic failure surfaced by the transaction backend.
	ErrorKindBackend ErrorKind = "backend"
	// ErrorKindDryRunRuntimeNotFound is a dependent runtime missing from every remote
	// while simulating a transaction.
	ErrorKindDryRunRuntimeNotFound ErrorKind = "dry-run-runtime-not-found"
	// ErrorKindNetwork is a transport-level failure while accessing a remote.
	ErrorKindNetwork ErrorKind = "network"
)

// TaskError is the classified and serializable failure of a task.
type TaskError struct {
	Kind    ErrorKind
	Message string
	// Ref is the package reference the error concerns, only set for
	// ErrorKindDryRunRuntimeNotFound.
	Ref string
}

func (e TaskError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Ref)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
