package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"

	"github.com/slok/pkgworker/internal/model"
)

var (
	// ErrCancelled is returned when a transaction is stopped by its cancellation signal.
	ErrCancelled = errors.New("operation was cancelled")
	// ErrAlreadyInstalled is returned when installing a ref that is already deployed.
	ErrAlreadyInstalled = errors.New("already installed")
	// ErrNotInstalled is returned when removing or updating a ref that isn't deployed.
	ErrNotInstalled = errors.New("not installed")
	// ErrRefNotFound is returned when a ref is not present on a remote.
	ErrRefNotFound = errors.New("ref not found")
	// ErrRemoteNotFound is returned when a remote is not configured.
	ErrRemoteNotFound = errors.New("remote not found")
	// ErrInvalidStore is returned when a location has no valid package store.
	ErrInvalidStore = errors.New("invalid package store")
)

// RuntimeNotFoundError is returned when a dependent runtime can't be located in any remote.
type RuntimeNotFoundError struct {
	Runtime string
	// Ref is the ref requiring the runtime.
	Ref string
}

func (e *RuntimeNotFoundError) Error() string {
	return fmt.Sprintf("runtime %s required by %s not found in any remote", e.Runtime, e.Ref)
}

// NetworkError is a transport failure while accessing a remote.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("could not reach %s: %s", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ClassifyError maps a transaction error onto the task error taxonomy. A runtime
// missing from every remote is only distinguished while simulating.
func ClassifyError(err error, dryRun bool) model.TaskError {
	msg := err.Error()

	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return model.TaskError{Kind: model.ErrorKindCancelled, Message: msg}
	}

	var rtErr *RuntimeNotFoundError
	if dryRun && errors.As(err, &rtErr) {
		return model.TaskError{Kind: model.ErrorKindDryRunRuntimeNotFound, Message: msg, Ref: rtErr.Runtime}
	}

	var netErr *NetworkError
	var stdNetErr net.Error
	if errors.As(err, &netErr) || errors.As(err, &stdNetErr) {
		return model.TaskError{Kind: model.ErrorKindNetwork, Message: msg}
	}

	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrShortWrite) {
		return model.TaskError{Kind: model.ErrorKindIO, Message: msg}
	}

	return model.TaskError{Kind: model.ErrorKindBackend, Message: msg}
}
