// Package errdefs defines the error taxonomy shared across the client.
// Callers branch on these with errors.Is / errors.As; everything else is
// wrapped with fmt.Errorf as usual.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRegistered is returned when an operation needs provider
	// credentials but the local config carries none.
	ErrNotRegistered = errors.New("not registered: run 'glin-client register' first")

	// ErrAlreadyRegistered is returned by register when credentials exist.
	ErrAlreadyRegistered = errors.New("provider already registered")

	// ErrShutdown marks an execution that stopped cooperatively. It is not
	// a failure; nothing is reported upstream for it.
	ErrShutdown = errors.New("shutdown in progress")
)

// AuthError is a missing or rejected credential. Never retried.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: authentication failed", e.Op)
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// StorageError covers exhausted download retries and disk I/O failures.
// A task hitting one is marked failed with no result reported.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// ProcessError is a training subprocess that could not be spawned or
// exited non-zero. Hard failure, not retried.
type ProcessError struct {
	ExitCode int
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("training process: %v", e.Err)
	}
	return fmt.Sprintf("training process exited with code %d", e.ExitCode)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// APIError is a non-success response from the backend.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed (%d): %s", e.Op, e.Status, e.Body)
}
