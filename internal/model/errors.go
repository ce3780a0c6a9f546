package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable aborts a run before any remote mutation.
	ErrSourceUnavailable = errors.New("entry source unavailable")
	// ErrStoreUnavailable marks a batch call that never reached the store.
	ErrStoreUnavailable = errors.New("calendar store unavailable")
	ErrInvalidWindow    = errors.New("invalid sync window")
	// ErrNoHistory means the configured store does not record runs.
	ErrNoHistory = errors.New("calendar store keeps no run history")
)

// ValidationError reports a RawEntry that cannot be classified.
type ValidationError struct {
	Entry RawEntry
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid entry %q (date=%q): %s: %v", e.Entry.Title, e.Entry.Date, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BatchPartialFailure summarizes the remote mutations of a run that failed.
type BatchPartialFailure struct {
	Attempted int
	Failed    int
	Titles    []string
}

func (e *BatchPartialFailure) Error() string {
	return fmt.Sprintf("%d of %d calendar mutations failed", e.Failed, e.Attempted)
}
