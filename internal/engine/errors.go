package engine

import (
	"errors"

	"briefloop/internal/repo"
)

var (
	ErrNotFound         = repo.ErrNotFound
	ErrConflict         = repo.ErrConflict
	ErrStoreUnavailable = repo.ErrUnavailable

	ErrInvalidTransition = errors.New("invalid transition")
	ErrLocked            = errors.New("intake record is locked")
	ErrInvalidInput      = errors.New("invalid input")

	// ErrSecurityMismatch is returned when a public link does not belong to the
	// record it names. Its message must not say which part disagreed.
	ErrSecurityMismatch = errors.New("brief link is not valid")

	// ErrUpstreamGeneration wraps failures of the content generation call.
	ErrUpstreamGeneration = errors.New("upstream generation failed")
)
