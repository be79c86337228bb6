package storage

import "errors"

var (
	// ErrNotFound marks a missing artifact that callers must handle.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks unsafe path tokens or malformed persisted data.
	ErrValidation = errors.New("validation failed")
	// ErrStorage marks IO failures and atomic-write rename failures.
	ErrStorage = errors.New("storage failure")
	// ErrLockTimeout marks a file lock that could not be acquired in time.
	ErrLockTimeout = errors.New("file lock timeout")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNotFound reports whether err wraps the missing-artifact sentinel.
func IsNotFound(err error) bool { return isNotFound(err) }

// IsValidation reports whether err wraps the validation sentinel.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
