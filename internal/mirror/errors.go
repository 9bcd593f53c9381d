package mirror

import (
	"errors"
	"io/fs"
	"syscall"
)

// Sentinel errors returned by the resolver, visibility filter and lister.
// Handlers translate these into HTTP statuses at the boundary.
var (
	// ErrAccessDenied signals a namespace or permission violation.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound signals a path that does not exist, or one that must
	// not reveal its existence to the caller.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded signals a rejected upload admission.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// MapIOError translates a filesystem error into the sentinel taxonomy.
// Unrecognized errors pass through unchanged and surface as internal errors.
func MapIOError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrAccessDenied
	case errors.Is(err, syscall.ENOSPC):
		return ErrQuotaExceeded
	default:
		return err
	}
}
