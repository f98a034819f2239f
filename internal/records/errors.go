package records

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/knowledged/internal/filelock"
)

// Sentinel errors for record store operations.
var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord indicates a record failed validation.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrSynthesizedRecord is returned when deleting a record owned by a product.
	ErrSynthesizedRecord = errors.New("record is synthesized from a product")

	// ErrAtomicWrite indicates the temp-file-and-rename sequence failed.
	ErrAtomicWrite = errors.New("atomic write failed")

	// ErrCorrupt indicates a record file could not be decoded.
	ErrCorrupt = errors.New("record file corrupt")

	// ErrLockTimeout is re-exported so callers need not import filelock.
	ErrLockTimeout = filelock.ErrLockTimeout
)

// StorageError reports a failure reading or writing a record file.
// Lock timeouts and atomic write failures are retryable.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("records: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the operation may succeed.
func (e *StorageError) Retryable() bool {
	return errors.Is(e.Err, ErrLockTimeout) || errors.Is(e.Err, ErrAtomicWrite)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}
