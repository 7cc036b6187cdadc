package causalkv

import (
	"errors"

	"github.com/DobryySoul/causalkv/internal/replog"
	"github.com/DobryySoul/causalkv/internal/storage"
)

var (
	// ErrNotFound indicates that the requested key is missing or deleted.
	// Its message is exactly "NotFound".
	ErrNotFound = storage.ErrNotFound
	// ErrClosed indicates that the DB has been closed.
	ErrClosed = errors.New("causalkv: db is closed")
	// ErrNotOpen indicates that the DB has not been opened yet.
	ErrNotOpen = errors.New("causalkv: db is not open")
	// ErrTimeout indicates that the context deadline expired.
	ErrTimeout = errors.New("causalkv: operation timed out")
	// ErrCanceled indicates that the context was canceled.
	ErrCanceled = errors.New("causalkv: operation canceled")
	// ErrInvalidKey indicates an empty key.
	ErrInvalidKey = errors.New("causalkv: key cannot be empty")
	// ErrInvalidOperation indicates a batch operation of unknown type.
	ErrInvalidOperation = errors.New("invalid operation type")
)

type (
	// MergeError is reported when a remote head could not be absorbed.
	// The head is retried the next time it is gossiped.
	MergeError = replog.MergeError
	// SweepError is reported when a cache compaction failed.
	SweepError = replog.SweepError
)

// IsNotFound reports whether err signals a missing key, including errors
// from other layers carrying the "NotFound" message.
func IsNotFound(err error) bool {
	return storage.IsNotFound(err)
}
