package replog

import (
	"errors"
	"fmt"

	"github.com/DobryySoul/causalkv/internal/cid"
)

var (
	// ErrClosed is returned for operations on a stopped log.
	ErrClosed = errors.New("replog: log is closed")
	// ErrIteratorEnded is returned by Next on an iterator that was closed.
	ErrIteratorEnded = errors.New("replog: iterator ended")
)

// MergeError reports a failure while absorbing one remote head.
// Processing the same head again is safe.
type MergeError struct {
	Head cid.ID
	Err  error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("replog: merge remote head %s: %v", e.Head, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

// SweepError reports a failed cache compaction. The candidates are kept
// and retried on the next sweep.
type SweepError struct {
	Pending int
	Err     error
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("replog: gc sweep of %d entries: %v", e.Pending, e.Err)
}

func (e *SweepError) Unwrap() error {
	return e.Err
}
