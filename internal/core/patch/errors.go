package patch

import (
	"errors"
	"fmt"
)

var (
	ErrPathNotFound     = errors.New("path not found")
	ErrPathConflict     = errors.New("path already exists")
	ErrMalformed        = errors.New("malformed patch")
	ErrBaselineMismatch = errors.New("batch does not start at the baseline revision")
)

// ApplyError describes why a batch was rejected. It unwraps to one of the
// sentinel errors above, so callers branch with errors.Is.
type ApplyError struct {
	// Index of the failing operation, -1 when the batch as a whole was refused.
	Index int
	Op    Operation
	// At is the deepest path that was examined when the operation failed.
	At  Path
	Err error
}

func (e *ApplyError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("patch rejected: %v", e.Err)
	}
	return fmt.Sprintf("patch operation %d (%s) failed at %s: %v", e.Index, e.Op, e.At, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// BatchError reports a payload that is recognisably a batch but whose
// revisions or operations are malformed. Such a batch cannot be skipped like
// noise: the mirror is missing it and must resync.
type BatchError struct {
	From Revision
	To   Revision
	// Index of the offending operation, -1 when the revisions or the
	// envelope are at fault.
	Index int
	// Op and Path are taken verbatim from the offending operation.
	Op   string
	Path string
	Err  error
}

func (e *BatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed batch %d->%d: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("malformed batch %d->%d, operation %d (%q at %s): %v", e.From, e.To, e.Index, e.Op, e.Path, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// IsApplyError reports whether err came out of Apply, as opposed to a closed
// store or a similar precondition failure.
func IsApplyError(err error) bool {
	var applyErr *ApplyError
	return errors.As(err, &applyErr)
}
