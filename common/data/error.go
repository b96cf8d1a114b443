package data

import (
	"errors"
	"fmt"
)

var (
	// ErrNilBatch indicates that a nil batch was passed where a batch was required.
	ErrNilBatch = errors.New("batch must be non-nil")

	// ErrInvalidShardCount indicates that a split was requested with a non-positive shard count.
	ErrInvalidShardCount = errors.New("shard count must be >= 1")
)

// MismatchError indicates that a reshard's inputs do not line up with the declared source
// layout, or that a reshard's output failed to account for every input sample. A
// MismatchError is always fatal: it signals a correctness bug rather than a transient
// failure, and the training run must not proceed past one.
type MismatchError struct {
	// Op names the operation that detected the mismatch ("reshard", "merge", "gather").
	Op string

	// Expected and Actual describe the mismatched quantity (shard count or sample count).
	Expected int
	Actual   int

	// Detail explains which quantity mismatched.
	Detail string
}

// NewMismatchError constructs a *MismatchError.
func NewMismatchError(op string, detail string, expected int, actual int) *MismatchError {
	return &MismatchError{
		Op:       op,
		Detail:   detail,
		Expected: expected,
		Actual:   actual,
	}
}

func (e *MismatchError) Error() string {
	return e.String()
}

func (e *MismatchError) String() string {
	return fmt.Sprintf("MismatchError[Op=%s,Detail=%s,Expected=%d,Actual=%d]",
		e.Op, e.Detail, e.Expected, e.Actual)
}

func (e *MismatchError) Is(other error) bool {
	var mismatchError *MismatchError
	return errors.As(other, &mismatchError)
}
