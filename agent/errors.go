package agent

import (
	"github.com/pkg/errors"
)

// ErrAccelerationAsync is returned when an asynchronous optimization loop is requested for an
// agent configured with acceleration, which requires synchronized rounds.
var ErrAccelerationAsync = errors.New("accelerated agents cannot run an asynchronous optimization loop")

// PreconditionError describes a call made in violation of an agent's contract: the wrong state,
// mismatched dimensions or a missing prerequisite. Agents panic with it; it signals a caller
// defect and is never recovered inside this module.
type PreconditionError struct {
	Op  string
	Err error
}

func newPreconditionError(op, format string, args ...interface{}) *PreconditionError {
	return &PreconditionError{Op: op, Err: errors.Errorf(format, args...)}
}

func (e *PreconditionError) Error() string {
	return "precondition violated in " + e.Op + ": " + e.Err.Error()
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

func require(cond bool, op, format string, args ...interface{}) {
	if !cond {
		panic(newPreconditionError(op, format, args...))
	}
}
