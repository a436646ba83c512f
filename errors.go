package pipebuilder

import (
	"errors"
	"fmt"
)

// The two error kinds every builder failure belongs to.
var (
	// ErrInvalidType reports an argument of the wrong shape: a non-document
	// where a document is required, nil where nil is not allowed.
	ErrInvalidType = errors.New("invalid type")
	// ErrInvalidValue reports an argument of the right shape but a disallowed
	// value: a negative count, an empty required string, a bad position.
	ErrInvalidValue = errors.New("invalid value")
)

// Specific value errors. All of them match ErrInvalidValue with errors.Is.
var (
	ErrOutOfRange              = fmt.Errorf("%w: out of range", ErrInvalidValue)
	ErrEmptyPipeline           = fmt.Errorf("%w: pipeline cannot be empty", ErrInvalidValue)
	ErrConflictingOutputStages = fmt.Errorf("%w: pipeline cannot contain both $out and $merge stages", ErrInvalidValue)
	ErrTerminalStageNotLast    = fmt.Errorf("%w: terminal stage is not last", ErrInvalidValue)
	ErrDoubleWrappedGroupID    = fmt.Errorf("%w: group key wrapped in {_id: ...}", ErrInvalidValue)
	ErrEmptyGroup              = fmt.Errorf("%w: group key and accumulators cannot both be empty", ErrInvalidValue)
)

// StageError describes a failed builder operation.
type StageError struct {
	// Op is the builder method that failed, e.g. "Match" or "InsertAt".
	Op string
	// Err is one of the package sentinels.
	Err error
	// Msg is a human readable diagnostic.
	Msg string
}

func (e *StageError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("pipebuilder: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("pipebuilder: %s: %s", e.Op, e.Msg)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func typeError(op, format string, args ...any) error {
	return &StageError{Op: op, Err: ErrInvalidType, Msg: fmt.Sprintf(format, args...)}
}

func valueError(op, format string, args ...any) error {
	return &StageError{Op: op, Err: ErrInvalidValue, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(op string, sentinel error, format string, args ...any) error {
	return &StageError{Op: op, Err: sentinel, Msg: fmt.Sprintf(format, args...)}
}
