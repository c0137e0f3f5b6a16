// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

package namedsql

import (
	"database/sql"
	"fmt"

	"github.com/gregalcback/namedsql/internal/bind"
	"github.com/gregalcback/namedsql/internal/template"
)

var ErrNoRows = sql.ErrNoRows
var ErrTXDone = sql.ErrTxDone

// MalformedTemplateError reports broken placeholder syntax, surfaced at
// parse time before any parameter resolution.
type MalformedTemplateError = template.MalformedTemplateError

// MissingParameterError reports a placeholder name absent from the supplied
// sources, surfaced before any backend interaction.
type MissingParameterError = bind.MissingParameterError

// InconsistentArityError reports a tuple-sequence parameter whose tuples
// have differing arity, surfaced before any backend interaction.
type InconsistentArityError = bind.InconsistentArityError

// BindingError reports a parameter value that cannot be bound, carrying the
// failing 1-based marker position.
type BindingError = bind.BindingError

// ExecutionError wraps a failure signalled by the backend while preparing or
// executing a statement, including cancellation and timeouts. It is returned
// only after statement and cursor resources have been released.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("cannot execute statement: %s", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ColumnCountError reports a result set whose column count violates the
// requested extraction shape.
type ColumnCountError struct {
	Expected int
	Actual   int
}

func (e *ColumnCountError) Error() string {
	return fmt.Sprintf("expected %d result column(s), got %d", e.Expected, e.Actual)
}

// IncorrectResultSizeError reports a result set whose row count violates the
// requested extraction shape.
type IncorrectResultSizeError struct {
	Expected int
	Actual   int
}

func (e *IncorrectResultSizeError) Error() string {
	return fmt.Sprintf("expected %d result row(s), got %d", e.Expected, e.Actual)
}

// Is matches an empty result against ErrNoRows so callers can test for the
// familiar database/sql sentinel.
func (e *IncorrectResultSizeError) Is(target error) bool {
	return target == ErrNoRows && e.Actual == 0
}
