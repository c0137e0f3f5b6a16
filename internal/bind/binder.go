// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

package bind

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"time"
)

// BindingError is returned when a value cannot be bound as a statement
// parameter. Position is the 1-based marker position that failed.
type BindingError struct {
	Position int
	Err      error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("cannot bind parameter at position %d: %s", e.Position, e.Err)
}

func (e *BindingError) Unwrap() error {
	return e.Err
}

// BoundParam is one scalar value bound to a 1-based marker position.
// TypeHint carries the declared type of a nil value so the backend receives
// a typed null instead of an untyped one.
type BoundParam struct {
	Position int
	Value    any
	TypeHint reflect.Type
}

// PrimedQuery is the output of expansion: driver-ready SQL and the ordered
// parameters to bind. Positions run from 1 with no gaps.
type PrimedQuery struct {
	sql    string
	params []BoundParam
}

// SQL returns the rewritten statement with positional markers.
func (pq *PrimedQuery) SQL() string {
	return pq.sql
}

// Params returns the bound parameters in position order.
func (pq *PrimedQuery) Params() []BoundParam {
	return pq.params
}

// DriverArgs converts the bound parameters into database/sql arguments. Nil
// values with a type hint become the matching sql.Null* zero value; values
// the driver's default converter rejects fail with a BindingError carrying
// the marker position. Convertible values are passed through unchanged so
// the backend infers the SQL type from the runtime type.
func (pq *PrimedQuery) DriverArgs() ([]any, error) {
	args := make([]any, len(pq.params))
	for i, p := range pq.params {
		if p.Value == nil {
			args[i] = typedNull(p.TypeHint)
			continue
		}
		if _, ok := p.Value.(driver.Valuer); ok {
			args[i] = p.Value
			continue
		}
		if _, err := driver.DefaultParameterConverter.ConvertValue(p.Value); err != nil {
			return nil, &BindingError{Position: p.Position, Err: err}
		}
		args[i] = p.Value
	}
	return args, nil
}

var timeType = reflect.TypeOf(time.Time{})

// typedNull returns the invalid sql.Null* value matching the declared type,
// or an untyped nil when no declared type is known. Some backends reject an
// untyped null, so declared-typed sources get the precise variant.
func typedNull(t reflect.Type) any {
	if t == nil {
		return nil
	}
	switch t.Kind() {
	case reflect.String:
		return sql.NullString{}
	case reflect.Bool:
		return sql.NullBool{}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return sql.NullInt64{}
	case reflect.Float32, reflect.Float64:
		return sql.NullFloat64{}
	}
	if t == timeType {
		return sql.NullTime{}
	}
	return nil
}
