// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

package bind

import (
	"bytes"
	"database/sql/driver"
	"fmt"
	"reflect"

	"github.com/gregalcback/namedsql/internal/template"
)

// InconsistentArityError is returned when the tuples of a tuple-sequence
// parameter do not all have the same arity.
type InconsistentArityError struct {
	Name string
	Want int
	Got  int
}

func (e *InconsistentArityError) Error() string {
	return fmt.Sprintf("tuple sequence for parameter %q has inconsistent arity: want %d, got %d", e.Name, e.Want, e.Got)
}

// Expand resolves every placeholder of the template against the source and
// rewrites the template into driver-ready SQL with "?" markers. A scalar
// value keeps a single marker; a sequence of K values becomes K comma-joined
// markers; a sequence of N tuples of arity M becomes N parenthesized groups
// of M markers. The returned PrimedQuery carries the scalar values in marker
// order.
//
// Expansion happens before any statement is prepared because the final
// marker count depends on the data: the statement arity is only known once
// every cardinality has been resolved.
func Expand(t *template.Template, src Source) (pq *PrimedQuery, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("invalid input parameter: %w", err)
		}
	}()

	if src == nil {
		src = Map(nil)
	}
	if err := sourceError(src); err != nil {
		return nil, err
	}

	if !t.HasNamed() {
		return expandPositional(t, src)
	}

	// A name referenced by several placeholders is resolved once and the
	// result reused for every occurrence.
	resolved := map[string]*expansion{}
	var b sqlBuilder
	var params []BoundParam
	for _, part := range t.Parts() {
		switch part := part.(type) {
		case *template.Bypass:
			b.write(part.Chunk)
		case *template.Placeholder:
			exp, ok := resolved[part.Name]
			if !ok {
				exp, err = resolve(src, part.Name)
				if err != nil {
					return nil, err
				}
				resolved[part.Name] = exp
			}
			exp.writeMarkers(&b)
			for _, v := range exp.values {
				param := BoundParam{Position: len(params) + 1, Value: v}
				if v == nil {
					param.TypeHint = exp.hint
				}
				params = append(params, param)
			}
		default:
			return nil, fmt.Errorf("internal error: unknown template part %T", part)
		}
	}

	return &PrimedQuery{sql: b.String(), params: params}, nil
}

// expandPositional handles templates with "?" markers and no named
// placeholders. Values pass through in order, unexpanded.
func expandPositional(t *template.Template, src Source) (*PrimedQuery, error) {
	var values []any
	if p, ok := src.(positioner); ok {
		if vals, ok := p.positionalValues(); ok {
			values = vals
		}
	}
	if len(values) < t.NumPositional() {
		return nil, &MissingParameterError{Name: fmt.Sprintf("?%d", len(values)+1)}
	}
	if len(values) > t.NumPositional() {
		return nil, fmt.Errorf("%d values supplied for %d positional markers", len(values), t.NumPositional())
	}
	params := make([]BoundParam, len(values))
	for i, v := range values {
		params[i] = BoundParam{Position: i + 1, Value: v}
	}
	return &PrimedQuery{sql: t.Raw(), params: params}, nil
}

// expansion is the resolved cardinality of one placeholder name: the flat
// scalar values in marker order and the marker layout to write in their
// place.
type expansion struct {
	// values holds the scalars in row-major order.
	values []any
	// tuples and arity describe the marker layout: tuples < 0 means a plain
	// comma-joined run of len(values) markers, otherwise the markers are
	// grouped into that many parenthesized tuples.
	tuples int
	arity  int
	// hint is the declared type from the source, applied to nil values.
	hint reflect.Type
}

func (e *expansion) writeMarkers(b *sqlBuilder) {
	if e.tuples < 0 {
		b.writeMarkers(len(e.values))
		return
	}
	for i := 0; i < e.tuples; i++ {
		if i > 0 {
			b.write(", ")
		}
		b.write("(")
		b.writeMarkers(e.arity)
		b.write(")")
	}
}

// resolve looks the name up in the source exactly once and classifies the
// raw value as a scalar, a sequence or a tuple sequence.
func resolve(src Source, name string) (*expansion, error) {
	if !src.Has(name) {
		return nil, &MissingParameterError{Name: name}
	}
	v, err := src.Value(name)
	if err != nil {
		return nil, err
	}
	hint, _ := src.DeclaredType(name)

	if !isSequence(v) {
		return &expansion{values: []any{v}, tuples: -1, hint: hint}, nil
	}

	rv := reflect.ValueOf(v)
	// A sequence whose first element is itself a sequence is a tuple
	// sequence for multi-column IN predicates.
	if rv.Len() > 0 && isSequence(rv.Index(0).Interface()) {
		first := reflect.ValueOf(rv.Index(0).Interface())
		arity := first.Len()
		var values []any
		for i := 0; i < rv.Len(); i++ {
			tuple := rv.Index(i).Interface()
			if !isSequence(tuple) {
				return nil, &InconsistentArityError{Name: name, Want: arity, Got: 1}
			}
			tv := reflect.ValueOf(tuple)
			if tv.Len() != arity {
				return nil, &InconsistentArityError{Name: name, Want: arity, Got: tv.Len()}
			}
			for j := 0; j < arity; j++ {
				values = append(values, tv.Index(j).Interface())
			}
		}
		return &expansion{values: values, tuples: rv.Len(), arity: arity, hint: hint}, nil
	}

	values := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		values[i] = rv.Index(i).Interface()
	}
	return &expansion{values: values, tuples: -1, hint: hint}, nil
}

var valuerInterface = reflect.TypeOf((*driver.Valuer)(nil)).Elem()

// isSequence reports whether v expands into multiple markers. Byte slices
// and driver.Valuer implementations bind as single scalars.
func isSequence(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return false
	}
	return !rv.Type().Implements(valuerInterface)
}

// sqlBuilder assembles the rewritten SQL piece by piece.
type sqlBuilder struct {
	buf bytes.Buffer
}

func (b *sqlBuilder) write(s string) {
	b.buf.WriteString(s)
}

// writeMarkers writes n comma-joined positional markers.
func (b *sqlBuilder) writeMarkers(n int) {
	for i := 0; i < n; i++ {
		if i > 0 {
			b.buf.WriteString(", ")
		}
		b.buf.WriteString("?")
	}
}

func (b *sqlBuilder) String() string {
	return b.buf.String()
}
