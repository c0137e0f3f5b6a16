// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

// Package bind resolves named placeholders against parameter sources,
// expands collection values into positional markers and prepares driver
// arguments for execution.
package bind

import (
	"fmt"
	"reflect"

	"github.com/gregalcback/namedsql/internal/typeinfo"
)

// Source provides values for named placeholders. Has and Value are
// consistent: when Has reports false, Value fails rather than returning a
// default.
type Source interface {
	// Has reports whether the source holds a value for name.
	Has(name string) bool
	// Value returns the raw value held for name.
	Value(name string) (any, error)
	// DeclaredType returns the declared type of the value for name, when the
	// source knows it. It is used to bind typed nulls.
	DeclaredType(name string) (reflect.Type, bool)
}

// MissingParameterError is returned when a placeholder references a name the
// active source cannot provide.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("parameter %q missing from source", e.Name)
}

// Map returns a Source backed by an explicit name to value mapping. Declared
// types are unavailable; use TypedMap to supply them.
func Map(values map[string]any) Source {
	return &mapSource{values: values}
}

// TypedMap returns a map-backed Source with a side table of declared types
// for binding typed nulls.
func TypedMap(values map[string]any, types map[string]reflect.Type) Source {
	return &mapSource{values: values, types: types}
}

type mapSource struct {
	values map[string]any
	types  map[string]reflect.Type
}

func (s *mapSource) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

func (s *mapSource) Value(name string) (any, error) {
	v, ok := s.values[name]
	if !ok {
		return nil, &MissingParameterError{Name: name}
	}
	return v, nil
}

func (s *mapSource) DeclaredType(name string) (reflect.Type, bool) {
	t, ok := s.types[name]
	return t, ok
}

// Fields returns a Source reading the exported fields of a struct, resolved
// by "db" tag or field name. A pointer carrier is dereferenced.
func Fields(carrier any) Source {
	v := reflect.Indirect(reflect.ValueOf(carrier))
	if !v.IsValid() {
		return &errorSource{err: fmt.Errorf("need struct, got nil")}
	}
	info, err := typeinfo.ForStruct(v.Type())
	if err != nil {
		return &errorSource{err: err}
	}
	return &fieldSource{val: v, info: info}
}

type fieldSource struct {
	val  reflect.Value
	info *typeinfo.Struct
}

func (s *fieldSource) Has(name string) bool {
	_, ok := s.info.Field(name)
	return ok
}

func (s *fieldSource) Value(name string) (any, error) {
	f, ok := s.info.Field(name)
	if !ok {
		return nil, &MissingParameterError{Name: name}
	}
	return f.ValueIn(s.val), nil
}

func (s *fieldSource) DeclaredType(name string) (reflect.Type, bool) {
	f, ok := s.info.Field(name)
	if !ok {
		return nil, false
	}
	return f.DeclaredType(), true
}

// Getters returns a Source reading accessor methods of a carrier by naming
// convention: Get<Name>, Is<Name> or plain <Name>, niladic with a single
// result. Pass a pointer to reach pointer-receiver methods.
func Getters(carrier any) Source {
	v := reflect.ValueOf(carrier)
	if !v.IsValid() {
		return &errorSource{err: fmt.Errorf("need struct or pointer to struct, got nil")}
	}
	info, err := typeinfo.ForGetters(v.Type())
	if err != nil {
		return &errorSource{err: err}
	}
	return &getterSource{val: v, info: info}
}

type getterSource struct {
	val  reflect.Value
	info *typeinfo.Getters
}

func (s *getterSource) Has(name string) bool {
	_, ok := s.info.Getter(name)
	return ok
}

func (s *getterSource) Value(name string) (any, error) {
	g, ok := s.info.Getter(name)
	if !ok {
		return nil, &MissingParameterError{Name: name}
	}
	return g.ValueIn(s.val), nil
}

func (s *getterSource) DeclaredType(name string) (reflect.Type, bool) {
	g, ok := s.info.Getter(name)
	if !ok {
		return nil, false
	}
	return g.DeclaredType(), true
}

// Positional returns a Source supplying values by position for statements
// using "?" markers. It holds no named values: a template with named
// placeholders run against a positional source fails with
// MissingParameterError.
func Positional(values ...any) Source {
	return &positionalSource{values: values}
}

type positionalSource struct {
	values []any
}

func (s *positionalSource) Has(name string) bool {
	return false
}

func (s *positionalSource) Value(name string) (any, error) {
	return nil, &MissingParameterError{Name: name}
}

func (s *positionalSource) DeclaredType(name string) (reflect.Type, bool) {
	return nil, false
}

func (s *positionalSource) positionalValues() ([]any, bool) {
	return s.values, true
}

// Multi combines sources; the first source holding a name wins. Positional
// values are drawn from the first positional sub-source.
func Multi(sources ...Source) Source {
	return multiSource(sources)
}

type multiSource []Source

func (m multiSource) Has(name string) bool {
	for _, s := range m {
		if s.Has(name) {
			return true
		}
	}
	return false
}

func (m multiSource) Value(name string) (any, error) {
	for _, s := range m {
		if s.Has(name) {
			return s.Value(name)
		}
	}
	return nil, &MissingParameterError{Name: name}
}

func (m multiSource) DeclaredType(name string) (reflect.Type, bool) {
	for _, s := range m {
		if s.Has(name) {
			return s.DeclaredType(name)
		}
	}
	return nil, false
}

func (m multiSource) positionalValues() ([]any, bool) {
	for _, s := range m {
		if p, ok := s.(positioner); ok {
			if vals, ok := p.positionalValues(); ok {
				return vals, true
			}
		}
	}
	return nil, false
}

func (m multiSource) sourceError() error {
	for _, s := range m {
		if err := sourceError(s); err != nil {
			return err
		}
	}
	return nil
}

// positioner is implemented by sources that supply values by position.
type positioner interface {
	positionalValues() ([]any, bool)
}

// errorSource defers a source construction error until expansion, so that
// source constructors can be used inline in query call sites.
type errorSource struct {
	err error
}

func (s *errorSource) Has(name string) bool { return false }

func (s *errorSource) Value(name string) (any, error) { return nil, s.err }

func (s *errorSource) DeclaredType(name string) (reflect.Type, bool) { return nil, false }

func (s *errorSource) sourceError() error { return s.err }

// sourceError reports a deferred construction error held by the source, if
// any.
func sourceError(s Source) error {
	if es, ok := s.(interface{ sourceError() error }); ok {
		return es.sourceError()
	}
	return nil
}
