// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

// Package typeinfo builds capability tables for parameter carrier types. A
// table maps parameter names to accessors and is built once per concrete type
// then cached, so repeated executions do not pay reflection cost.
package typeinfo

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
)

var scannerInterface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

// cacheSize bounds the number of carrier types whose tables are retained.
// Carrier types are drawn from a compile-time-known set in practice, so
// evictions are rare.
const cacheSize = 256

var structCache, _ = lru.New[reflect.Type, *Struct](cacheSize)
var getterCache, _ = lru.New[reflect.Type, *Getters](cacheSize)

// Field is an accessor for a single exported struct field. The name is taken
// from the field's "db" tag when present and from the field name otherwise.
type Field struct {
	// Name is the parameter/column name the field answers to.
	Name string
	// Index is the field index for reflect.Value.Field.
	Index int
	// Type is the declared type of the field.
	Type reflect.Type

	structType reflect.Type
}

// DeclaredType returns the field's declared type with pointers stripped. It
// is used as the type hint when binding a nil value drawn from this field.
func (f *Field) DeclaredType() reflect.Type {
	t := f.Type
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// ValueIn reads the field's value from an instance of the carrier struct. A
// nil pointer field is reported as an untyped nil so it binds as SQL NULL.
func (f *Field) ValueIn(structVal reflect.Value) any {
	v := structVal.Field(f.Index)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

// ScanTarget returns a pointer for rows.Scan to write the field's column
// into, along with a ScanProxy for fields that cannot be scanned into
// directly.
//
// rows.Scan returns an error if it scans NULL into a type that cannot be set
// to nil, so for fields that are not pointers and do not implement
// sql.Scanner a pointer-to-pointer shim is generated and the field is set
// from it afterwards.
func (f *Field) ScanTarget(structVal reflect.Value) (any, *ScanProxy, error) {
	val := structVal.Field(f.Index)
	if !val.CanSet() {
		return nil, nil, fmt.Errorf("internal error: cannot set field %s of struct %s", f.Name, f.structType.Name())
	}

	pt := reflect.PointerTo(val.Type())
	if val.Type().Kind() != reflect.Pointer && !pt.Implements(scannerInterface) {
		scanVal := reflect.New(pt).Elem()
		return scanVal.Addr().Interface(), &ScanProxy{original: val, scan: scanVal}, nil
	}
	return val.Addr().Interface(), nil, nil
}

// Struct is the capability table of a struct carrier type.
type Struct struct {
	typ reflect.Type
	// fields is keyed by the lower-cased field name for case-insensitive
	// resolution.
	fields map[string]*Field
}

// Type returns the carrier type the table was built for.
func (s *Struct) Type() reflect.Type {
	return s.typ
}

// Field resolves a parameter or column name to a field accessor. Resolution
// is case-insensitive.
func (s *Struct) Field(name string) (*Field, bool) {
	f, ok := s.fields[strings.ToLower(name)]
	return f, ok
}

// ForStruct returns the capability table for a struct type, building and
// caching it on first use.
func ForStruct(t reflect.Type) (*Struct, error) {
	if info, ok := structCache.Get(t); ok {
		return info, nil
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("need struct, got %s", t.Kind())
	}

	info := &Struct{typ: t, fields: make(map[string]*Field)}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag := f.Tag.Get("db"); tag != "" {
			if tag == "-" {
				continue
			}
			name = strings.Split(tag, ",")[0]
		}
		key := strings.ToLower(name)
		if dupe, ok := info.fields[key]; ok {
			return nil, fmt.Errorf("fields %q and %q of struct %s both answer to name %q", dupe.Name, name, t.Name(), key)
		}
		info.fields[key] = &Field{
			Name:       name,
			Index:      i,
			Type:       f.Type,
			structType: t,
		}
	}

	structCache.Add(t, info)
	return info, nil
}

// Getter is an accessor for a niladic single-result method of a carrier type.
// Methods named Get<Name>, Is<Name> or plain <Name> answer to parameter name
// <name>.
type Getter struct {
	// Name is the parameter name the method answers to.
	Name string
	// Type is the declared return type of the method.
	Type reflect.Type

	methodIndex int
	// prefixed records whether the name was derived from a Get/Is prefix.
	prefixed bool
}

// DeclaredType returns the method's declared return type with pointers
// stripped.
func (g *Getter) DeclaredType() reflect.Type {
	t := g.Type
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// ValueIn invokes the accessor on an instance of the carrier.
func (g *Getter) ValueIn(val reflect.Value) any {
	v := val.Method(g.methodIndex).Call(nil)[0]
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

// Getters is the capability table of an accessor-based carrier type.
type Getters struct {
	typ reflect.Type
	// getters is keyed by the lower-cased derived name.
	getters map[string]*Getter
}

// Type returns the carrier type the table was built for.
func (g *Getters) Type() reflect.Type {
	return g.typ
}

// Getter resolves a parameter name to an accessor method. Resolution is
// case-insensitive.
func (g *Getters) Getter(name string) (*Getter, bool) {
	m, ok := g.getters[strings.ToLower(name)]
	return m, ok
}

// ForGetters returns the accessor table for a carrier type, building and
// caching it on first use. The type may be a pointer type; methods are drawn
// from its full method set.
func ForGetters(t reflect.Type) (*Getters, error) {
	if info, ok := getterCache.Get(t); ok {
		return info, nil
	}
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		return nil, fmt.Errorf("need struct or pointer to struct, got %s", t.Kind())
	}

	info := &Getters{typ: t, getters: make(map[string]*Getter)}
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		// Func includes the receiver as its first argument.
		if m.Func.Type().NumIn() != 1 || m.Func.Type().NumOut() != 1 {
			continue
		}
		name, prefixed := accessorName(m.Name)
		key := strings.ToLower(name)
		// A Get/Is accessor wins over a plain method of the same derived name.
		if dupe, ok := info.getters[key]; ok && (dupe.prefixed || !prefixed) {
			continue
		}
		info.getters[key] = &Getter{
			Name:        name,
			Type:        m.Func.Type().Out(0),
			methodIndex: i,
			prefixed:    prefixed,
		}
	}

	getterCache.Add(t, info)
	return info, nil
}

// accessorName derives the parameter name answered by a method. Get<Name> and
// Is<Name> map to <Name>; any other method answers to its own name.
func accessorName(method string) (string, bool) {
	for _, prefix := range []string{"Get", "Is"} {
		rest := strings.TrimPrefix(method, prefix)
		if rest != method && rest != "" && unicode.IsUpper(rune(rest[0])) {
			return rest, true
		}
	}
	return method, false
}
