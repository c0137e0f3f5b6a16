// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

package typeinfo

import "reflect"

// ScanProxy is a shim for scanning query results into struct fields that
// cannot be scanned into directly. The column is scanned into a
// pointer-to-pointer holder; OnSuccess copies the result into the field,
// zeroing it when the database returned NULL.
type ScanProxy struct {
	original reflect.Value
	scan     reflect.Value
}

func (sp ScanProxy) OnSuccess() {
	var val reflect.Value
	if !sp.scan.IsNil() {
		val = sp.scan.Elem()
	} else {
		val = reflect.Zero(sp.original.Type())
	}
	sp.original.Set(val)
}
