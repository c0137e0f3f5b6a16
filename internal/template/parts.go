// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

package template

import (
	"bytes"
)

// Part is a section of a parsed SQL template. It is either a chunk of SQL
// passed through verbatim or a named placeholder.
type Part interface {
	// String returns a textual representation of the part for debugging and
	// testing purposes.
	String() string
}

// Bypass holds a chunk of SQL that the parser copies to the rewritten
// statement untouched.
type Bypass struct {
	Chunk string
}

func (b *Bypass) String() string {
	return "Bypass[" + b.Chunk + "]"
}

// Placeholder holds the name of a single ":name" parameter reference. A name
// may appear more than once in a template; each occurrence gets its own
// Placeholder part.
type Placeholder struct {
	Name string
}

func (p *Placeholder) String() string {
	return "Placeholder[" + p.Name + "]"
}

// Template is an immutable parse result for a single raw SQL string. It holds
// the SQL split into bypass chunks and placeholders, in order of appearance.
// Templates are derived purely from the SQL text so they can be cached and
// shared between concurrent executions.
type Template struct {
	raw   string
	parts []Part
	names []string
	// numPositional counts the "?" markers found outside string literals and
	// comments. A template uses either named placeholders or "?" markers,
	// never both.
	numPositional int
}

// Raw returns the SQL string the template was parsed from.
func (t *Template) Raw() string {
	return t.raw
}

// Parts returns the ordered parts of the template.
func (t *Template) Parts() []Part {
	return t.parts
}

// Names returns the placeholder names in order of appearance. Duplicate
// references are preserved.
func (t *Template) Names() []string {
	return t.names
}

// HasNamed reports whether the template contains any named placeholders.
func (t *Template) HasNamed() bool {
	return len(t.names) > 0
}

// NumPositional returns the number of "?" markers in the template.
func (t *Template) NumPositional() int {
	return t.numPositional
}

// String returns a textual representation of the parsed template for
// debugging and testing purposes.
func (t *Template) String() string {
	var out bytes.Buffer
	out.WriteString("Template[")
	for i, p := range t.parts {
		if i > 0 {
			out.WriteString(" ")
		}
		out.WriteString(p.String())
	}
	out.WriteString("]")
	return out.String()
}
