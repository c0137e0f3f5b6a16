// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

package template

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MalformedTemplateError is returned by Parse when placeholder syntax is
// broken, for example a colon followed by no identifier characters or an
// unterminated string literal.
type MalformedTemplateError struct {
	// Line and Col locate the offending character in the template, 1-based.
	Line int
	Col  int
	// Message describes what was wrong at that position.
	Message string
}

func (e *MalformedTemplateError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Col, e.Message)
}

// NewParser returns a parser for SQL templates with ":name" placeholders.
func NewParser() *Parser {
	return &Parser{}
}

// Parser scans SQL text character by character and splits it into bypass
// chunks and named placeholders. Quoted literals, comments and "::" casts are
// copied verbatim. The parser performs no SQL validation beyond quote and
// comment tracking.
type Parser struct {
	input string
	pos   int
	// nextPos is the start of the next char.
	nextPos int
	// char is the rune starting at pos. char is set to 0 when pos reaches the
	// end of input.
	char rune
	// prevPartEnd is the value of pos when we last finished a part. The text
	// between prevPartEnd and the start of the next placeholder becomes a
	// bypass chunk.
	prevPartEnd int
	// parts and names are the output of the parser.
	parts []Part
	names []string
	// numPositional counts "?" markers seen outside literals and comments.
	numPositional int
	// lineNum is the number of the current line of the input.
	lineNum int
	// lineStart is the position of the first char of the current line in the
	// input.
	lineStart int
}

// Parse takes a raw SQL string and returns its Template. The same input
// always produces an equal Template, so results may be cached by raw SQL
// identity.
func (p *Parser) Parse(input string) (t *Template, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot parse template: %w", err)
		}
	}()

	p.init(input)

	for p.pos < len(p.input) {
		if ok, err := p.skipStringLiteral(); err != nil {
			return nil, err
		} else if ok {
			continue
		}
		if p.skipComment() {
			continue
		}

		switch p.char {
		case ':':
			if err := p.parsePlaceholder(); err != nil {
				return nil, err
			}
		case '?':
			p.numPositional++
			p.advanceChar()
		default:
			p.advanceChar()
		}
	}

	// Add any remaining input as a trailing bypass chunk.
	p.addBypass(len(p.input))

	return &Template{
		raw:           input,
		parts:         p.parts,
		names:         p.names,
		numPositional: p.numPositional,
	}, nil
}

// Parse is a convenience wrapper around Parser.Parse.
func Parse(input string) (*Template, error) {
	return NewParser().Parse(input)
}

// init resets the state of the parser and sets the input string.
func (p *Parser) init(input string) {
	p.input = input
	p.pos = 0
	p.nextPos = 0
	p.char = 0
	p.prevPartEnd = 0
	p.parts = []Part{}
	p.names = []string{}
	p.numPositional = 0
	p.lineNum = 1
	p.lineStart = 0
	p.advanceChar()
}

// colNum calculates the current column number taking into account line
// breaks.
func (p *Parser) colNum() int {
	return p.pos - p.lineStart + 1
}

// advanceChar moves the parser to the next character in the input. It also
// takes care of updating the line and column numbers if it encounters line
// breaks.
func (p *Parser) advanceChar() bool {
	if p.nextPos >= len(p.input) {
		p.char = 0
		p.pos = p.nextPos
		return false
	}
	if p.char == '\n' {
		p.lineStart = p.nextPos
		p.lineNum++
	}
	var size int
	p.char, size = utf8.DecodeRuneInString(p.input[p.nextPos:])
	p.pos = p.nextPos
	p.nextPos += size
	return true
}

// peekNext returns the rune following the current one, or 0 at the end of
// input.
func (p *Parser) peekNext() rune {
	if p.nextPos >= len(p.input) {
		return 0
	}
	c, _ := utf8.DecodeRuneInString(p.input[p.nextPos:])
	return c
}

// addBypass appends the input between the end of the previous part and end as
// a bypass chunk.
func (p *Parser) addBypass(end int) {
	if p.prevPartEnd != end {
		p.parts = append(p.parts, &Bypass{p.input[p.prevPartEnd:end]})
		p.prevPartEnd = end
	}
}

// parsePlaceholder is called with the parser on a ':'. It consumes either a
// "::" cast, which is copied verbatim, or a named placeholder. A colon
// followed by no identifier characters is a malformed template.
func (p *Parser) parsePlaceholder() error {
	colonPos := p.pos
	line, col := p.lineNum, p.colNum()
	p.advanceChar()

	// A double colon is a SQL type cast, not a placeholder.
	if p.char == ':' {
		p.advanceChar()
		return nil
	}

	nameStart := p.pos
	for p.pos < len(p.input) && isNameChar(p.char) {
		p.advanceChar()
	}
	if p.pos == nameStart {
		return &MalformedTemplateError{Line: line, Col: col, Message: "':' not followed by parameter name"}
	}

	p.addBypass(colonPos)
	name := p.input[nameStart:p.pos]
	p.parts = append(p.parts, &Placeholder{Name: name})
	p.names = append(p.names, name)
	p.prevPartEnd = p.pos
	return nil
}

// skipStringLiteral jumps over single and double quoted sections of input.
// Doubled up quotes are escaped.
func (p *Parser) skipStringLiteral() (bool, error) {
	c := p.char
	if c != '\'' && c != '"' {
		return false, nil
	}
	line, col := p.lineNum, p.colNum()
	p.advanceChar()
	for p.pos < len(p.input) {
		if p.char == c {
			p.advanceChar()
			// A doubled up quote is an escape for the quote character.
			if p.pos < len(p.input) && p.char == c {
				p.advanceChar()
				continue
			}
			return true, nil
		}
		p.advanceChar()
	}
	// Reached end of input without finding the closing quote.
	return false, &MalformedTemplateError{Line: line, Col: col, Message: "missing closing quote in string literal"}
}

// skipComment jumps over line ("--") and block ("/* */") comments. An
// unterminated block comment runs to the end of the input, as SQLite
// treats it.
func (p *Parser) skipComment() bool {
	c := p.char
	if !((c == '-' && p.peekNext() == '-') || (c == '/' && p.peekNext() == '*')) {
		return false
	}
	p.advanceChar()
	p.advanceChar()
	if c == '-' {
		// A line comment ends at the newline. The newline itself is not part
		// of the comment.
		for p.pos < len(p.input) && p.char != '\n' {
			p.advanceChar()
		}
		return true
	}
	for p.pos < len(p.input) {
		if p.char == '*' && p.peekNext() == '/' {
			p.advanceChar()
			p.advanceChar()
			return true
		}
		p.advanceChar()
	}
	return true
}

// isNameChar returns true if the given char can be part of a placeholder
// name.
func isNameChar(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_'
}
