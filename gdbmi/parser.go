package gdbmi

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports where a line stopped matching the result record grammar.
type ParseError struct {
	Line     string
	Offset   int
	Expected string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("gdbmi: expected %s at offset %d in %q", e.Expected, e.Offset, e.Line)
}

// Parse parses one result record line:
//
//	record := "^" class "," result ("," result)*
//	class  := "done" | "running" | "error" | "exit"
//	result := name "=" value
//	value  := c-string | tuple | list
//	tuple  := "{}" | "{" result ("," result)* "}"
//	list   := "[]" | "[" value ("," value)* "]" | "[" result ("," result)* "]"
//
// A list of results becomes a list of single-entry tuples, one per element,
// so repeated frame={...} entries keep their order. Quoted decimal literals
// become integers. Trailing CR and LF are ignored.
func Parse(line string) (*Record, error) {
	p := &parser{line: strings.TrimRight(line, "\r\n")}
	return p.record()
}

type parser struct {
	line string
	pos  int
}

func (p *parser) fail(expected string) error {
	return &ParseError{Line: p.line, Offset: p.pos, Expected: expected}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.line) {
		return 0
	}
	return p.line[p.pos]
}

func (p *parser) consume(c byte) bool {
	if p.pos < len(p.line) && p.line[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(c byte) error {
	if !p.consume(c) {
		return p.fail(strconv.Quote(string(c)))
	}
	return nil
}

func (p *parser) record() (*Record, error) {
	if err := p.expect('^'); err != nil {
		return nil, err
	}
	start := p.pos
	for p.pos < len(p.line) && p.line[p.pos] != ',' {
		p.pos++
	}
	class := Class(p.line[start:p.pos])
	switch class {
	case ClassDone, ClassRunning, ClassError, ClassExit:
	default:
		p.pos = start
		return nil, p.fail("result class (done, running, error or exit)")
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}

	results := NewTuple()
	for {
		name, val, err := p.result()
		if err != nil {
			return nil, err
		}
		results.Set(name, val)
		if !p.consume(',') {
			break
		}
	}
	if p.pos != len(p.line) {
		return nil, p.fail(`"," or end of line`)
	}
	return &Record{Class: class, Results: results}, nil
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

func (p *parser) name() (string, error) {
	start := p.pos
	for p.pos < len(p.line) && isNameByte(p.line[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return "", p.fail("result name")
	}
	return p.line[start:p.pos], nil
}

// atResult reports whether the input at pos is a name followed by "=".
func (p *parser) atResult() bool {
	i := p.pos
	for i < len(p.line) && isNameByte(p.line[i]) {
		i++
	}
	return i > p.pos && i < len(p.line) && p.line[i] == '='
}

func (p *parser) result() (string, Value, error) {
	name, err := p.name()
	if err != nil {
		return "", Value{}, err
	}
	if err := p.expect('='); err != nil {
		return "", Value{}, err
	}
	val, err := p.value()
	if err != nil {
		return "", Value{}, err
	}
	return name, val, nil
}

func (p *parser) value() (Value, error) {
	switch p.peek() {
	case '"':
		return p.cstring()
	case '{':
		return p.tuple()
	case '[':
		return p.list()
	default:
		return Value{}, p.fail("value (c-string, tuple or list)")
	}
}

func (p *parser) tuple() (Value, error) {
	p.pos++ // '{'
	t := NewTuple()
	if p.consume('}') {
		return TupleValue(t), nil
	}
	for {
		name, val, err := p.result()
		if err != nil {
			return Value{}, err
		}
		t.Set(name, val)
		if !p.consume(',') {
			break
		}
	}
	if err := p.expect('}'); err != nil {
		return Value{}, err
	}
	return TupleValue(t), nil
}

func (p *parser) list() (Value, error) {
	p.pos++ // '['
	if p.consume(']') {
		return ListValue(), nil
	}
	results := p.atResult()
	var items []Value
	for {
		if results {
			name, val, err := p.result()
			if err != nil {
				return Value{}, err
			}
			elem := NewTuple()
			elem.Set(name, val)
			items = append(items, TupleValue(elem))
		} else {
			val, err := p.value()
			if err != nil {
				return Value{}, err
			}
			items = append(items, val)
		}
		if !p.consume(',') {
			break
		}
	}
	if err := p.expect(']'); err != nil {
		return Value{}, err
	}
	return ListValue(items...), nil
}

func (p *parser) cstring() (Value, error) {
	open := p.pos
	p.pos++ // '"'
	var sb strings.Builder
	digits := true
	for {
		if p.pos >= len(p.line) {
			p.pos = open
			return Value{}, p.fail("closing quote of c-string")
		}
		c := p.line[p.pos]
		switch c {
		case '"':
			p.pos++
			s := sb.String()
			if digits && s != "" {
				if n, err := strconv.ParseInt(s, 10, 64); err == nil {
					return IntValue(n), nil
				}
			}
			return StringValue(s), nil
		case '\\':
			digits = false
			if err := p.escape(&sb); err != nil {
				return Value{}, err
			}
		default:
			if c < '0' || c > '9' {
				digits = false
			}
			sb.WriteByte(c)
			p.pos++
		}
	}
}

// escape decodes one C escape sequence starting at the backslash.
func (p *parser) escape(sb *strings.Builder) error {
	p.pos++
	if p.pos >= len(p.line) {
		return p.fail("escape sequence")
	}
	c := p.line[p.pos]
	p.pos++
	switch c {
	case 'n':
		sb.WriteByte('\n')
	case 't':
		sb.WriteByte('\t')
	case 'r':
		sb.WriteByte('\r')
	case 'a':
		sb.WriteByte('\a')
	case 'b':
		sb.WriteByte('\b')
	case 'f':
		sb.WriteByte('\f')
	case 'v':
		sb.WriteByte('\v')
	case 'e':
		sb.WriteByte(0x1b)
	case '0', '1', '2', '3', '4', '5', '6', '7':
		n := int(c - '0')
		for i := 0; i < 2 && p.pos < len(p.line) && p.line[p.pos] >= '0' && p.line[p.pos] <= '7'; i++ {
			n = n*8 + int(p.line[p.pos]-'0')
			p.pos++
		}
		sb.WriteByte(byte(n))
	default:
		// \" \\ \' and anything unknown stand for themselves.
		sb.WriteByte(c)
	}
	return nil
}
