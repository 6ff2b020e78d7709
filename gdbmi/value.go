// Package gdbmi parses gdb/MI result records ("^done,frame={...}") into a
// tree of values.
//
// A parsed value is one of four kinds: a string, an integer (quoted decimal
// literals such as "42"), a list, or a tuple. Tuples keep their keys in the
// order they were first seen; assigning an existing key replaces its value
// in place.
//
// Parsing has no shared state, so Parse may be called from any goroutine.
package gdbmi

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindList
	KindTuple
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindList:
		return "list"
	case KindTuple:
		return "tuple"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a node of a parsed record. The zero Value is the empty string.
type Value struct {
	kind  Kind
	str   string
	num   int64
	items []Value
	tuple *Tuple
}

// StringValue returns a string scalar. A string made only of decimal digits
// reads back as an integer after encoding, the same way gdb's own output does.
func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// IntValue returns an integer scalar. Negative numbers have no MI spelling
// that parses back to an integer.
func IntValue(n int64) Value {
	return Value{kind: KindInt, num: n}
}

func ListValue(items ...Value) Value {
	return Value{kind: KindList, items: items}
}

// TupleValue wraps t. A nil t is the empty tuple.
func TupleValue(t *Tuple) Value {
	if t == nil {
		t = NewTuple()
	}
	return Value{kind: KindTuple, tuple: t}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) Int() (int64, bool) {
	return v.num, v.kind == KindInt
}

func (v Value) List() ([]Value, bool) {
	return v.items, v.kind == KindList
}

func (v Value) Tuple() (*Tuple, bool) {
	return v.tuple, v.kind == KindTuple
}

// Get looks key up when v is a tuple.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindTuple {
		return Value{}, false
	}
	return v.tuple.Get(key)
}

// Index returns the i-th element when v is a list.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.items) {
		return Value{}, false
	}
	return v.items[i], true
}

// Lookup walks a path of tuple keys, e.g. Lookup("frame", "fullname").
func (v Value) Lookup(path ...string) (Value, bool) {
	cur := v
	for _, key := range path {
		next, ok := cur.Get(key)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Text returns the scalar as text: strings verbatim, integers in decimal.
// Lists and tuples return their MI encoding.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	default:
		return v.String()
	}
}

// Equal reports whether v and o are the same tree. Tuple key order counts.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindInt:
		return v.num == o.num
	case KindList:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindTuple:
		return v.tuple.Equal(o.tuple)
	}
	return false
}

// String returns the MI encoding of v.
func (v Value) String() string {
	return string(appendValue(nil, v))
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return []byte(strconv.FormatInt(v.num, 10)), nil
	case KindList:
		if len(v.items) == 0 {
			return []byte("[]"), nil
		}
		return json.Marshal(v.items)
	case KindTuple:
		return v.tuple.MarshalJSON()
	default:
		return json.Marshal(v.str)
	}
}

// Tuple is an ordered mapping from result names to values.
type Tuple struct {
	keys []string
	vals map[string]Value
}

func NewTuple() *Tuple {
	return &Tuple{vals: make(map[string]Value)}
}

// Set assigns key. A key seen before keeps its position and takes the new value.
func (t *Tuple) Set(key string, v Value) {
	if _, ok := t.vals[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.vals[key] = v
}

func (t *Tuple) Get(key string) (Value, bool) {
	if t == nil {
		return Value{}, false
	}
	v, ok := t.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order. The caller owns the slice.
func (t *Tuple) Keys() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

func (t *Tuple) Len() int {
	if t == nil {
		return 0
	}
	return len(t.keys)
}

func (t *Tuple) Equal(o *Tuple) bool {
	if t.Len() != o.Len() {
		return false
	}
	for i := 0; i < t.Len(); i++ {
		if t.keys[i] != o.keys[i] {
			return false
		}
		if !t.vals[t.keys[i]].Equal(o.vals[o.keys[i]]) {
			return false
		}
	}
	return true
}

func (t *Tuple) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := 0; i < t.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(t.keys[i])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := t.vals[t.keys[i]].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Class is the result class that follows the caret of a result record.
type Class string

const (
	ClassDone    Class = "done"
	ClassRunning Class = "running"
	ClassError   Class = "error"
	ClassExit    Class = "exit"
)

// Record is one parsed result record: its class and the merged results.
type Record struct {
	Class   Class
	Results *Tuple
}

func (r *Record) Get(key string) (Value, bool) {
	return r.Results.Get(key)
}

// Lookup walks a path of keys starting at the record's results.
func (r *Record) Lookup(path ...string) (Value, bool) {
	return TupleValue(r.Results).Lookup(path...)
}

// String returns the MI encoding of r.
func (r *Record) String() string {
	return string(appendRecord(nil, r))
}

func (r *Record) MarshalJSON() ([]byte, error) {
	results, err := r.Results.MarshalJSON()
	if err != nil {
		return nil, err
	}
	class, err := json.Marshal(string(r.Class))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"class":`)
	buf.Write(class)
	buf.WriteString(`,"results":`)
	buf.Write(results)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
