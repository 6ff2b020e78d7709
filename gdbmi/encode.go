package gdbmi

import (
	"strconv"
)

func appendRecord(b []byte, r *Record) []byte {
	b = append(b, '^')
	b = append(b, r.Class...)
	for _, key := range r.Results.Keys() {
		b = append(b, ',')
		v, _ := r.Results.Get(key)
		b = appendResult(b, key, v)
	}
	return b
}

func appendResult(b []byte, key string, v Value) []byte {
	b = append(b, key...)
	b = append(b, '=')
	return appendValue(b, v)
}

func appendValue(b []byte, v Value) []byte {
	switch v.kind {
	case KindInt:
		b = append(b, '"')
		b = strconv.AppendInt(b, v.num, 10)
		return append(b, '"')
	case KindList:
		b = append(b, '[')
		results := isResultList(v.items)
		for i, item := range v.items {
			if i > 0 {
				b = append(b, ',')
			}
			if results {
				key := item.tuple.keys[0]
				b = appendResult(b, key, item.tuple.vals[key])
			} else {
				b = appendValue(b, item)
			}
		}
		return append(b, ']')
	case KindTuple:
		b = append(b, '{')
		for i, key := range v.tuple.keys {
			if i > 0 {
				b = append(b, ',')
			}
			b = appendResult(b, key, v.tuple.vals[key])
		}
		return append(b, '}')
	default:
		return appendQuoted(b, v.str)
	}
}

// isResultList reports whether every element is a single-entry tuple, which
// is how a list of results parses. Such lists are written back as results.
func isResultList(items []Value) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if item.kind != KindTuple || item.tuple.Len() != 1 {
			return false
		}
	}
	return true
}

func appendQuoted(b []byte, s string) []byte {
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			b = append(b, '\\', c)
		case '\n':
			b = append(b, '\\', 'n')
		case '\t':
			b = append(b, '\\', 't')
		case '\r':
			b = append(b, '\\', 'r')
		default:
			if c < 0x20 || c == 0x7f {
				b = append(b, '\\', '0'+c>>6, '0'+(c>>3)&7, '0'+c&7)
			} else {
				b = append(b, c)
			}
		}
	}
	return append(b, '"')
}
