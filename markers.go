package main

import (
	"bytes"
	"strings"
)

// MarkerKind names the protocol state a trailing marker signals.
type MarkerKind int

const (
	MarkerNone MarkerKind = iota
	MarkerPrompt
	MarkerQuery
	MarkerCommands
	MarkerContinue
)

func (k MarkerKind) String() string {
	switch k {
	case MarkerPrompt:
		return "prompt"
	case MarkerQuery:
		return "query"
	case MarkerCommands:
		return "commands"
	case MarkerContinue:
		return "prompt-for-continue"
	default:
		return "none"
	}
}

// Marker is a line the debugger prints last when it enters a state. Open,
// if set, is the line printed before the text that belongs to the state
// (the question of a query, for instance).
type Marker struct {
	Kind  MarkerKind
	Open  string
	Close string
}

// maxLen is the longest suffix the marker can match, line ending included.
func (m Marker) maxLen() int {
	return len(m.Close) + 2
}

// Match is a marker found at the end of the pending window.
type Match struct {
	Kind MarkerKind
	// Text is what the debugger printed between Open and Close, without
	// surrounding line breaks. Empty when the marker has no Open line or
	// when Open was already trimmed out of the window.
	Text string
}

// matchSuffix reports whether window ends with m.Close followed by a line
// ending (CRLF as the terminal emits it, or a bare LF).
func (m Marker) matchSuffix(window []byte) (Match, bool) {
	var body []byte
	switch {
	case bytes.HasSuffix(window, []byte(m.Close+"\r\n")):
		body = window[:len(window)-len(m.Close)-2]
	case bytes.HasSuffix(window, []byte(m.Close+"\n")):
		body = window[:len(window)-len(m.Close)-1]
	default:
		return Match{}, false
	}

	match := Match{Kind: m.Kind}
	if m.Open != "" {
		if i := bytes.LastIndex(body, []byte(m.Open)); i >= 0 {
			match.Text = strings.TrimSpace(string(body[i+len(m.Open):]))
		}
	}
	return match, true
}

// detect returns the first marker in markers that ends window.
func detect(markers []Marker, window []byte) (Match, bool) {
	for _, m := range markers {
		if match, ok := m.matchSuffix(window); ok {
			return match, true
		}
	}
	return Match{}, false
}

// Window is the output received since the last marker. It is cleared after
// every match and trimmed when it grows without one, always keeping enough
// of its tail to finish any marker that is still arriving.
type Window struct {
	buf    []byte
	trimAt int
	keep   int
}

// NewWindow returns a window that, once longer than trimAt bytes, keeps its
// last keep bytes. keep is raised to the longest marker when shorter.
func NewWindow(trimAt, keep int, markers []Marker) *Window {
	for _, m := range markers {
		if l := m.maxLen(); l > keep {
			keep = l
		}
	}
	if trimAt < keep {
		trimAt = keep
	}
	return &Window{trimAt: trimAt, keep: keep}
}

func (w *Window) Append(data []byte) {
	w.buf = append(w.buf, data...)
}

func (w *Window) Bytes() []byte { return w.buf }

func (w *Window) Len() int { return len(w.buf) }

// Reset discards everything, the matched marker included.
func (w *Window) Reset() {
	w.buf = w.buf[:0]
}

// Trim bounds the window after a chunk that completed no marker.
func (w *Window) Trim() {
	if len(w.buf) <= w.trimAt {
		return
	}
	n := copy(w.buf, w.buf[len(w.buf)-w.keep:])
	w.buf = w.buf[:n]
}
