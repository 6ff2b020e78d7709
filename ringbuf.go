package main

import (
	"sync"
)

// incompleteUTF8Tail returns how many trailing bytes of data start a
// multi-byte UTF-8 sequence that is not finished yet. The PTY pump holds
// these back so a character is never split across two chunks.
func incompleteUTF8Tail(data []byte) int {
	n := len(data)
	if n == 0 || data[n-1] < 0x80 {
		return 0
	}
	// Walk back over at most three continuation bytes (10xxxxxx) to the
	// lead byte and compare its declared length with what we have.
	for i := 0; i < 4 && i < n; i++ {
		b := data[n-1-i]
		if b&0xC0 == 0x80 {
			continue
		}
		var want int
		switch {
		case b&0xE0 == 0xC0:
			want = 2
		case b&0xF0 == 0xE0:
			want = 3
		case b&0xF8 == 0xF0:
			want = 4
		default:
			return 0
		}
		if have := i + 1; have < want {
			return have
		}
		return 0
	}
	return 0
}

// skipLeadingContinuationBytes drops continuation bytes left at the front
// when the backlog overwrote the lead byte of a character.
func skipLeadingContinuationBytes(data []byte) []byte {
	i := 0
	for i < len(data) && i < 4 && data[i]&0xC0 == 0x80 {
		i++
	}
	return data[i:]
}

// DefaultBacklogSize caps output kept for FLUSH while no caller is attached.
const DefaultBacklogSize = 1024 * 1024

// RingBuffer keeps the most recent bytes written to it. Older bytes are
// dropped once it is full. Safe for concurrent use.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int  // next write position
	full bool // wrapped at least once
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size), size: size}
}

func (r *RingBuffer) Write(data []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(data)
	if len(data) > r.size {
		data = data[len(data)-r.size:]
	}
	for len(data) > 0 {
		c := copy(r.buf[r.pos:], data)
		data = data[c:]
		r.pos += c
		if r.pos == r.size {
			r.pos = 0
			r.full = true
		}
	}
	return n, nil
}

func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.size
	}
	return r.pos
}

// Drain returns the retained bytes oldest first, starting on a character
// boundary, and empties the buffer. The caller owns the result.
func (r *RingBuffer) Drain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.contentsLocked()
	r.pos = 0
	r.full = false
	return out
}

func (r *RingBuffer) contentsLocked() []byte {
	if !r.full {
		out := make([]byte, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	// [pos, size) is the oldest part, [0, pos) the newest.
	out := make([]byte, r.size)
	n := copy(out, r.buf[r.pos:])
	copy(out[n:], r.buf[:r.pos])
	return skipLeadingContinuationBytes(out)
}
