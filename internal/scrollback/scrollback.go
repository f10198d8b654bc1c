// Package scrollback holds recent raw PTY output for replay to newly
// attaching clients. Each session owns one fixed-capacity ring buffer that is
// written by the session's output reader and read by attach and capture
// requests, so all access is mutex-guarded.
package scrollback

import (
	"strings"
	"sync"
)

// DefaultCapacity is the fallback per-session scrollback size.
const DefaultCapacity = 1024 * 1024

// Buffer is a thread-safe circular byte buffer. Oldest data is silently
// overwritten once the buffer is full.
type Buffer struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
	pos  int  // next write position
	full bool // buffer has wrapped at least once
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{buf: make([]byte, capacity), cap: capacity}
}

// Write appends data, overwriting the oldest bytes on wrap.
func (b *Buffer) Write(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(data) > 0 {
		n := copy(b.buf[b.pos:], data)
		data = data[n:]
		b.pos += n
		if b.pos >= b.cap {
			b.pos = 0
			b.full = true
		}
	}
}

// Contents returns the buffered bytes oldest-first as a fresh slice the
// caller owns. After a wrap the oldest bytes may begin mid-character, so
// orphaned UTF-8 continuation bytes are skipped to start on a valid boundary.
func (b *Buffer) Contents() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]byte, b.pos)
		copy(out, b.buf[:b.pos])
		return out
	}
	out := make([]byte, b.cap)
	n := copy(out, b.buf[b.pos:])
	copy(out[n:], b.buf[:b.pos])
	return skipLeadingContinuationBytes(out)
}

// TailLines returns the last n lines of the buffer contents, joined with
// their original separators. Truncation is by line boundary, not byte offset:
// the text is split on "\n" and the trailing n entries are rejoined. n <= 0
// returns the full contents.
func (b *Buffer) TailLines(n int) []byte {
	contents := b.Contents()
	if n <= 0 {
		return contents
	}
	lines := strings.Split(string(contents), "\n")
	if len(lines) <= n {
		return contents
	}
	return []byte(strings.Join(lines[len(lines)-n:], "\n"))
}

// IncompleteUTF8Tail returns the number of trailing bytes of data that form
// an incomplete multi-byte UTF-8 sequence. The output reader holds these
// bytes back until the next read completes the character, so a sequence is
// never split across broadcast chunks and mangled by JSON encoding.
func IncompleteUTF8Tail(data []byte) int {
	n := len(data)
	if n == 0 || data[n-1] < 0x80 {
		return 0
	}
	// Scan backwards for the start byte of the last sequence. Start bytes
	// are 11xxxxxx, continuation bytes 10xxxxxx.
	for i := 0; i < 4 && i < n; i++ {
		c := data[n-1-i]
		if c&0xC0 != 0x80 {
			var seqLen int
			switch {
			case c&0xE0 == 0xC0:
				seqLen = 2
			case c&0xF0 == 0xE0:
				seqLen = 3
			case c&0xF8 == 0xF0:
				seqLen = 4
			default:
				return 0 // not a start byte, emit as-is
			}
			have := i + 1
			if have < seqLen {
				return have
			}
			return 0
		}
	}
	return 0 // 4+ continuation bytes in a row, invalid: emit as-is
}

// skipLeadingContinuationBytes drops orphaned 10xxxxxx bytes at the head of
// data, left behind when a ring wrap overwrote their start byte.
func skipLeadingContinuationBytes(data []byte) []byte {
	i := 0
	for i < len(data) && i < 4 && data[i]&0xC0 == 0x80 {
		i++
	}
	return data[i:]
}
