package transport

import "strings"

// LineBuffer splits an append-only text stream into terminated lines. The
// trailing partial segment is kept until its terminator arrives, so feeding
// a stream in any chunking yields the same lines.
type LineBuffer struct {
	sep string
	buf strings.Builder
}

// NewLineBuffer creates a buffer that splits on sep.
func NewLineBuffer(sep string) *LineBuffer {
	return &LineBuffer{sep: sep}
}

// Feed appends chunk and returns every line completed by it, without
// terminators.
func (l *LineBuffer) Feed(chunk string) []string {
	if chunk == "" {
		return nil
	}
	l.buf.WriteString(chunk)

	data := l.buf.String()
	if !strings.Contains(data, l.sep) {
		return nil
	}

	parts := strings.Split(data, l.sep)
	rest := parts[len(parts)-1]
	l.buf.Reset()
	l.buf.WriteString(rest)
	return parts[:len(parts)-1]
}

// Pending returns the incomplete trailing segment.
func (l *LineBuffer) Pending() string {
	return l.buf.String()
}

// Reset drops any partial line.
func (l *LineBuffer) Reset() {
	l.buf.Reset()
}
