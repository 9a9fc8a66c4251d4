// Package buffer implements the incremental receive buffer used by the
// HTTP/1.1 engine. Bytes are appended as they arrive from the transport and
// extracted as lines, header blocks, or raw runs once enough data is present.
package buffer

import (
	"bytes"
	"regexp"
)

// blankLineRe matches the blank line that terminates a header block. The
// lenient form tolerates bare-LF line endings from sloppy peers.
var blankLineRe = regexp.MustCompile(`\n\r?\n`)

var crlf = []byte("\r\n")

// ReceiveBuffer accumulates received bytes and supports incremental
// extraction. Two search cursors remember how far previous line and
// blank-line scans got, so repeated probing of an incomplete buffer stays
// amortized linear instead of rescanning the same prefix on every call.
//
// Extraction methods return a "no data yet" result (nil, or ok=false) when
// the buffer does not yet hold a complete unit; that is a normal signal, not
// an error.
type ReceiveBuffer struct {
	data []byte

	// Cursors are always <= len(data) and reset to zero whenever bytes are
	// removed from the front, since extraction invalidates found offsets.
	nextLineSearch      int
	multipleLinesSearch int
}

// New returns an empty ReceiveBuffer.
func New() *ReceiveBuffer {
	return &ReceiveBuffer{}
}

// Append adds received bytes to the end of the buffer.
func (b *ReceiveBuffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Len returns the number of buffered bytes.
func (b *ReceiveBuffer) Len() int {
	return len(b.data)
}

// Bytes returns the buffered bytes without consuming them. The returned
// slice aliases the buffer and is only valid until the next mutation.
func (b *ReceiveBuffer) Bytes() []byte {
	return b.data
}

// extract removes and returns the first n bytes. The copy keeps the result
// valid after later appends reuse the backing array.
func (b *ReceiveBuffer) extract(n int) []byte {
	out := make([]byte, n)
	copy(out, b.data)
	b.data = b.data[n:]
	b.nextLineSearch = 0
	b.multipleLinesSearch = 0
	return out
}

// MaybeExtractAtMost removes and returns up to n buffered bytes, or nil if
// the buffer is empty.
func (b *ReceiveBuffer) MaybeExtractAtMost(n int) []byte {
	if len(b.data) == 0 || n <= 0 {
		return nil
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	return b.extract(n)
}

// MaybeExtractNextLine removes and returns the next line including its
// trailing "\r\n", or nil if no complete line is buffered yet.
func (b *ReceiveBuffer) MaybeExtractNextLine() []byte {
	// Start one byte back from the previous high-water mark in case the
	// buffer ended mid-"\r\n" last time.
	searchStart := b.nextLineSearch - 1
	if searchStart < 0 {
		searchStart = 0
	}
	idx := bytes.Index(b.data[searchStart:], crlf)
	if idx == -1 {
		b.nextLineSearch = len(b.data)
		return nil
	}
	return b.extract(searchStart + idx + len(crlf))
}

// MaybeExtractLines removes a full header block terminated by a blank line
// and returns it split into lines with line terminators stripped. An
// immediate "\n" or "\r\n" is recognized as an explicit empty block. The
// second return value is false when no complete block is buffered yet.
func (b *ReceiveBuffer) MaybeExtractLines() ([][]byte, bool) {
	if len(b.data) >= 1 && b.data[0] == '\n' {
		b.extract(1)
		return nil, true
	}
	if len(b.data) >= 2 && b.data[0] == '\r' && b.data[1] == '\n' {
		b.extract(2)
		return nil, true
	}

	loc := blankLineRe.FindIndex(b.data[b.multipleLinesSearch:])
	if loc == nil {
		// The last two bytes may be the start of the separator next time.
		b.multipleLinesSearch = len(b.data) - 2
		if b.multipleLinesSearch < 0 {
			b.multipleLinesSearch = 0
		}
		return nil, false
	}

	out := b.extract(b.multipleLinesSearch + loc[1])
	lines := bytes.Split(out, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimSuffix(line, []byte("\r"))
	}
	// The separator produces two trailing empty entries.
	return lines[:len(lines)-2], true
}

// IsNextLineObviouslyInvalidRequestLine reports whether the buffered content
// starts with a byte that can never begin a valid request line. Request lines
// start with a token character, so anything below 0x21 is a fast reject that
// lets the caller fail immediately instead of waiting for more bytes.
func (b *ReceiveBuffer) IsNextLineObviouslyInvalidRequestLine() bool {
	if len(b.data) == 0 {
		return false
	}
	return b.data[0] < 0x21
}
