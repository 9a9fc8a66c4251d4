package h1kit

import (
	"bytes"
	"strconv"

	"github.com/albertbausili/h1kit/internal/buffer"
	"github.com/albertbausili/h1kit/internal/wire"
)

// reader turns buffered receive bytes into protocol events. ReadEvent
// returns (nil, nil) when the buffer does not yet hold a complete event;
// that is the need-more-data signal, not an error.
type reader interface {
	ReadEvent(buf *buffer.ReceiveBuffer) (Event, error)
}

// bodyReader is a body framing strategy. ReadEOF is called when the peer
// half-closed the connection, and decides whether that is a legal end of
// body or a protocol violation.
type bodyReader interface {
	reader
	ReadEOF() (Event, error)
}

// obsoleteLineFold joins obs-fold continuation lines (lines starting with
// space or tab) onto the previous header line with a single space, per RFC
// 7230's backward-compatibility rule. A continuation at the start of the
// block is illegal.
func obsoleteLineFold(lines [][]byte) ([][]byte, error) {
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			if len(out) == 0 {
				return nil, localError("continuation line at start of headers")
			}
			last := out[len(out)-1]
			last = append(append(last, ' '), bytes.TrimLeft(line, " \t")...)
			out[len(out)-1] = last
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// decodeHeaderLines parses raw header lines into (name, value) pairs,
// validating each against the header-field grammar.
func decodeHeaderLines(lines [][]byte) ([][2]string, error) {
	folded, err := obsoleteLineFold(lines)
	if err != nil {
		return nil, err
	}
	pairs := make([][2]string, 0, len(folded))
	for _, line := range folded {
		groups, ok := wire.Validate(wire.HeaderField, line)
		if !ok {
			return nil, localError("illegal header line: %q", line)
		}
		pairs = append(pairs, [2]string{groups["field_name"], groups["field_value"]})
	}
	return pairs, nil
}

// requestReader parses a request head (request line plus header block) from
// a client in the Idle state.
type requestReader struct{}

func (requestReader) ReadEvent(buf *buffer.ReceiveBuffer) (Event, error) {
	lines, ok := buf.MaybeExtractLines()
	if !ok {
		if buf.IsNextLineObviouslyInvalidRequestLine() {
			return nil, localError("illegal request line")
		}
		return nil, nil
	}
	if len(lines) == 0 {
		return nil, localError("no request line received")
	}
	groups, ok := wire.Validate(wire.RequestLine, lines[0])
	if !ok {
		return nil, localError("illegal request line: %q", lines[0])
	}
	pairs, err := decodeHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}
	headers, err := NormalizeAndValidate(pairs, true)
	if err != nil {
		return nil, err
	}
	return newRequest(groups["method"], groups["target"], headers, groups["http_version"])
}

// responseReader parses a response head from a server. A 1xx status yields
// an InformationalResponse, anything else a Response.
type responseReader struct{}

func (responseReader) ReadEvent(buf *buffer.ReceiveBuffer) (Event, error) {
	lines, ok := buf.MaybeExtractLines()
	if !ok {
		return nil, nil
	}
	if len(lines) == 0 {
		return nil, localError("no response line received")
	}
	groups, ok := wire.Validate(wire.StatusLine, lines[0])
	if !ok {
		return nil, localError("illegal status line: %q", lines[0])
	}
	statusCode, err := strconv.Atoi(groups["status_code"])
	if err != nil {
		return nil, localError("illegal status code: %q", groups["status_code"])
	}
	pairs, err := decodeHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}
	headers, err := NormalizeAndValidate(pairs, true)
	if err != nil {
		return nil, err
	}
	if statusCode < 200 {
		return newInformationalResponse(statusCode, headers, groups["reason"], groups["http_version"])
	}
	return newResponse(statusCode, headers, groups["reason"], groups["http_version"])
}

// contentLengthReader reads a body with a declared Content-Length.
type contentLengthReader struct {
	length    int64
	remaining int64
}

func newContentLengthReader(length int64) *contentLengthReader {
	return &contentLengthReader{length: length, remaining: length}
}

func (r *contentLengthReader) ReadEvent(buf *buffer.ReceiveBuffer) (Event, error) {
	if r.remaining == 0 {
		return &EndOfMessage{Headers: &Headers{}}, nil
	}
	data := buf.MaybeExtractAtMost(int(min64(r.remaining, int64(maxExtract))))
	if data == nil {
		return nil, nil
	}
	r.remaining -= int64(len(data))
	// ChunkEnd marks the end of the body so relaying callers don't have to
	// count bytes themselves.
	return &Data{Data: data, ChunkEnd: r.remaining == 0}, nil
}

func (r *contentLengthReader) ReadEOF() (Event, error) {
	if r.remaining > 0 {
		return nil, remoteError(
			"peer closed connection without sending complete message body (received %d bytes, expected %d)",
			r.length-r.remaining, r.length)
	}
	return &EndOfMessage{Headers: &Headers{}}, nil
}

// chunkedReader reads a chunked body: a run of size-prefixed chunks, a
// zero-size chunk, then a trailer block terminated by a blank line.
type chunkedReader struct {
	bytesInChunk   int64
	bytesToDiscard int
	readingTrailer bool
	// Set when a size line has been parsed but none of the chunk's data
	// has been emitted yet, so ChunkStart survives a delivery boundary
	// between the two.
	pendingChunkStart bool
}

func (r *chunkedReader) ReadEvent(buf *buffer.ReceiveBuffer) (Event, error) {
	if r.readingTrailer {
		lines, ok := buf.MaybeExtractLines()
		if !ok {
			return nil, nil
		}
		pairs, err := decodeHeaderLines(lines)
		if err != nil {
			return nil, err
		}
		trailers, err := NormalizeAndValidate(pairs, true)
		if err != nil {
			return nil, err
		}
		return &EndOfMessage{Headers: trailers}, nil
	}
	if r.bytesToDiscard > 0 {
		// The CRLF that terminates the previous chunk's data.
		data := buf.MaybeExtractAtMost(r.bytesToDiscard)
		if data == nil {
			return nil, nil
		}
		r.bytesToDiscard -= len(data)
		if r.bytesToDiscard > 0 {
			return nil, nil
		}
	}
	if r.bytesInChunk == 0 {
		line := buf.MaybeExtractNextLine()
		if line == nil {
			return nil, nil
		}
		groups, ok := wire.Validate(wire.ChunkHeader, line)
		if !ok {
			return nil, localError("illegal chunk header: %q", line)
		}
		// Chunk extensions are discarded.
		size, err := strconv.ParseInt(groups["chunk_size"], 16, 64)
		if err != nil {
			return nil, localError("chunk size out of range: %q", groups["chunk_size"])
		}
		if size == 0 {
			r.readingTrailer = true
			return r.ReadEvent(buf)
		}
		r.bytesInChunk = size
		r.pendingChunkStart = true
	}
	data := buf.MaybeExtractAtMost(int(min64(r.bytesInChunk, int64(maxExtract))))
	if data == nil {
		return nil, nil
	}
	chunkStart := r.pendingChunkStart
	r.pendingChunkStart = false
	r.bytesInChunk -= int64(len(data))
	chunkEnd := false
	if r.bytesInChunk == 0 {
		r.bytesToDiscard = 2
		chunkEnd = true
	}
	return &Data{Data: data, ChunkStart: chunkStart, ChunkEnd: chunkEnd}, nil
}

func (r *chunkedReader) ReadEOF() (Event, error) {
	// An abrupt close is never a legal end for chunked framing.
	return nil, remoteError("peer closed connection without sending complete message body (incomplete chunked read)")
}

// http10Reader reads a close-delimited HTTP/1.0-style body: everything until
// the peer closes is body.
type http10Reader struct{}

func (http10Reader) ReadEvent(buf *buffer.ReceiveBuffer) (Event, error) {
	data := buf.MaybeExtractAtMost(maxExtract)
	if data == nil {
		return nil, nil
	}
	return &Data{Data: data}, nil
}

func (http10Reader) ReadEOF() (Event, error) {
	// The close is the end-of-body signal for this framing.
	return &EndOfMessage{Headers: &Headers{}}, nil
}

// expectNothingReader is installed for states where the peer has nothing
// left to say; any further bytes are a protocol violation.
type expectNothingReader struct{}

func (expectNothingReader) ReadEvent(buf *buffer.ReceiveBuffer) (Event, error) {
	if buf.Len() > 0 {
		return nil, localError("got data when expecting EOF")
	}
	return nil, nil
}

// maxExtract caps single greedy extractions; effectively "everything
// buffered".
const maxExtract = 1 << 30

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// roleState keys the reader and writer registries.
type roleState struct {
	role  Role
	state State
}

// headReaders maps the peer's (role, state) to the parser used outside of
// body framing. Body readers are selected separately by framing type once a
// message head establishes it.
var headReaders = map[roleState]func() reader{
	{Client, Idle}:         func() reader { return requestReader{} },
	{Server, Idle}:         func() reader { return responseReader{} },
	{Server, SendResponse}: func() reader { return responseReader{} },

	{Client, Done}:      func() reader { return expectNothingReader{} },
	{Client, MustClose}: func() reader { return expectNothingReader{} },
	{Client, Closed}:    func() reader { return expectNothingReader{} },
	{Server, Done}:      func() reader { return expectNothingReader{} },
	{Server, MustClose}: func() reader { return expectNothingReader{} },
	{Server, Closed}:    func() reader { return expectNothingReader{} },
}
