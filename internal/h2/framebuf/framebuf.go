// Package framebuf provides a sans-I/O HTTP/2 frame buffer: raw bytes go
// in, whole frames come out, with HEADERS/CONTINUATION sequences combined
// into a single frame carrying the complete header block.
package framebuf

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// continuationBacklog caps how many frames a single header block may span
// before the peer is considered abusive.
const continuationBacklog = 64

// clientPreface is what a client must send before its first frame.
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// ProtocolError reports peer behavior that violates HTTP/2 framing rules.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }

// FrameTooLargeError reports a frame whose declared length exceeds the
// negotiated maximum frame size.
type FrameTooLargeError struct {
	Length uint32
	Max    uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("received overlong frame: length %d, max %d", e.Length, e.Max)
}

// FrameDataMissingError reports a frame whose payload is malformed for its
// declared type.
type FrameDataMissingError struct {
	Msg string
}

func (e *FrameDataMissingError) Error() string { return e.Msg }

// Frame is a parsed HTTP/2 frame. For HEADERS and PUSH_PROMISE frames that
// arrived fragmented, Payload holds the concatenated header block and the
// END_HEADERS flag is set.
type Frame struct {
	Header  http2.FrameHeader
	Payload []byte
}

// FrameBuffer accumulates received bytes and yields complete frames. It is
// not safe for concurrent use.
type FrameBuffer struct {
	data         []byte
	maxFrameSize uint32
	preamble     []byte

	headersBuffer []*Frame
}

// New creates a FrameBuffer. A server-side buffer first expects the HTTP/2
// client connection preface.
func New(server bool) *FrameBuffer {
	fb := &FrameBuffer{
		maxFrameSize: 16384, // RFC 7540 initial SETTINGS_MAX_FRAME_SIZE
	}
	if server {
		fb.preamble = []byte(clientPreface)
	}
	return fb
}

// SetMaxFrameSize updates the frame size limit after a SETTINGS exchange.
func (fb *FrameBuffer) SetMaxFrameSize(size uint32) {
	fb.maxFrameSize = size
}

// AddData feeds received bytes into the buffer, consuming any outstanding
// connection preface first. A preface mismatch fails immediately, even on a
// partial prefix.
func (fb *FrameBuffer) AddData(data []byte) error {
	if len(fb.preamble) > 0 {
		n := len(fb.preamble)
		if len(data) < n {
			n = len(data)
		}
		if !bytes.Equal(fb.preamble[:n], data[:n]) {
			return &ProtocolError{Msg: "Invalid HTTP/2 preamble."}
		}
		fb.preamble = fb.preamble[n:]
		data = data[n:]
	}
	fb.data = append(fb.data, data...)
	return nil
}

// Len returns the number of buffered bytes not yet consumed.
func (fb *FrameBuffer) Len() int {
	return len(fb.data)
}

// Next returns the next complete frame, or (nil, nil) when more data is
// needed. Frames that only continue an in-progress header block are
// absorbed internally; the combined frame is returned once END_HEADERS
// arrives.
func (fb *FrameBuffer) Next() (*Frame, error) {
	for {
		if len(fb.data) < 9 {
			return nil, nil
		}
		header, err := http2.ReadFrameHeader(bytes.NewReader(fb.data[:9]))
		if err != nil {
			return nil, &ProtocolError{Msg: fmt.Sprintf("Received frame with invalid header: %v", err)}
		}
		if header.Length > fb.maxFrameSize {
			return nil, &FrameTooLargeError{Length: header.Length, Max: fb.maxFrameSize}
		}
		total := 9 + int(header.Length)
		if len(fb.data) < total {
			return nil, nil
		}
		payload := make([]byte, header.Length)
		copy(payload, fb.data[9:total])
		fb.data = fb.data[total:]

		frame, err := fb.stripPadding(&Frame{Header: header, Payload: payload})
		if err != nil {
			return nil, err
		}
		frame, err = fb.updateHeaderBuffer(frame)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}
	}
}

// stripPadding removes the pad-length octet and trailing padding from
// padded DATA, HEADERS, and PUSH_PROMISE frames so downstream code sees
// only the real payload.
func (fb *FrameBuffer) stripPadding(f *Frame) (*Frame, error) {
	if f.Header.Flags&http2.FlagDataPadded == 0 {
		return f, nil
	}
	switch f.Header.Type {
	case http2.FrameData, http2.FrameHeaders, http2.FramePushPromise:
	default:
		return f, nil
	}
	if len(f.Payload) == 0 {
		return nil, &FrameDataMissingError{Msg: "padded frame with empty payload"}
	}
	padLen := int(f.Payload[0])
	body := f.Payload[1:]
	if padLen > len(body) {
		return nil, &FrameDataMissingError{Msg: "padding longer than frame payload"}
	}
	f.Payload = body[:len(body)-padLen]
	f.Header.Flags &^= http2.FlagDataPadded
	return f, nil
}

// updateHeaderBuffer enforces the HEADERS/CONTINUATION contiguity rules:
// once a header block starts, only CONTINUATION frames on the same stream
// may follow until END_HEADERS.
func (fb *FrameBuffer) updateHeaderBuffer(f *Frame) (*Frame, error) {
	if len(fb.headersBuffer) > 0 {
		streamID := fb.headersBuffer[0].Header.StreamID
		if f.Header.Type != http2.FrameContinuation || f.Header.StreamID != streamID {
			return nil, &ProtocolError{Msg: "Invalid frame during header block."}
		}
		fb.headersBuffer = append(fb.headersBuffer, f)
		if len(fb.headersBuffer) > continuationBacklog {
			return nil, &ProtocolError{Msg: "Too many continuation frames received."}
		}
		if f.Header.Flags&http2.FlagContinuationEndHeaders == 0 {
			return nil, nil
		}
		first := fb.headersBuffer[0]
		var block []byte
		for _, buffered := range fb.headersBuffer {
			block = append(block, buffered.Payload...)
		}
		combined := &Frame{
			Header:  first.Header,
			Payload: block,
		}
		combined.Header.Flags |= http2.FlagHeadersEndHeaders
		combined.Header.Length = uint32(len(block))
		fb.headersBuffer = nil
		return combined, nil
	}

	switch f.Header.Type {
	case http2.FrameHeaders, http2.FramePushPromise:
		if f.Header.Flags&http2.FlagHeadersEndHeaders == 0 {
			fb.headersBuffer = append(fb.headersBuffer, f)
			return nil, nil
		}
	}
	return f, nil
}

// HeaderDecoder decodes HPACK header blocks from combined HEADERS frames.
// A single decoder must be used for the whole connection because HPACK
// state is connection-scoped.
type HeaderDecoder struct {
	decoder *hpack.Decoder
}

// NewHeaderDecoder creates a decoder with the given dynamic table size.
func NewHeaderDecoder(maxSize uint32) *HeaderDecoder {
	return &HeaderDecoder{
		decoder: hpack.NewDecoder(maxSize, nil),
	}
}

// Decode decodes a complete header block into name/value pairs.
func (d *HeaderDecoder) Decode(block []byte) ([][2]string, error) {
	headers := make([][2]string, 0)
	d.decoder.SetEmitFunc(func(hf hpack.HeaderField) {
		headers = append(headers, [2]string{hf.Name, hf.Value})
	})
	if _, err := d.decoder.Write(block); err != nil {
		return nil, &FrameDataMissingError{Msg: fmt.Sprintf("hpack decode error: %v", err)}
	}
	if err := d.decoder.Close(); err != nil {
		return nil, &FrameDataMissingError{Msg: fmt.Sprintf("truncated header block: %v", err)}
	}
	return headers, nil
}
