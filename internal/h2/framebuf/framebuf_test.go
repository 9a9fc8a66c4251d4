package framebuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// rawFrame serializes one frame with the real framer so the buffer is
// tested against wire-accurate bytes.
func rawFrame(t *testing.T, ftype http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	framer := http2.NewFramer(&buf, nil)
	require.NoError(t, framer.WriteRawFrame(ftype, flags, streamID, payload))
	return buf.Bytes()
}

func TestFrameBuffer_Preamble(t *testing.T) {
	fb := New(true)

	require.NoError(t, fb.AddData([]byte("PRI * HTTP/2.0\r\n")))
	require.NoError(t, fb.AddData([]byte("\r\nSM\r\n\r\n")))
	require.Equal(t, 0, fb.Len())

	frame, err := fb.Next()
	require.NoError(t, err)
	require.Nil(t, frame)
}

func TestFrameBuffer_PreambleMismatch(t *testing.T) {
	fb := New(true)
	err := fb.AddData([]byte("GET / HTTP/1.1\r\n"))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestFrameBuffer_ClientSideHasNoPreamble(t *testing.T) {
	fb := New(false)
	data := rawFrame(t, http2.FramePing, 0, 0, make([]byte, 8))
	require.NoError(t, fb.AddData(data))

	frame, err := fb.Next()
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, http2.FramePing, frame.Header.Type)
}

func TestFrameBuffer_PartialFrame(t *testing.T) {
	fb := New(false)
	data := rawFrame(t, http2.FrameData, 0, 1, []byte("hello"))

	require.NoError(t, fb.AddData(data[:7]))
	frame, err := fb.Next()
	require.NoError(t, err)
	require.Nil(t, frame)

	require.NoError(t, fb.AddData(data[7:]))
	frame, err = fb.Next()
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, http2.FrameData, frame.Header.Type)
	require.Equal(t, uint32(1), frame.Header.StreamID)
	require.Equal(t, []byte("hello"), frame.Payload)
}

func TestFrameBuffer_FrameTooLarge(t *testing.T) {
	fb := New(false)
	fb.SetMaxFrameSize(4)
	data := rawFrame(t, http2.FrameData, 0, 1, []byte("hello"))
	require.NoError(t, fb.AddData(data))

	_, err := fb.Next()
	var tooLarge *FrameTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, uint32(5), tooLarge.Length)
	require.Equal(t, uint32(4), tooLarge.Max)
}

func TestFrameBuffer_CombinesContinuations(t *testing.T) {
	fb := New(false)

	var block bytes.Buffer
	encoder := hpack.NewEncoder(&block)
	require.NoError(t, encoder.WriteField(hpack.HeaderField{Name: ":method", Value: "GET"}))
	require.NoError(t, encoder.WriteField(hpack.HeaderField{Name: ":path", Value: "/"}))
	full := block.Bytes()
	half := len(full) / 2

	require.NoError(t, fb.AddData(rawFrame(t, http2.FrameHeaders, 0, 1, full[:half])))
	frame, err := fb.Next()
	require.NoError(t, err)
	require.Nil(t, frame, "fragmented HEADERS must not surface before END_HEADERS")

	require.NoError(t, fb.AddData(rawFrame(t, http2.FrameContinuation, http2.FlagContinuationEndHeaders, 1, full[half:])))
	frame, err = fb.Next()
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, http2.FrameHeaders, frame.Header.Type)
	require.NotZero(t, frame.Header.Flags&http2.FlagHeadersEndHeaders)
	require.Equal(t, full, frame.Payload)

	headers, err := NewHeaderDecoder(4096).Decode(frame.Payload)
	require.NoError(t, err)
	require.Equal(t, [][2]string{{":method", "GET"}, {":path", "/"}}, headers)
}

func TestFrameBuffer_RejectsInterleavedHeaderBlock(t *testing.T) {
	fb := New(false)
	require.NoError(t, fb.AddData(rawFrame(t, http2.FrameHeaders, 0, 1, []byte{0x82})))
	frame, err := fb.Next()
	require.NoError(t, err)
	require.Nil(t, frame)

	// A DATA frame in the middle of a header block is a connection error.
	require.NoError(t, fb.AddData(rawFrame(t, http2.FrameData, 0, 1, []byte("x"))))
	_, err = fb.Next()
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestFrameBuffer_RejectsContinuationOnWrongStream(t *testing.T) {
	fb := New(false)
	require.NoError(t, fb.AddData(rawFrame(t, http2.FrameHeaders, 0, 1, []byte{0x82})))
	_, err := fb.Next()
	require.NoError(t, err)

	require.NoError(t, fb.AddData(rawFrame(t, http2.FrameContinuation, http2.FlagContinuationEndHeaders, 3, []byte{0x84})))
	_, err = fb.Next()
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestFrameBuffer_ContinuationBacklog(t *testing.T) {
	fb := New(false)
	require.NoError(t, fb.AddData(rawFrame(t, http2.FrameHeaders, 0, 1, []byte{0x82})))
	_, err := fb.Next()
	require.NoError(t, err)

	for i := 0; i < continuationBacklog; i++ {
		require.NoError(t, fb.AddData(rawFrame(t, http2.FrameContinuation, 0, 1, []byte{0x84})))
		frame, err := fb.Next()
		if i < continuationBacklog-1 {
			require.NoError(t, err)
			require.Nil(t, frame)
			continue
		}
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
	}
}

func TestFrameBuffer_StripsPadding(t *testing.T) {
	fb := New(false)
	payload := append([]byte{3}, []byte("datapad")...) // pad length 3, "data" + 3 pad bytes
	require.NoError(t, fb.AddData(rawFrame(t, http2.FrameData, http2.FlagDataPadded, 1, payload)))

	frame, err := fb.Next()
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, []byte("data"), frame.Payload)
	require.Zero(t, frame.Header.Flags&http2.FlagDataPadded)
}

func TestFrameBuffer_PaddingLongerThanPayload(t *testing.T) {
	fb := New(false)
	require.NoError(t, fb.AddData(rawFrame(t, http2.FrameData, http2.FlagDataPadded, 1, []byte{200, 'x'})))

	_, err := fb.Next()
	var missing *FrameDataMissingError
	require.ErrorAs(t, err, &missing)
}
