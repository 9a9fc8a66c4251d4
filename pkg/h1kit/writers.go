package h1kit

import "strconv"

// sink consumes serialized bytes. Connection.Send supplies one that
// accumulates into the returned byte slice; callers embedding the engine in
// a transport can pass their own.
type sink func(p []byte)

// writer serializes outbound events for one (role, state) position.
type writer interface {
	WriteEvent(ev Event, write sink) error
}

// writeHeaders serializes a header block plus the terminating blank line.
// Host is emitted first: it is critical information for request handling,
// so RFC 7230 says a user agent should generate it as the first field.
func writeHeaders(h *Headers, write sink) {
	if h != nil {
		for _, f := range h.fields {
			if f.name == "host" {
				write([]byte(f.raw + ": " + f.value + "\r\n"))
			}
		}
		for _, f := range h.fields {
			if f.name != "host" {
				write([]byte(f.raw + ": " + f.value + "\r\n"))
			}
		}
	}
	write([]byte("\r\n"))
}

// requestWriter serializes a request head for a client in Idle.
type requestWriter struct{}

func (requestWriter) WriteEvent(ev Event, write sink) error {
	req, ok := ev.(*Request)
	if !ok {
		return localError("unexpected %s event in send-request state", kindOf(ev))
	}
	if req.HTTPVersion != "1.1" {
		return localErrorHint(505, "I only send HTTP/1.1")
	}
	write([]byte(req.Method + " " + req.Target + " HTTP/1.1\r\n"))
	writeHeaders(req.Headers, write)
	return nil
}

// responseWriter serializes any response head, informational or final.
type responseWriter struct{}

func (responseWriter) WriteEvent(ev Event, write sink) error {
	var statusCode int
	var reason, version string
	var headers *Headers
	switch resp := ev.(type) {
	case *Response:
		statusCode, reason, version, headers = resp.StatusCode, resp.Reason, resp.HTTPVersion, resp.Headers
	case *InformationalResponse:
		statusCode, reason, version, headers = resp.StatusCode, resp.Reason, resp.HTTPVersion, resp.Headers
	default:
		return localError("unexpected %s event in send-response state", kindOf(ev))
	}
	if version != "1.1" {
		return localErrorHint(505, "I only send HTTP/1.1")
	}
	statusLine := "HTTP/1.1 " + strconv.Itoa(statusCode)
	if reason != "" {
		statusLine += " " + reason
	}
	write([]byte(statusLine + "\r\n"))
	writeHeaders(headers, write)
	return nil
}

// contentLengthWriter frames a body with a declared Content-Length,
// enforcing that exactly that many bytes pass through.
type contentLengthWriter struct {
	remaining int64
}

func newContentLengthWriter(length int64) *contentLengthWriter {
	return &contentLengthWriter{remaining: length}
}

func (w *contentLengthWriter) WriteEvent(ev Event, write sink) error {
	switch ev := ev.(type) {
	case *Data:
		return w.sendData(ev.Data, write)
	case *EndOfMessage:
		return w.sendEOM(ev.Headers, write)
	default:
		return localError("unexpected %s event in send-body state", kindOf(ev))
	}
}

func (w *contentLengthWriter) sendData(data []byte, write sink) error {
	if int64(len(data)) > w.remaining {
		return localError("Too much data for declared Content-Length")
	}
	w.remaining -= int64(len(data))
	write(data)
	return nil
}

func (w *contentLengthWriter) sendEOM(trailers *Headers, write sink) error {
	if w.remaining != 0 {
		return localError("Too little data for declared Content-Length")
	}
	if trailers.Len() > 0 {
		return localError("Content-Length and trailers don't mix")
	}
	return nil
}

// chunkedWriter frames a body as explicit length-prefixed chunks terminated
// by a zero-length chunk plus optional trailers.
type chunkedWriter struct{}

func (w chunkedWriter) WriteEvent(ev Event, write sink) error {
	switch ev := ev.(type) {
	case *Data:
		w.sendData(ev.Data, write)
		return nil
	case *EndOfMessage:
		w.sendEOM(ev.Headers, write)
		return nil
	default:
		return localError("unexpected %s event in send-body state", kindOf(ev))
	}
}

func (chunkedWriter) sendData(data []byte, write sink) {
	// An empty chunk would read as the end-of-body marker.
	if len(data) == 0 {
		return
	}
	write([]byte(strconv.FormatInt(int64(len(data)), 16) + "\r\n"))
	write(data)
	write([]byte("\r\n"))
}

func (chunkedWriter) sendEOM(trailers *Headers, write sink) {
	write([]byte("0\r\n"))
	writeHeaders(trailers, write)
}

// http10Writer frames a close-delimited body: bytes pass through as-is and
// the connection close marks the end.
type http10Writer struct{}

func (w http10Writer) WriteEvent(ev Event, write sink) error {
	switch ev := ev.(type) {
	case *Data:
		write(ev.Data)
		return nil
	case *EndOfMessage:
		if ev.Headers.Len() > 0 {
			return localError("can't send trailers to HTTP/1.0 client")
		}
		// No way to signal end of body except by closing.
		return nil
	default:
		return localError("unexpected %s event in send-body state", kindOf(ev))
	}
}

// headWriters maps our (role, state) to the serializer used outside of body
// framing. Body writers are selected by framing type when a message head
// establishes it.
var headWriters = map[roleState]func() writer{
	{Client, Idle}:         func() writer { return requestWriter{} },
	{Server, Idle}:         func() writer { return responseWriter{} },
	{Server, SendResponse}: func() writer { return responseWriter{} },
}
