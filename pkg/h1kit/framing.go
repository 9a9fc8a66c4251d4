package h1kit

import "strconv"

// framingKind selects one of the closed set of body framing strategies.
type framingKind uint8

const (
	framingContentLength framingKind = iota
	framingChunked
	framingHTTP10
)

// bodyFraming is the framing a message head selects for its body. length is
// only meaningful for Content-Length framing.
type bodyFraming struct {
	kind   framingKind
	length int64
}

// bodyFramingFor decides how the body following ev is framed, per RFC 7230
// section 3.3. requestMethod is the method of the request this response
// answers ("" while only a request has been seen).
//
// Responses with no body (1xx is handled elsewhere): 204, 304, anything
// answering a HEAD, and 2xx answers to CONNECT all frame as zero-length.
// Otherwise Transfer-Encoding: chunked wins, then Content-Length, and a
// response with neither falls back to HTTP/1.0-style close-delimited
// framing. Requests can't be close-delimited, so without explicit framing a
// request body is empty.
func bodyFramingFor(requestMethod string, ev Event) (bodyFraming, error) {
	var headers *Headers
	isResponse := false
	statusCode := 0
	switch ev := ev.(type) {
	case *Request:
		headers = ev.Headers
	case *Response:
		headers = ev.Headers
		isResponse = true
		statusCode = ev.StatusCode
	default:
		return bodyFraming{}, localError("no body framing for %s events", kindOf(ev))
	}

	if isResponse {
		if statusCode == 204 || statusCode == 304 ||
			requestMethod == "HEAD" ||
			(requestMethod == "CONNECT" && 200 <= statusCode && statusCode < 300) {
			return bodyFraming{kind: framingContentLength, length: 0}, nil
		}
	}
	if len(headers.GetComma("transfer-encoding")) > 0 {
		// Headers validation restricted the value to "chunked".
		return bodyFraming{kind: framingChunked}, nil
	}
	if lengths := headers.GetComma("content-length"); len(lengths) > 0 {
		length, err := strconv.ParseInt(lengths[0], 10, 64)
		if err != nil {
			return bodyFraming{}, localError("bad Content-Length %q", lengths[0])
		}
		return bodyFraming{kind: framingContentLength, length: length}, nil
	}
	if !isResponse {
		return bodyFraming{kind: framingContentLength, length: 0}, nil
	}
	return bodyFraming{kind: framingHTTP10}, nil
}

// bodyReaderFor builds the reader for a newly established framing.
func bodyReaderFor(f bodyFraming) bodyReader {
	switch f.kind {
	case framingChunked:
		return &chunkedReader{}
	case framingHTTP10:
		return http10Reader{}
	default:
		return newContentLengthReader(f.length)
	}
}

// bodyWriterFor builds the writer for a newly established framing.
func bodyWriterFor(f bodyFraming) writer {
	switch f.kind {
	case framingChunked:
		return chunkedWriter{}
	case framingHTTP10:
		return http10Writer{}
	default:
		return newContentLengthWriter(f.length)
	}
}
