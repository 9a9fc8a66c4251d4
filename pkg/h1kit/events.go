package h1kit

import "github.com/albertbausili/h1kit/internal/wire"

// Event is one member of the closed set of protocol events exchanged with
// the engine: Request, Response, InformationalResponse, Data, EndOfMessage,
// and ConnectionClosed, plus the NeedData and Paused sentinels returned by
// NextEvent. Events validate their invariants at construction and are never
// mutated afterwards; downstream code may assume any Event it receives is
// well formed.
type Event interface {
	event()
}

// Sentinel is a marker returned by NextEvent in place of a concrete event:
// NeedData when more bytes are required, Paused when further progress needs
// caller action (for example while a protocol switch awaits resolution).
type Sentinel uint8

// NextEvent sentinels.
const (
	NeedData Sentinel = iota + 1
	Paused
)

func (Sentinel) event() {}

func (s Sentinel) String() string {
	switch s {
	case NeedData:
		return "NEED_DATA"
	case Paused:
		return "PAUSED"
	default:
		return "UNKNOWN_SENTINEL"
	}
}

// Request is the start of an HTTP request.
type Request struct {
	Method      string
	Target      string
	Headers     *Headers
	HTTPVersion string
}

// NewRequest validates and constructs a Request from unparsed header pairs.
// HTTP/1.1 requests must carry a Host header.
func NewRequest(method, target string, headers [][2]string, httpVersion string) (*Request, error) {
	h, err := NormalizeAndValidate(headers, false)
	if err != nil {
		return nil, err
	}
	return newRequest(method, target, h, httpVersion)
}

// newRequest checks the request-level invariants against already-normalized
// headers. Shared by NewRequest and the wire parser.
func newRequest(method, target string, headers *Headers, httpVersion string) (*Request, error) {
	if httpVersion == "" {
		httpVersion = "1.1"
	}
	if _, ok := wire.Validate(wire.FieldName, []byte(method)); !ok {
		return nil, localError("Illegal method characters in %q", method)
	}
	if len(target) == 0 {
		return nil, localError("Missing request target")
	}
	if httpVersion == "1.1" && !headers.hasName("host") {
		return nil, localError("Missing mandatory Host: header")
	}
	return &Request{Method: method, Target: target, Headers: headers, HTTPVersion: httpVersion}, nil
}

func (*Request) event() {}

// Response is the start of a final (non-1xx) HTTP response.
type Response struct {
	StatusCode  int
	Headers     *Headers
	Reason      string
	HTTPVersion string
}

// NewResponse validates and constructs a Response. The status code must be
// in [200, 1000).
func NewResponse(statusCode int, headers [][2]string, reason, httpVersion string) (*Response, error) {
	h, err := NormalizeAndValidate(headers, false)
	if err != nil {
		return nil, err
	}
	return newResponse(statusCode, h, reason, httpVersion)
}

func newResponse(statusCode int, headers *Headers, reason, httpVersion string) (*Response, error) {
	if httpVersion == "" {
		httpVersion = "1.1"
	}
	if statusCode < 200 || statusCode >= 1000 {
		return nil, localError("Response status_code should be in range [200, 1000), not %d", statusCode)
	}
	return &Response{StatusCode: statusCode, Headers: headers, Reason: reason, HTTPVersion: httpVersion}, nil
}

func (*Response) event() {}

// InformationalResponse is a provisional 1xx response. It does not end the
// request/response cycle.
type InformationalResponse struct {
	StatusCode  int
	Headers     *Headers
	Reason      string
	HTTPVersion string
}

// NewInformationalResponse validates and constructs an
// InformationalResponse. The status code must be in [100, 200).
func NewInformationalResponse(statusCode int, headers [][2]string, reason, httpVersion string) (*InformationalResponse, error) {
	h, err := NormalizeAndValidate(headers, false)
	if err != nil {
		return nil, err
	}
	return newInformationalResponse(statusCode, h, reason, httpVersion)
}

func newInformationalResponse(statusCode int, headers *Headers, reason, httpVersion string) (*InformationalResponse, error) {
	if httpVersion == "" {
		httpVersion = "1.1"
	}
	if statusCode < 100 || statusCode >= 200 {
		return nil, localError("InformationalResponse status_code should be in range [100, 200), not %d", statusCode)
	}
	return &InformationalResponse{StatusCode: statusCode, Headers: headers, Reason: reason, HTTPVersion: httpVersion}, nil
}

func (*InformationalResponse) event() {}

// Data is a run of message body bytes. The chunk flags mark chunk boundaries
// observed by the reader so writers relaying the body do not have to
// re-derive them; for non-chunked framing they stay false except for the
// end-of-body marker on the final Content-Length read.
type Data struct {
	Data       []byte
	ChunkStart bool
	ChunkEnd   bool
}

func (*Data) event() {}

// EndOfMessage marks the end of a message body. For chunked framing it may
// carry trailer headers; otherwise Headers is empty.
type EndOfMessage struct {
	Headers *Headers
}

// NewEndOfMessage constructs an EndOfMessage with validated trailers.
func NewEndOfMessage(trailers [][2]string) (*EndOfMessage, error) {
	h, err := NormalizeAndValidate(trailers, false)
	if err != nil {
		return nil, err
	}
	return &EndOfMessage{Headers: h}, nil
}

func (*EndOfMessage) event() {}

// ConnectionClosed reports that the peer closed its half of the connection.
type ConnectionClosed struct{}

func (*ConnectionClosed) event() {}

// eventKind tags event types for state machine lookups and metrics.
type eventKind uint8

const (
	kindUnknown eventKind = iota
	kindRequest
	kindResponse
	kindInformationalResponse
	kindData
	kindEndOfMessage
	kindConnectionClosed
)

func kindOf(ev Event) eventKind {
	switch ev.(type) {
	case *Request:
		return kindRequest
	case *Response:
		return kindResponse
	case *InformationalResponse:
		return kindInformationalResponse
	case *Data:
		return kindData
	case *EndOfMessage:
		return kindEndOfMessage
	case *ConnectionClosed:
		return kindConnectionClosed
	default:
		return kindUnknown
	}
}

func (k eventKind) String() string {
	switch k {
	case kindRequest:
		return "Request"
	case kindResponse:
		return "Response"
	case kindInformationalResponse:
		return "InformationalResponse"
	case kindData:
		return "Data"
	case kindEndOfMessage:
		return "EndOfMessage"
	case kindConnectionClosed:
		return "ConnectionClosed"
	default:
		return "Unknown"
	}
}
