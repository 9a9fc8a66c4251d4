package h1kit

import (
	"github.com/albertbausili/h1kit/internal/buffer"
)

// DefaultMaxIncompleteEventSize bounds how much unparseable data may sit in
// the receive buffer before the engine concludes the input is not a valid
// message at all. Guards against unbounded buffering of pathological or
// line-ending-free streams.
const DefaultMaxIncompleteEventSize = 16 * 1024

// Config holds construction options for a Connection.
type Config struct {
	// MaxIncompleteEventSize overrides DefaultMaxIncompleteEventSize when
	// positive.
	MaxIncompleteEventSize int
}

// Connection is a sans-I/O HTTP/1.1 connection engine. Callers push received
// bytes in with ReceiveData, pull parsed protocol events out with NextEvent,
// and push outbound events through Send to get bytes to transmit. The engine
// performs no I/O and keeps no timers; all transport and scheduling behavior
// belongs to the caller.
//
// A Connection is strictly per-connection state and is not safe for
// concurrent use without external synchronization.
type Connection struct {
	ourRole   Role
	theirRole Role

	cstate                 *ConnectionState
	maxIncompleteEventSize int

	receiveBuffer       *buffer.ReceiveBuffer
	receiveBufferClosed bool

	reader reader
	writer writer

	requestMethod                 string
	theirHTTPVersion              string
	clientIsWaitingFor100Continue bool
}

// NewConnection creates a Connection playing the given role with default
// configuration.
func NewConnection(ourRole Role) *Connection {
	return NewConnectionWithConfig(ourRole, Config{})
}

// NewConnectionWithConfig creates a Connection with explicit configuration.
func NewConnectionWithConfig(ourRole Role, config Config) *Connection {
	maxSize := config.MaxIncompleteEventSize
	if maxSize <= 0 {
		maxSize = DefaultMaxIncompleteEventSize
	}
	c := &Connection{
		ourRole:                ourRole,
		theirRole:              ourRole.other(),
		cstate:                 NewConnectionState(),
		maxIncompleteEventSize: maxSize,
		receiveBuffer:          buffer.New(),
	}
	c.reader = c.newReaderFor(c.theirRole, nil)
	c.writer = c.newWriterFor(c.ourRole, nil)
	return c
}

// OurState returns the state of the role this Connection plays.
func (c *Connection) OurState() State {
	return c.cstate.State(c.ourRole)
}

// TheirState returns the state of the peer's role.
func (c *Connection) TheirState() State {
	return c.cstate.State(c.theirRole)
}

// TheirHTTPVersion returns the peer's HTTP version as seen in its first
// message head, or "" if none has been seen yet.
func (c *Connection) TheirHTTPVersion() string {
	return c.theirHTTPVersion
}

// ClientIsWaitingFor100Continue reports whether the client sent
// "Expect: 100-continue" and has neither seen a response nor started
// sending its body.
func (c *Connection) ClientIsWaitingFor100Continue() bool {
	return c.clientIsWaitingFor100Continue
}

// TheyAreWaitingFor100Continue reports whether this side is the server and
// the peer is blocked waiting for a 100 Continue.
func (c *Connection) TheyAreWaitingFor100Continue() bool {
	return c.ourRole == Server && c.clientIsWaitingFor100Continue
}

// TrailingData returns any received bytes not yet consumed by the engine,
// plus whether the receive side has been closed. Useful after a protocol
// switch, when the remaining bytes belong to the new protocol.
func (c *Connection) TrailingData() ([]byte, bool) {
	data := make([]byte, c.receiveBuffer.Len())
	copy(data, c.receiveBuffer.Bytes())
	return data, c.receiveBufferClosed
}

// ReceiveData feeds bytes received from the transport into the engine.
// Empty input marks the receive side as closed (EOF observed); feeding more
// data after that is a caller bug.
func (c *Connection) ReceiveData(data []byte) error {
	if len(data) == 0 {
		c.receiveBufferClosed = true
		return nil
	}
	if c.receiveBufferClosed {
		return localError("received close, then received more data?")
	}
	c.receiveBuffer.Append(data)
	return nil
}

// NextEvent parses the next protocol event out of the receive buffer. It
// returns NeedData when more bytes are required and Paused when progress
// needs caller action first (a pending protocol switch, or a completed
// message awaiting StartNextCycle). Once the receive side is closed and
// drained it returns ConnectionClosed. While the peer's role is in the
// Error state it always fails.
func (c *Connection) NextEvent() (Event, error) {
	if c.TheirState() == ErrorState {
		return nil, remoteError("Can't receive data when peer state is ERROR")
	}
	ev, err := c.nextReceiveEvent()
	if err != nil {
		c.cstate.ProcessError(c.theirRole)
		c.reader = c.newReaderFor(c.theirRole, nil)
		protocolErrors.WithLabelValues(errorKindLabel(err)).Inc()
		// While parsing peer bytes, a "local" validation failure really
		// reports peer misbehavior.
		return nil, asRemoteError(err)
	}
	if sentinel, ok := ev.(Sentinel); ok {
		if sentinel == NeedData {
			if c.receiveBuffer.Len() > c.maxIncompleteEventSize {
				err := remoteErrorHint(431, "Receive buffer too long")
				c.cstate.ProcessError(c.theirRole)
				protocolErrors.WithLabelValues("remote").Inc()
				return nil, err
			}
			if c.receiveBufferClosed {
				err := remoteError("peer unexpectedly closed connection")
				c.cstate.ProcessError(c.theirRole)
				protocolErrors.WithLabelValues("remote").Inc()
				return nil, err
			}
		}
		return sentinel, nil
	}
	if err := c.processEvent(c.theirRole, ev); err != nil {
		c.cstate.ProcessError(c.theirRole)
		protocolErrors.WithLabelValues(errorKindLabel(err)).Inc()
		return nil, asRemoteError(err)
	}
	return ev, nil
}

// nextReceiveEvent runs the (role, state)-selected reader against the
// buffer. It resolves EOF against the active body framing: some framings
// treat a half-close as the legal end of a body, others as a violation.
func (c *Connection) nextReceiveEvent() (Event, error) {
	state := c.TheirState()
	// In Done we can still see a ConnectionClosed event, but buffered bytes
	// mean a pipelined next message: pause until the caller cycles.
	if state == Done && c.receiveBuffer.Len() > 0 {
		return Paused, nil
	}
	if state == MightSwitchProtocol || state == SwitchedProtocol {
		return Paused, nil
	}
	if c.reader == nil {
		return NeedData, nil
	}
	ev, err := c.reader.ReadEvent(c.receiveBuffer)
	if err != nil {
		return nil, err
	}
	if ev == nil && c.receiveBuffer.Len() == 0 && c.receiveBufferClosed {
		if br, ok := c.reader.(bodyReader); ok {
			return br.ReadEOF()
		}
		return &ConnectionClosed{}, nil
	}
	if ev == nil {
		return NeedData, nil
	}
	return ev, nil
}

// Send serializes an outbound event, advancing the state machine first so
// an illegal event fails before any bytes are produced. The returned bytes
// are what the caller should transmit; they are nil for ConnectionClosed,
// which only updates state. While our role is in the Error state it always
// fails.
func (c *Connection) Send(ev Event) ([]byte, error) {
	if c.OurState() == ErrorState {
		return nil, localError("Can't send data when our state is ERROR")
	}
	out, err := c.sendWithError(ev)
	if err != nil {
		// A failed send leaves the connection unusable in this direction.
		c.cstate.ProcessError(c.ourRole)
		protocolErrors.WithLabelValues("local").Inc()
		return nil, err
	}
	return out, nil
}

func (c *Connection) sendWithError(ev Event) ([]byte, error) {
	if resp, ok := ev.(*Response); ok {
		adjusted, err := c.cleanUpResponseHeadersForSending(resp)
		if err != nil {
			return nil, err
		}
		ev = adjusted
	}
	// The writer in place before the transition serializes this event; the
	// transition installs the writer for whatever comes next.
	w := c.writer
	if err := c.processEvent(c.ourRole, ev); err != nil {
		return nil, err
	}
	if _, ok := ev.(*ConnectionClosed); ok {
		return nil, nil
	}
	if w == nil {
		return nil, localError("can't send %s event in state %s", kindOf(ev), c.OurState())
	}
	var out []byte
	if err := w.WriteEvent(ev, func(p []byte) { out = append(out, p...) }); err != nil {
		return nil, err
	}
	return out, nil
}

// StartNextCycle resets the connection for another request/response
// exchange. Only legal when both roles are Done with keep-alive intact and
// no protocol switch pending.
func (c *Connection) StartNextCycle() error {
	oldStates := c.cstate.states
	if err := c.cstate.StartNextCycle(); err != nil {
		return err
	}
	c.requestMethod = ""
	c.clientIsWaitingFor100Continue = false
	c.respondToStateChanges(oldStates, nil)
	return nil
}

// processEvent runs an event through the state machine and updates the
// derived bookkeeping: switch proposals, keep-alive, the 100-continue flag,
// and the reader/writer in effect for whichever roles changed state.
func (c *Connection) processEvent(role Role, ev Event) error {
	oldStates := c.cstate.states

	if role == Client {
		if req, ok := ev.(*Request); ok {
			if req.Method == "CONNECT" {
				c.cstate.ProcessClientSwitchProposal(SwitchConnect)
			}
			if len(req.Headers.GetComma("upgrade")) > 0 {
				c.cstate.ProcessClientSwitchProposal(SwitchUpgrade)
			}
		}
	}
	serverSwitch := switchNone
	if role == Server {
		serverSwitch = c.serverSwitchEvent(ev)
	}
	if err := c.cstate.ProcessEvent(role, ev, serverSwitch); err != nil {
		return err
	}

	switch ev := ev.(type) {
	case *Request:
		c.requestMethod = ev.Method
		if role == c.theirRole {
			c.theirHTTPVersion = ev.HTTPVersion
		}
		if !keepAliveAfter(ev.Headers, ev.HTTPVersion) {
			c.cstate.ProcessKeepAliveDisabled()
		}
		if ev.Headers.HasExpect100Continue() {
			c.clientIsWaitingFor100Continue = true
		}
	case *Response:
		if role == c.theirRole {
			c.theirHTTPVersion = ev.HTTPVersion
		}
		if !keepAliveAfter(ev.Headers, ev.HTTPVersion) {
			c.cstate.ProcessKeepAliveDisabled()
		}
		c.clientIsWaitingFor100Continue = false
	case *InformationalResponse:
		if role == c.theirRole {
			c.theirHTTPVersion = ev.HTTPVersion
		}
		c.clientIsWaitingFor100Continue = false
	case *Data, *EndOfMessage:
		if role == Client {
			// The client gave up waiting and started its body.
			c.clientIsWaitingFor100Continue = false
		}
	}

	eventsProcessed.WithLabelValues(role.String(), kindOf(ev).String()).Inc()
	c.respondToStateChanges(oldStates, ev)
	return nil
}

// serverSwitchEvent detects a server event that accepts a pending protocol
// switch: a 101 informational response accepts an upgrade, a 2xx response
// accepts a CONNECT tunnel.
func (c *Connection) serverSwitchEvent(ev Event) Switch {
	switch ev := ev.(type) {
	case *InformationalResponse:
		if ev.StatusCode == 101 {
			return SwitchUpgrade
		}
	case *Response:
		if c.cstate.pendingSwitchProposals[SwitchConnect] &&
			200 <= ev.StatusCode && ev.StatusCode < 300 {
			return SwitchConnect
		}
	}
	return switchNone
}

// keepAliveAfter reports whether the connection may be reused after a
// message with these headers and version: "Connection: close" or an
// HTTP/1.0 peer both rule it out.
func keepAliveAfter(headers *Headers, httpVersion string) bool {
	for _, v := range headers.GetComma("connection") {
		if v == "close" {
			return false
		}
	}
	return httpVersion >= "1.1"
}

// respondToStateChanges re-selects the reader and writer for any role whose
// state changed. ev is the event that drove the change and carries the
// framing headers when the new state is SendBody.
func (c *Connection) respondToStateChanges(oldStates [2]State, ev Event) {
	if c.cstate.State(c.ourRole) != oldStates[c.ourRole] {
		c.writer = c.newWriterFor(c.ourRole, ev)
	}
	if c.cstate.State(c.theirRole) != oldStates[c.theirRole] {
		c.reader = c.newReaderFor(c.theirRole, ev)
	}
}

func (c *Connection) newReaderFor(role Role, ev Event) reader {
	state := c.cstate.State(role)
	if state == SendBody {
		f, err := bodyFramingFor(c.requestMethod, ev)
		if err != nil {
			return nil
		}
		return bodyReaderFor(f)
	}
	if factory, ok := headReaders[roleState{role, state}]; ok {
		return factory()
	}
	return nil
}

func (c *Connection) newWriterFor(role Role, ev Event) writer {
	state := c.cstate.State(role)
	if state == SendBody {
		f, err := bodyFramingFor(c.requestMethod, ev)
		if err != nil {
			return nil
		}
		return bodyWriterFor(f)
	}
	if factory, ok := headWriters[roleState{role, state}]; ok {
		return factory()
	}
	return nil
}

// cleanUpResponseHeadersForSending fixes up the framing headers of an
// outbound final response on an internal copy, leaving the caller's event
// untouched. A response with no declared length gets chunked framing for
// HTTP/1.1 peers; HTTP/1.0 peers can't parse chunked, so the body falls
// back to close-delimited and the connection stops being reusable. When
// keep-alive is off, "Connection: close" is advertised.
func (c *Connection) cleanUpResponseHeadersForSending(resp *Response) (*Response, error) {
	headers := resp.Headers
	needClose := false

	f, err := bodyFramingFor(c.requestMethod, resp)
	if err != nil {
		return nil, err
	}
	if f.kind == framingChunked || f.kind == framingHTTP10 {
		if c.theirHTTPVersion == "" || c.theirHTTPVersion < "1.1" {
			headers, err = headers.SetComma("transfer-encoding", nil)
			if err != nil {
				return nil, err
			}
			needClose = true
		} else {
			headers, err = headers.SetComma("transfer-encoding", []string{"chunked"})
			if err != nil {
				return nil, err
			}
		}
	}
	if !c.cstate.KeepAlive() || needClose {
		tokens := headers.GetComma("connection")
		kept := tokens[:0]
		for _, t := range tokens {
			if t != "keep-alive" && t != "close" && t != "" {
				kept = append(kept, t)
			}
		}
		kept = append(kept, "close")
		headers, err = headers.SetComma("connection", sortedUnique(kept))
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		Headers:     headers,
		Reason:      resp.Reason,
		HTTPVersion: resp.HTTPVersion,
	}, nil
}

func errorKindLabel(err error) string {
	if _, ok := err.(*RemoteProtocolError); ok {
		return "remote"
	}
	return "local"
}
