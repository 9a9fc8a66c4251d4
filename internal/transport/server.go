// Package transport provides an HTTP/1.1 server transport over gnet,
// driving the sans-I/O connection engine with received bytes and writing
// back whatever it produces.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/albertbausili/h1kit/internal/date"
	"github.com/albertbausili/h1kit/pkg/h1kit"
)

// verboseLogging controls hot-path logging; keep false for performance runs.
const verboseLogging = false

// Request is a fully buffered incoming request handed to a Handler.
type Request struct {
	Method      string
	Target      string
	HTTPVersion string
	Headers     [][2]string
	Body        []byte
}

// Header returns the first value of the named header, matched
// case-insensitively, or "".
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Response is what a Handler returns. Content-Length is filled in from the
// body; Headers must not list framing headers.
type Response struct {
	StatusCode int
	Headers    [][2]string
	Body       []byte
}

// Handler serves buffered requests.
type Handler interface {
	Serve(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// Config holds server configuration.
type Config struct {
	Addr                   string
	Multicore              bool
	NumEventLoop           int
	ReusePort              bool
	Logger                 *log.Logger
	MaxIncompleteEventSize int
	// MaxBodySize caps how much request body is buffered before the
	// request is rejected with 413. Zero means 8 MiB.
	MaxBodySize int
}

const defaultMaxBodySize = 8 << 20

// Server implements the gnet.EventHandler interface for HTTP/1.1.
type Server struct {
	gnet.BuiltinEventEngine
	handler      Handler
	connections  sync.Map // map[gnet.Conn]*Connection
	ctx          context.Context
	cancel       context.CancelFunc
	addr         string
	multicore    bool
	numEventLoop int
	reusePort    bool
	logger       *log.Logger
	engine       gnet.Engine
	maxEventSize int
	maxBodySize  int
	stopDate     func()
}

// NewServer creates a new HTTP/1.1 server with gnet transport.
func NewServer(handler Handler, config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaultMaxBodySize
	}

	return &Server{
		handler:      handler,
		ctx:          ctx,
		cancel:       cancel,
		addr:         config.Addr,
		multicore:    config.Multicore,
		numEventLoop: config.NumEventLoop,
		reusePort:    config.ReusePort,
		logger:       config.Logger,
		maxEventSize: config.MaxIncompleteEventSize,
		maxBodySize:  config.MaxBodySize,
	}
}

// Start starts the gnet server.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.multicore),
		gnet.WithReusePort(s.reusePort),
	}
	if s.numEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.numEventLoop))
	}

	s.logger.Printf("Starting HTTP/1.1 server on %s", s.addr)
	return gnet.Run(s, "tcp://"+s.addr, options...)
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Println("Initiating graceful shutdown...")
	s.cancel()

	s.connections.Range(func(key, _ interface{}) bool {
		if gnetConn, ok := key.(gnet.Conn); ok {
			_ = gnetConn.Close()
		}
		return true
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()

	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Printf("Error stopping gnet engine: %v", err)
	}

	s.logger.Println("Server shutdown complete")
	return nil
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.stopDate = date.Start()
	s.logger.Printf("HTTP/1.1 server is listening on %s (multicore: %v)",
		s.addr, s.multicore)
	return gnet.None
}

// OnShutdown is called when the engine shuts down.
func (s *Server) OnShutdown(gnet.Engine) {
	if s.stopDate != nil {
		s.stopDate()
	}
}

// OnOpen is called when a new connection is opened.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	conn := NewConnection(c, s.handler, s.logger, s.maxEventSize, s.maxBodySize)
	s.connections.Store(c, conn)
	if verboseLogging {
		s.logger.Printf("New connection from %s", c.RemoteAddr().String())
	}
	return nil, gnet.None
}

// OnClose is called when a connection is closed.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	s.connections.Delete(c)
	if err != nil && verboseLogging {
		s.logger.Printf("Connection closed with error: %v", err)
	}
	return gnet.None
}

// OnTraffic is called when data is received on a connection.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	connValue, ok := s.connections.Load(c)
	if !ok {
		s.logger.Printf("Connection not found in map")
		return gnet.Close
	}
	conn := connValue.(*Connection)

	buf, err := c.Next(-1)
	if err != nil {
		s.logger.Printf("Error reading data: %v", err)
		return gnet.Close
	}

	if err := conn.HandleData(s.ctx, buf); err != nil {
		if verboseLogging {
			s.logger.Printf("Error handling data: %v", err)
		}
		return gnet.Close
	}
	if conn.done {
		return gnet.Close
	}
	return gnet.None
}

// Connection drives one sans-I/O engine for one transport connection.
type Connection struct {
	conn    gnet.Conn
	engine  *h1kit.Connection
	handler Handler
	logger  *log.Logger

	maxBodySize int

	// request currently being assembled from head and body events
	request *Request
	done    bool
}

// NewConnection creates the per-connection state for a freshly accepted
// transport connection.
func NewConnection(c gnet.Conn, handler Handler, logger *log.Logger, maxEventSize, maxBodySize int) *Connection {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &Connection{
		conn:        c,
		engine:      h1kit.NewConnectionWithConfig(h1kit.Server, h1kit.Config{MaxIncompleteEventSize: maxEventSize}),
		handler:     handler,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// HandleData feeds received bytes into the engine and reacts to whatever
// events come out. Returning an error tells the event loop to close the
// connection.
func (c *Connection) HandleData(ctx context.Context, data []byte) error {
	if err := c.engine.ReceiveData(data); err != nil {
		return err
	}

	for {
		ev, err := c.engine.NextEvent()
		if err != nil {
			c.sendErrorResponse(err)
			return err
		}

		switch ev := ev.(type) {
		case h1kit.Sentinel:
			// NeedData: wait for the next OnTraffic call. Paused: a
			// completed exchange or a protocol switch; cycling happens
			// after the response is sent, and switches are not served
			// here.
			return nil
		case *h1kit.Request:
			c.request = &Request{
				Method:      ev.Method,
				Target:      ev.Target,
				HTTPVersion: ev.HTTPVersion,
				Headers:     ev.Headers.RawItems(),
			}
			if c.engine.TheyAreWaitingFor100Continue() {
				interim, err := h1kit.NewInformationalResponse(100, nil, "", "")
				if err != nil {
					return err
				}
				if err := c.sendEvent(interim); err != nil {
					return err
				}
			}
		case *h1kit.Data:
			if c.request == nil {
				return errors.New("body data without a request")
			}
			if len(c.request.Body)+len(ev.Data) > c.maxBodySize {
				err := fmt.Errorf("request body exceeds %d bytes", c.maxBodySize)
				c.respondAndClose(413, "request body too large")
				return err
			}
			c.request.Body = append(c.request.Body, ev.Data...)
		case *h1kit.EndOfMessage:
			if err := c.dispatch(ctx); err != nil {
				return err
			}
		case *h1kit.ConnectionClosed:
			c.done = true
			return nil
		}
	}
}

// dispatch runs the handler for the assembled request, sends its response,
// and either resets the engine for the next exchange or marks the
// connection for teardown.
func (c *Connection) dispatch(ctx context.Context) error {
	req := c.request
	c.request = nil
	if req == nil {
		return errors.New("end of message without a request")
	}

	resp := c.handler.Serve(ctx, req)
	if resp == nil {
		resp = &Response{StatusCode: 500}
	}

	headers := make([][2]string, 0, len(resp.Headers)+2)
	headers = append(headers, resp.Headers...)
	if !hasHeader(resp.Headers, "date") {
		headers = append(headers, [2]string{"date", date.Current()})
	}
	headers = append(headers, [2]string{"content-length", strconv.Itoa(len(resp.Body))})

	respEvent, err := h1kit.NewResponse(resp.StatusCode, headers, "", "")
	if err != nil {
		c.logger.Printf("Handler produced invalid response: %v", err)
		c.respondAndClose(500, "internal server error")
		return err
	}
	if err := c.sendEvent(respEvent); err != nil {
		return err
	}
	if req.Method != "HEAD" && len(resp.Body) > 0 {
		if err := c.sendEvent(&h1kit.Data{Data: resp.Body}); err != nil {
			return err
		}
	}
	if err := c.sendEvent(&h1kit.EndOfMessage{}); err != nil {
		return err
	}

	if c.engine.OurState() == h1kit.Done && c.engine.TheirState() == h1kit.Done {
		if err := c.engine.StartNextCycle(); err != nil {
			c.done = true
		}
		return nil
	}
	// MustClose, Closed, or a peer still mid-message after our close.
	c.done = true
	return nil
}

func hasHeader(headers [][2]string, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h[0], name) {
			return true
		}
	}
	return false
}

// sendEvent serializes one event through the engine and writes the bytes
// out on the transport.
func (c *Connection) sendEvent(ev h1kit.Event) error {
	out, err := c.engine.Send(ev)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	_, werr := c.conn.Write(out)
	return werr
}

// sendErrorResponse tries to turn a protocol error into an error response
// before the connection is torn down. Only possible while the engine can
// still send a response head.
func (c *Connection) sendErrorResponse(cause error) {
	state := c.engine.OurState()
	if state != h1kit.Idle && state != h1kit.SendResponse {
		return
	}
	status := 400
	var remote *h1kit.RemoteProtocolError
	if errors.As(cause, &remote) && remote.ErrorStatusHint > 0 {
		status = remote.ErrorStatusHint
	}
	c.respondAndClose(status, "bad request")
}

// respondAndClose sends a terse error response and marks the connection
// for teardown.
func (c *Connection) respondAndClose(status int, msg string) {
	body := []byte(msg + "\n")
	ev, err := h1kit.NewResponse(status, [][2]string{
		{"content-type", "text/plain; charset=utf-8"},
		{"content-length", strconv.Itoa(len(body))},
		{"connection", "close"},
	}, "", "")
	if err != nil {
		return
	}
	if err := c.sendEvent(ev); err != nil {
		return
	}
	_ = c.sendEvent(&h1kit.Data{Data: body})
	_ = c.sendEvent(&h1kit.EndOfMessage{})
	c.done = true
}
