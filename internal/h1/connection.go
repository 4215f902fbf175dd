package h1

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/net/http/httpguts"
)

// State is the request-assembly state of a connection.
type State uint8

const (
	StateIdle State = iota
	StateAwaitingBody
	StateSendingResponse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBody:
		return "awaiting-body"
	case StateSendingResponse:
		return "sending-response"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// TransitionError reports a protocol event that is not valid in the current
// state. It indicates a bug in the event source and is never recovered.
type TransitionError struct {
	From  State
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("h1: %s event not valid in state %s", e.Event, e.From)
}

// Request is a fully assembled request.
type Request struct {
	Head       *Head
	Body       []byte
	KeepAlive  bool
	RemoteAddr string
}

// Responder receives the single response owed for a request.
type Responder interface {
	Respond(Response) error
}

// Dispatcher handles assembled requests. It must eventually call
// res.Respond exactly once, from any goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request, res Responder)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req *Request, res Responder)

func (f DispatcherFunc) Dispatch(ctx context.Context, req *Request, res Responder) {
	f(ctx, req, res)
}

// ConnConfig configures a Connection.
type ConnConfig struct {
	RemoteAddr     string
	MaxHeaderBytes int
	MaxBodyBytes   int64
	Logger         *slog.Logger
}

// Connection is the per-connection state machine. Every method except the
// response path runs on the connection's event loop.
type Connection struct {
	ctx        context.Context
	parser     *Parser
	writer     *ResponseWriter
	dispatcher Dispatcher
	logger     *slog.Logger
	remoteAddr string

	state     State
	head      *Head
	body      []byte
	keepAlive bool
	// draining discards input after a request that ends the connection.
	draining bool
}

// NewConnection creates the state machine for one transport connection.
func NewConnection(ctx context.Context, out Outbound, dispatcher Dispatcher, cfg ConnConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("remote", cfg.RemoteAddr)
	return &Connection{
		ctx:        ctx,
		parser:     NewParser(cfg.MaxHeaderBytes, cfg.MaxBodyBytes),
		writer:     NewResponseWriter(out, logger),
		dispatcher: dispatcher,
		logger:     logger,
		remoteAddr: cfg.RemoteAddr,
	}
}

// State returns the current state.
func (c *Connection) State() State { return c.state }

// KeepAlive returns the keep-alive flag of the request being assembled.
func (c *Connection) KeepAlive() bool { return c.keepAlive }

// Writer returns the connection's response writer.
func (c *Connection) Writer() *ResponseWriter { return c.writer }

// HandleData feeds transport bytes through the parser and the state machine.
// Malformed input is answered with an error response and the connection is
// closed after it. A returned error means the connection must be torn down.
func (c *Connection) HandleData(data []byte) error {
	if c.draining {
		return nil
	}
	c.parser.Feed(data)
	for !c.draining {
		ev, err := c.parser.Next()
		if err != nil {
			c.failParse(err)
			return nil
		}
		switch ev.Kind {
		case EventNone:
			return nil
		case EventHead:
			err = c.OnHead(ev.Head)
		case EventBody:
			err = c.OnBodyChunk(ev.Data)
		case EventEnd:
			err = c.OnEnd()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// OnHead starts a new request.
func (c *Connection) OnHead(head *Head) error {
	if c.state != StateIdle {
		return &TransitionError{From: c.state, Event: "head"}
	}
	c.resetRequest()
	c.head = head
	c.keepAlive = keepAliveFor(head)
	c.state = StateAwaitingBody
	return nil
}

// OnBodyChunk appends a body fragment. The bytes are copied.
func (c *Connection) OnBodyChunk(chunk []byte) error {
	if c.state != StateAwaitingBody {
		return &TransitionError{From: c.state, Event: "body"}
	}
	c.body = append(c.body, chunk...)
	return nil
}

// OnEnd completes the request and dispatches it. Completion without a head
// is answered with a 400 and leaves the connection usable.
func (c *Connection) OnEnd() error {
	switch c.state {
	case StateIdle:
		c.missingHead()
		return nil
	case StateSendingResponse:
		return &TransitionError{From: c.state, Event: "end"}
	}

	c.state = StateSendingResponse
	req := &Request{
		Head:       c.head,
		Body:       c.body,
		KeepAlive:  c.keepAlive,
		RemoteAddr: c.remoteAddr,
	}
	slot := c.writer.Reserve(c.head, c.keepAlive)
	c.dispatch(req, slot)

	if !c.keepAlive {
		c.draining = true
	}
	c.resetRequest()
	c.state = StateIdle
	return nil
}

// OnHalfClose drops any partially assembled request and stops keep-alive.
// It reports whether no response is owed, so the caller can close right
// away; otherwise the connection closes after the last owed response.
func (c *Connection) OnHalfClose() (closeNow bool) {
	c.resetRequest()
	c.state = StateIdle
	c.draining = true
	c.parser.Reset()
	return c.writer.CloseAfterOutstanding()
}

// Reset returns the machine to the state of a freshly opened connection.
// Responses already reserved on the writer are unaffected.
func (c *Connection) Reset() {
	c.resetRequest()
	c.state = StateIdle
	c.draining = false
	c.parser.Reset()
}

// Close releases the connection. Responses completed later are dropped.
func (c *Connection) Close() {
	c.resetRequest()
	c.state = StateIdle
	c.draining = true
	c.parser.Reset()
	c.writer.Shutdown()
}

func (c *Connection) resetRequest() {
	c.head = nil
	// The previous body belongs to the dispatched request; never reuse it.
	c.body = nil
	c.keepAlive = false
}

func (c *Connection) dispatch(req *Request, slot *Slot) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("dispatcher panic",
				"panic", r,
				"method", req.Head.Method,
				"target", req.Head.Target,
				"stack", string(debug.Stack()),
			)
			if err := slot.Respond(ErrorResponse(500, "InternalError", "")); err != nil && !errors.Is(err, ErrAlreadyResponded) {
				c.logger.Debug("panic response dropped", "error", err)
			}
		}
	}()
	c.dispatcher.Dispatch(c.ctx, req, slot)
}

func (c *Connection) missingHead() {
	c.logger.Warn("request completed without a head")
	slot := c.writer.Reserve(nil, true)
	_ = slot.Respond(ErrorResponse(400, "MissingRequestHead", "request ended before its head was received"))
	c.resetRequest()
	c.state = StateIdle
}

// failParse answers malformed input and commits the connection to closing.
func (c *Connection) failParse(err error) {
	status := 400
	var pe *ParseError
	if errors.As(err, &pe) {
		status = pe.Status
	}
	c.logger.Debug("parse error", "error", err, "status", status)

	slot := c.writer.Reserve(c.head, false)
	_ = slot.Respond(ErrorResponse(status, "BadRequest", err.Error()))

	c.resetRequest()
	c.state = StateIdle
	c.draining = true
	c.parser.Reset()
}

// keepAliveFor derives the initial keep-alive flag: HTTP/1.1 persists unless
// the client sends "Connection: close"; HTTP/1.0 persists only when it sends
// "Connection: keep-alive".
func keepAliveFor(head *Head) bool {
	conn := head.Values("connection")
	if httpguts.HeaderValuesContainsToken(conn, "close") {
		return false
	}
	if head.Version == "HTTP/1.0" {
		return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	return true
}
