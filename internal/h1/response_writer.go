package h1

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/albertbausili/opserve/internal/date"
	"github.com/goccy/go-json"
	"github.com/panjf2000/gnet/v2"
	"golang.org/x/net/http/httpguts"
)

var (
	// ErrAlreadyResponded is returned by a second Respond on the same slot.
	ErrAlreadyResponded = errors.New("h1: response already sent for this request")
	// ErrConnectionClosed is returned when a response arrives after the
	// connection was closed or committed to closing.
	ErrConnectionClosed = errors.New("h1: connection closed")
)

// Pre-allocated header fragments.
var (
	statusLine200       = []byte("HTTP/1.1 200 OK\r\n")
	headerContentLength = []byte("content-length: ")
	headerDate          = []byte("date: ")
	headerConnection    = []byte("connection: ")
	headerKeepAlive     = []byte("keep-alive\r\n")
	headerClose         = []byte("close\r\n")
	headerSep           = []byte(": ")

	responseBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 4096)
			return &b
		},
	}
)

// maxPooledBuffer keeps oversized response buffers out of the pool.
const maxPooledBuffer = 64 << 10

// Outbound is the subset of gnet.Conn the writer needs.
type Outbound interface {
	AsyncWritev(bs [][]byte, callback gnet.AsyncCallback) error
	Close() error
}

// Response describes one response. Headers use lower-case names; the writer
// sets content-length, date and connection itself.
type Response struct {
	Status  int
	Headers [][2]string
	Body    []byte
	// Silent logs the response at debug level instead of info.
	Silent bool
}

// ErrorResponse builds a response carrying the JSON error envelope.
func ErrorResponse(status int, kind, message string) Response {
	body, err := json.Marshal(errorEnvelope{Type: kind, Message: message})
	if err != nil {
		body = []byte(`{"__type":"InternalError"}`)
	}
	return Response{
		Status:  status,
		Headers: [][2]string{{"content-type", "application/json"}},
		Body:    body,
	}
}

type errorEnvelope struct {
	Type    string `json:"__type"`
	Message string `json:"message,omitempty"`
}

// Slot is the reserved position of one response in a connection's output
// order. Respond may be called from any goroutine, exactly once.
type Slot struct {
	w         *ResponseWriter
	seq       uint64
	keepAlive bool
	headOnly  bool
	method    string
	target    string
	done      atomic.Bool
}

// Respond hands the response to the writer. It is written as soon as every
// earlier slot on the connection has been written.
func (s *Slot) Respond(resp Response) error {
	if !s.done.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	return s.w.complete(s, resp)
}

type readyResponse struct {
	slot *Slot
	resp Response
}

// ResponseWriter serializes responses onto one connection in reservation
// order. mu is connection scoped; it never guards anything shared between
// connections.
type ResponseWriter struct {
	out    Outbound
	logger *slog.Logger

	mu       sync.Mutex
	nextSeq  uint64 // next slot to reserve
	writeSeq uint64 // next slot to hand to the transport
	flushed  uint64 // slots whose bytes the transport accepted
	ready    map[uint64]readyResponse
	inflight bool
	// closeAfter marks the last reserved slot as the final response, set
	// when the peer goes away while responses are still owed.
	closeAfter bool
	lastSeq    uint64
	closing    bool
	closed     bool
}

// NewResponseWriter creates a writer for one connection.
func NewResponseWriter(out Outbound, logger *slog.Logger) *ResponseWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseWriter{
		out:    out,
		logger: logger,
		ready:  make(map[uint64]readyResponse),
	}
}

// Reserve claims the next position in the output order. head may be nil when
// the response answers a request whose head was never received.
func (w *ResponseWriter) Reserve(head *Head, keepAlive bool) *Slot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := &Slot{w: w, seq: w.nextSeq, keepAlive: keepAlive}
	if head != nil {
		s.headOnly = head.Method == "HEAD"
		s.method = head.Method
		s.target = head.Target
	}
	w.nextSeq++
	return s
}

// Outstanding reports how many reserved responses have not been accepted by
// the transport yet.
func (w *ResponseWriter) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.nextSeq - w.flushed)
}

// CloseAfterOutstanding arranges for the connection to close once every
// reserved response has been written. It reports whether nothing is owed, in
// which case the caller may close right away.
func (w *ResponseWriter) CloseAfterOutstanding() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.closing {
		return w.closed
	}
	if w.nextSeq == w.flushed && !w.inflight {
		w.closed = true
		w.ready = nil
		return true
	}
	w.closeAfter = true
	w.lastSeq = w.nextSeq - 1
	return false
}

// Shutdown marks the writer closed. Responses completed afterwards are
// dropped with ErrConnectionClosed.
func (w *ResponseWriter) Shutdown() {
	w.mu.Lock()
	w.closed = true
	w.ready = nil
	w.mu.Unlock()
}

func (w *ResponseWriter) complete(s *Slot, resp Response) error {
	w.mu.Lock()
	if w.closed || (w.closing && s.seq >= w.writeSeq) {
		w.mu.Unlock()
		w.logger.Debug("response dropped", "method", s.method, "target", s.target, "status", resp.Status)
		return ErrConnectionClosed
	}
	w.ready[s.seq] = readyResponse{slot: s, resp: resp}
	w.mu.Unlock()

	level := slog.LevelInfo
	if resp.Silent {
		level = slog.LevelDebug
	}
	w.logger.Log(context.Background(), level, "response",
		"method", s.method,
		"target", s.target,
		"status", resp.Status,
		"bytes", len(resp.Body),
	)

	w.flush()
	return nil
}

// flush writes every response that is next in order. Only one batch is in
// flight at a time, so batches reach the transport in order.
func (w *ResponseWriter) flush() {
	w.mu.Lock()
	if w.inflight || w.closed || w.closing {
		w.mu.Unlock()
		return
	}
	var (
		batch      [][]byte
		bufs       []*[]byte
		closeAfter bool
	)
	for {
		r, ok := w.ready[w.writeSeq]
		if !ok {
			break
		}
		delete(w.ready, w.writeSeq)

		keepAlive := r.slot.keepAlive
		if w.closeAfter && r.slot.seq == w.lastSeq {
			keepAlive = false
		}
		bufPtr := responseBufferPool.Get().(*[]byte)
		*bufPtr = appendResponse((*bufPtr)[:0], r.resp, keepAlive, r.slot.headOnly)
		batch = append(batch, *bufPtr)
		bufs = append(bufs, bufPtr)
		w.writeSeq++

		if !keepAlive {
			// Nothing after a closing response is written.
			closeAfter = true
			w.closing = true
			w.ready = nil
			break
		}
	}
	if len(batch) == 0 {
		w.mu.Unlock()
		return
	}
	w.inflight = true
	w.mu.Unlock()

	n := uint64(len(batch))
	var once sync.Once
	done := func(err error) {
		once.Do(func() { w.written(bufs, n, closeAfter, err) })
	}
	if err := w.out.AsyncWritev(batch, func(_ gnet.Conn, err error) error {
		done(err)
		return nil
	}); err != nil {
		done(err)
	}
}

// written runs once the transport has taken a batch.
func (w *ResponseWriter) written(bufs []*[]byte, n uint64, closeAfter bool, err error) {
	for _, b := range bufs {
		if cap(*b) <= maxPooledBuffer {
			*b = (*b)[:0]
			responseBufferPool.Put(b)
		}
	}

	w.mu.Lock()
	w.inflight = false
	w.flushed += n
	if err != nil {
		w.logger.Error("write failed", "error", err)
		closeAfter = true
	}
	if w.closeAfter && w.flushed == w.nextSeq {
		closeAfter = true
	}
	if closeAfter {
		w.closed = true
		w.ready = nil
	}
	w.mu.Unlock()

	if closeAfter {
		_ = w.out.Close()
		return
	}
	w.flush()
}

// appendResponse serializes resp as status line, headers, blank line and body.
func appendResponse(buf []byte, resp Response, keepAlive, headOnly bool) []byte {
	if resp.Status == 200 {
		buf = append(buf, statusLine200...)
	} else {
		buf = append(buf, "HTTP/1.1 "...)
		buf = strconv.AppendInt(buf, int64(resp.Status), 10)
		buf = append(buf, ' ')
		buf = append(buf, statusText(resp.Status)...)
		buf = append(buf, crlf...)
	}

	// 1xx, 204 and 304 responses never carry a body or its length.
	bodyless := resp.Status < 200 || resp.Status == 204 || resp.Status == 304
	if !bodyless {
		buf = append(buf, headerContentLength...)
		buf = strconv.AppendInt(buf, int64(len(resp.Body)), 10)
		buf = append(buf, crlf...)
	}
	buf = append(buf, headerDate...)
	buf = append(buf, date.Current()...)
	buf = append(buf, crlf...)

	for _, h := range resp.Headers {
		switch h[0] {
		case "content-length", "connection", "date", "transfer-encoding":
			continue
		}
		// A CR or LF here would split the response.
		if !httpguts.ValidHeaderFieldName(h[0]) || !httpguts.ValidHeaderFieldValue(h[1]) {
			continue
		}
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}

	buf = append(buf, headerConnection...)
	if keepAlive {
		buf = append(buf, headerKeepAlive...)
	} else {
		buf = append(buf, headerClose...)
	}
	buf = append(buf, crlf...)

	if !headOnly && !bodyless {
		buf = append(buf, resp.Body...)
	}
	return buf
}

// statusText returns the reason phrase for the status codes this server emits.
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 409:
		return "Conflict"
	case 413:
		return "Payload Too Large"
	case 422:
		return "Unprocessable Entity"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Unknown"
	}
}
