// Package h1 implements the HTTP/1.1 side of the server: an incremental
// request parser, the per-connection state machine and the ordered response
// writer, driven by a gnet event loop.
package h1

import (
	"bytes"
	"errors"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Parse failures. They reach callers wrapped in a *ParseError that carries
// the status code of the response the connection answers with.
var (
	ErrInvalidRequestLine   = errors.New("h1: invalid request line")
	ErrUnsupportedVersion   = errors.New("h1: unsupported HTTP version")
	ErrInvalidHeader        = errors.New("h1: invalid header line")
	ErrMissingHost          = errors.New("h1: missing Host header")
	ErrInvalidContentLength = errors.New("h1: invalid content-length")
	ErrConflictingFraming   = errors.New("h1: both content-length and transfer-encoding present")
	ErrUnsupportedEncoding  = errors.New("h1: unsupported transfer-encoding")
	ErrInvalidChunk         = errors.New("h1: invalid chunked encoding")
	ErrHeadTooLarge         = errors.New("h1: request head too large")
	ErrBodyTooLarge         = errors.New("h1: request body too large")
)

// ParseError is a malformed-input failure together with the status code the
// peer should receive.
type ParseError struct {
	Status int
	Err    error
}

func (e *ParseError) Error() string { return e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

func parseFailure(status int, err error) *ParseError {
	return &ParseError{Status: status, Err: err}
}

// Head is the request line and header block of one request.
type Head struct {
	Method  string
	Target  string // request-target exactly as received
	Path    string
	Query   string // raw query string without the leading '?'
	Version string
	// Headers holds lower-cased names and trimmed values in wire order.
	Headers [][2]string
	Host    string
	// ContentLength is -1 when the request carries no content-length header.
	ContentLength int64
	Chunked       bool
}

// Get returns the first value of the named header, or "".
func (h *Head) Get(name string) string {
	for _, kv := range h.Headers {
		if asciiEqualFold(kv[0], name) {
			return kv[1]
		}
	}
	return ""
}

// Values returns every value of the named header in wire order.
func (h *Head) Values(name string) []string {
	var out []string
	for _, kv := range h.Headers {
		if asciiEqualFold(kv[0], name) {
			out = append(out, kv[1])
		}
	}
	return out
}

// EventKind identifies what Parser.Next produced.
type EventKind uint8

const (
	// EventNone means more input is needed.
	EventNone EventKind = iota
	EventHead
	EventBody
	EventEnd
)

// Event is one protocol event. Data aliases the parser buffer and is only
// valid until the next call to Feed.
type Event struct {
	Kind EventKind
	Head *Head
	Data []byte
}

type stage uint8

const (
	stageHead stage = iota
	stageBody
	stageChunkSize
	stageChunkData
	stageChunkDataEnd
	stageTrailer
	stageEnd
)

// maxChunkLine bounds a chunk-size line including extensions.
const maxChunkLine = 4096

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")

	bGET    = []byte("GET")
	bPOST   = []byte("POST")
	bHTTP11 = []byte("HTTP/1.1")
	bHTTP10 = []byte("HTTP/1.0")
)

// Parser turns a byte stream into head, body and end events. It keeps the
// bytes it has not consumed yet, so the caller may Feed arbitrary fragments.
type Parser struct {
	buf       []byte
	off       int
	stage     stage
	remaining int64
	bodyRead  int64

	maxHeadBytes int
	maxBodyBytes int64
}

// NewParser creates a parser. Non-positive limits disable the check.
func NewParser(maxHeadBytes int, maxBodyBytes int64) *Parser {
	return &Parser{
		maxHeadBytes: maxHeadBytes,
		maxBodyBytes: maxBodyBytes,
	}
}

// Feed appends transport bytes.
func (p *Parser) Feed(data []byte) {
	switch {
	case p.off == len(p.buf):
		p.buf = p.buf[:0]
		p.off = 0
	case p.off > 0 && p.off >= len(p.buf)/2:
		n := copy(p.buf, p.buf[p.off:])
		p.buf = p.buf[:n]
		p.off = 0
	}
	p.buf = append(p.buf, data...)
}

// Buffered returns the number of bytes fed but not yet consumed.
func (p *Parser) Buffered() int {
	return len(p.buf) - p.off
}

// Reset discards buffered input and returns to the start of a request.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.off = 0
	p.stage = stageHead
	p.remaining = 0
	p.bodyRead = 0
}

// Next returns the next event. EventNone with a nil error means the buffered
// bytes do not yet hold a complete event.
func (p *Parser) Next() (Event, error) {
	for {
		switch p.stage {
		case stageHead:
			return p.parseHead()
		case stageBody:
			return p.bodyData(stageEnd), nil
		case stageChunkSize:
			ok, err := p.parseChunkSize()
			if err != nil || !ok {
				return Event{}, err
			}
		case stageChunkData:
			return p.bodyData(stageChunkDataEnd), nil
		case stageChunkDataEnd:
			if p.Buffered() < 2 {
				return Event{}, nil
			}
			if p.buf[p.off] != '\r' || p.buf[p.off+1] != '\n' {
				return Event{}, parseFailure(400, ErrInvalidChunk)
			}
			p.off += 2
			p.stage = stageChunkSize
		case stageTrailer:
			ok, err := p.skipTrailer()
			if err != nil || !ok {
				return Event{}, err
			}
		case stageEnd:
			p.stage = stageHead
			p.remaining = 0
			p.bodyRead = 0
			return Event{Kind: EventEnd}, nil
		}
	}
}

func (p *Parser) parseHead() (Event, error) {
	// RFC 9112 allows empty lines ahead of a request line.
	for p.Buffered() >= 2 && p.buf[p.off] == '\r' && p.buf[p.off+1] == '\n' {
		p.off += 2
	}
	data := p.buf[p.off:]
	end := bytes.Index(data, crlfcrlf)
	if end < 0 {
		if p.maxHeadBytes > 0 && len(data) > p.maxHeadBytes {
			return Event{}, parseFailure(431, ErrHeadTooLarge)
		}
		return Event{}, nil
	}
	if p.maxHeadBytes > 0 && end+len(crlfcrlf) > p.maxHeadBytes {
		return Event{}, parseFailure(431, ErrHeadTooLarge)
	}

	block := data[:end]
	head := &Head{ContentLength: -1}

	lineEnd := bytes.Index(block, crlf)
	rest := []byte(nil)
	if lineEnd < 0 {
		lineEnd = len(block)
	} else {
		rest = block[lineEnd+2:]
	}
	if err := parseRequestLine(block[:lineEnd], head); err != nil {
		return Event{}, err
	}
	for len(rest) > 0 {
		var line []byte
		if i := bytes.Index(rest, crlf); i >= 0 {
			line, rest = rest[:i], rest[i+2:]
		} else {
			line, rest = rest, nil
		}
		if err := appendHeader(head, line); err != nil {
			return Event{}, err
		}
	}
	p.off += end + len(crlfcrlf)

	if head.Version == "HTTP/1.1" && head.Host == "" {
		return Event{}, parseFailure(400, ErrMissingHost)
	}
	if head.Chunked && head.ContentLength >= 0 {
		return Event{}, parseFailure(400, ErrConflictingFraming)
	}

	switch {
	case head.Chunked:
		p.stage = stageChunkSize
	case head.ContentLength > 0:
		if p.maxBodyBytes > 0 && head.ContentLength > p.maxBodyBytes {
			return Event{}, parseFailure(413, ErrBodyTooLarge)
		}
		p.remaining = head.ContentLength
		p.stage = stageBody
	default:
		p.stage = stageEnd
	}
	return Event{Kind: EventHead, Head: head}, nil
}

// bodyData emits as much of the remaining body as is buffered.
func (p *Parser) bodyData(next stage) Event {
	avail := p.Buffered()
	if avail == 0 {
		return Event{}
	}
	n := p.remaining
	if int64(avail) < n {
		n = int64(avail)
	}
	data := p.buf[p.off : p.off+int(n)]
	p.off += int(n)
	p.remaining -= n
	if p.remaining == 0 {
		p.stage = next
	}
	return Event{Kind: EventBody, Data: data}
}

func (p *Parser) parseChunkSize() (bool, error) {
	data := p.buf[p.off:]
	i := bytes.Index(data, crlf)
	if i < 0 {
		if partialLine(data) > maxChunkLine {
			return false, parseFailure(400, ErrInvalidChunk)
		}
		return false, nil
	}
	if i > maxChunkLine {
		return false, parseFailure(400, ErrInvalidChunk)
	}
	line := data[:i]
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	size, ok := parseHexBytes(bytes.TrimSpace(line))
	if !ok {
		return false, parseFailure(400, ErrInvalidChunk)
	}
	p.off += i + 2
	if size == 0 {
		p.stage = stageTrailer
		return true, nil
	}
	if p.maxBodyBytes > 0 && p.bodyRead+size > p.maxBodyBytes {
		return false, parseFailure(413, ErrBodyTooLarge)
	}
	p.bodyRead += size
	p.remaining = size
	p.stage = stageChunkData
	return true, nil
}

// partialLine is the length of an unterminated line, not counting a CR
// that may start the terminator.
func partialLine(data []byte) int {
	if n := len(data); n > 0 && data[n-1] == '\r' {
		return n - 1
	}
	return len(data)
}

// skipTrailer consumes trailer fields up to and including the final CRLF.
func (p *Parser) skipTrailer() (bool, error) {
	for {
		data := p.buf[p.off:]
		i := bytes.Index(data, crlf)
		if i < 0 {
			if p.maxHeadBytes > 0 && partialLine(data) > p.maxHeadBytes {
				return false, parseFailure(431, ErrHeadTooLarge)
			}
			return false, nil
		}
		if p.maxHeadBytes > 0 && i > p.maxHeadBytes {
			return false, parseFailure(431, ErrHeadTooLarge)
		}
		p.off += i + 2
		if i == 0 {
			p.stage = stageEnd
			return true, nil
		}
	}
}

// parseRequestLine parses METHOD SP TARGET SP VERSION.
func parseRequestLine(line []byte, head *Head) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return parseFailure(400, ErrInvalidRequestLine)
	}

	switch {
	case bytes.Equal(parts[0], bGET):
		head.Method = "GET"
	case bytes.Equal(parts[0], bPOST):
		head.Method = "POST"
	default:
		head.Method = string(parts[0])
		if !httpguts.ValidHeaderFieldName(head.Method) {
			return parseFailure(400, ErrInvalidRequestLine)
		}
	}

	switch {
	case bytes.Equal(parts[2], bHTTP11):
		head.Version = "HTTP/1.1"
	case bytes.Equal(parts[2], bHTTP10):
		head.Version = "HTTP/1.0"
	default:
		return parseFailure(505, ErrUnsupportedVersion)
	}

	head.Target = string(parts[1])
	if bytes.IndexByte(parts[1], ' ') >= 0 {
		return parseFailure(400, ErrInvalidRequestLine)
	}
	head.Path, head.Query, _ = strings.Cut(head.Target, "?")
	if head.Path == "" {
		head.Path = "/"
	}
	return nil
}

// appendHeader parses one header line into head.
func appendHeader(head *Head, line []byte) error {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return parseFailure(400, ErrInvalidHeader)
	}
	rawName := line[:colon]
	rawValue := bytes.TrimSpace(line[colon+1:])

	var name string
	switch {
	case asciiEqualFoldBytes(rawName, "host"):
		name = "host"
	case asciiEqualFoldBytes(rawName, "content-length"):
		name = "content-length"
	case asciiEqualFoldBytes(rawName, "transfer-encoding"):
		name = "transfer-encoding"
	case asciiEqualFoldBytes(rawName, "connection"):
		name = "connection"
	case asciiEqualFoldBytes(rawName, "content-type"):
		name = "content-type"
	default:
		name = strings.ToLower(string(rawName))
		if !httpguts.ValidHeaderFieldName(name) {
			return parseFailure(400, ErrInvalidHeader)
		}
	}
	value := string(rawValue)
	if !httpguts.ValidHeaderFieldValue(value) {
		return parseFailure(400, ErrInvalidHeader)
	}
	head.Headers = append(head.Headers, [2]string{name, value})

	switch name {
	case "host":
		if head.Host != "" && head.Host != value {
			return parseFailure(400, ErrInvalidHeader)
		}
		head.Host = value
	case "content-length":
		cl, ok := parseInt64Bytes(rawValue)
		if !ok || (head.ContentLength >= 0 && head.ContentLength != cl) {
			return parseFailure(400, ErrInvalidContentLength)
		}
		head.ContentLength = cl
	case "transfer-encoding":
		// chunked must be the final coding; nothing else is decoded here.
		if !asciiEqualFold(strings.TrimSpace(value), "chunked") {
			return parseFailure(501, ErrUnsupportedEncoding)
		}
		head.Chunked = true
	}
	return nil
}

// asciiEqualFold reports whether a equals b under ASCII case folding.
func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if lower(a[i]) != lower(b[i]) {
			return false
		}
	}
	return true
}

func asciiEqualFoldBytes(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if lower(b[i]) != lower(s[i]) {
			return false
		}
	}
	return true
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c | 0x20
	}
	return c
}

// parseInt64Bytes parses a non-negative base-10 integer without allocating.
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

func parseHexBytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 15 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		var d byte
		switch {
		case '0' <= c && c <= '9':
			d = c - '0'
		case 'a' <= c && c <= 'f':
			d = c - 'a' + 10
		case 'A' <= c && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, false
		}
		n = n<<4 | int64(d)
	}
	return n, true
}
