package opserve

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albertbausili/opserve/internal/h1"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// recorder is an h1.Responder that keeps every response it receives.
type recorder struct {
	ch    chan h1.Response
	count atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan h1.Response, 8)}
}

func (r *recorder) Respond(resp h1.Response) error {
	r.count.Add(1)
	r.ch <- resp
	return nil
}

func (r *recorder) wait(t *testing.T) h1.Response {
	t.Helper()
	select {
	case resp := <-r.ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
		return h1.Response{}
	}
}

func header(resp h1.Response, name string) string {
	for _, h := range resp.Headers {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

type envelope struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

func decodeEnvelope(t *testing.T, resp h1.Response) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(resp.Body, &e))
	return e
}

// request parses raw request text into an assembled request.
func request(t *testing.T, method, target, body string, headers ...string) *h1.Request {
	t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\nHost: test\r\n", method, target)
	for _, h := range headers {
		sb.WriteString(h)
		sb.WriteString("\r\n")
	}
	if body != "" {
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	}
	sb.WriteString("\r\n")
	sb.WriteString(body)

	p := h1.NewParser(0, 0)
	p.Feed([]byte(sb.String()))
	req := &h1.Request{KeepAlive: true}
	for {
		ev, err := p.Next()
		require.NoError(t, err)
		switch ev.Kind {
		case h1.EventHead:
			req.Head = ev.Head
		case h1.EventBody:
			req.Body = append(req.Body, ev.Data...)
		case h1.EventEnd:
			return req
		case h1.EventNone:
			t.Fatal("incomplete request")
		}
	}
}

type reportEvent struct {
	operation     OperationID
	outcome       Outcome
	correlationID string
}

// recordingReporter keeps every report.
type recordingReporter struct {
	mu     sync.Mutex
	events []reportEvent
}

func (r *recordingReporter) ForOperation(id OperationID) OperationReporter {
	return &recordingOperationReporter{parent: r, id: id}
}

func (r *recordingReporter) all() []reportEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportEvent(nil), r.events...)
}

type recordingOperationReporter struct {
	parent *recordingReporter
	id     OperationID
}

func (r *recordingOperationReporter) ReportSuccess(ictx *InvocationContext, _ time.Duration) {
	r.add(ictx, Success{})
}

func (r *recordingOperationReporter) ReportFailure(ictx *InvocationContext, o Outcome, _ time.Duration) {
	r.add(ictx, o)
}

func (r *recordingOperationReporter) add(ictx *InvocationContext, o Outcome) {
	r.parent.mu.Lock()
	r.parent.events = append(r.parent.events, reportEvent{operation: r.id, outcome: o, correlationID: ictx.CorrelationID()})
	r.parent.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
