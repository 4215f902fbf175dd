package opserve

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetInput struct {
	Name     string `json:"name" validate:"required"`
	Language string `json:"language" validate:"omitempty,oneof=en es"`
}

type greetOutput struct {
	Message string `json:"message"`
}

var errNotFriendly = errors.New("refusing to greet")

type quotaError struct{ Limit int }

func (e *quotaError) Error() string { return fmt.Sprintf("quota of %d exceeded", e.Limit) }

type pathInput struct {
	Name string
}

func (p *pathInput) BindPath(params PathParams) error {
	name, err := params.Require("name")
	p.Name = name
	return err
}

type tracedInput struct {
	Name string `json:"name"`
	Ref  string `json:"ref"`
}

func (in tracedInput) ReportingContext() ReportingContext {
	return ReportingContext{CorrelationID: in.Ref}
}

type testServer struct {
	*Server
	reporter *recordingReporter
	invoked  atomic.Int32
}

func newTestServer(t *testing.T, mutate func(*Config), opts ...Option) *testServer {
	t.Helper()
	ts := &testServer{reporter: &recordingReporter{}}
	reg := NewRegistry(WithReporter(ts.reporter))

	MustRegister(reg, "POST", "/greetings", OperationSpec[greetInput, greetOutput]{
		Name: "CreateGreeting",
		Invoke: Sync(func(_ *InvocationContext, in greetInput) (greetOutput, error) {
			ts.invoked.Add(1)
			switch in.Name {
			case "grumpy":
				return greetOutput{}, errNotFriendly
			case "greedy":
				return greetOutput{}, &quotaError{Limit: 3}
			case "broken":
				return greetOutput{}, errors.New("database password is hunter2")
			case "invalid":
				return greetOutput{}, &ValidationError{Reason: "name is reserved"}
			case "panic":
				panic("secret panic detail")
			}
			return greetOutput{Message: "Hello, " + in.Name}, nil
		}),
		SuccessStatus: 201,
		Errors: []DeclaredError{
			DeclareError("NotFriendly", 409, errNotFriendly),
			DeclareErrorType[*quotaError]("QuotaExceeded", 429),
		},
	})
	MustRegister(reg, "GET", "/greetings/{name}", OperationSpec[pathInput, string]{
		Name:   "GetGreeting",
		Decode: JSONDecoder[pathInput]{},
		Invoke: Sync(func(_ *InvocationContext, in pathInput) (string, error) {
			ts.invoked.Add(1)
			return "Hello, " + in.Name, nil
		}),
		Encode: TextEncoder[string]{},
	})
	MustRegister(reg, "POST", "/async", OperationSpec[greetInput, greetOutput]{
		Name: "AsyncGreeting",
		Invoke: Async(func(_ *InvocationContext, in greetInput, c *Completion[greetOutput]) {
			ts.invoked.Add(1)
			go func() {
				time.Sleep(10 * time.Millisecond)
				c.Succeed(greetOutput{Message: "later, " + in.Name})
				c.Fail(errors.New("second completion"))
			}()
		}),
	})
	MustRegister(reg, "POST", "/traced", OperationSpec[tracedInput, Empty]{
		Name: "Traced",
		Invoke: Sync(func(ictx *InvocationContext, _ tracedInput) (Empty, error) {
			ts.invoked.Add(1)
			return Empty{}, nil
		}),
		Encode:        EmptyEncoder{},
		SuccessStatus: 204,
	})

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	s, err := New(cfg, reg, opts...)
	require.NoError(t, err)
	ts.Server = s
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, body string, headers ...string) *recorder {
	t.Helper()
	rec := newRecorder()
	ts.Dispatch(context.Background(), request(t, method, target, body, headers...), rec)
	return rec
}

func TestPipeline_Liveness(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, "GET", "/ping", "").wait(t)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "Ping completed.", string(resp.Body))
	assert.True(t, resp.Silent)
	assert.Empty(t, ts.reporter.all(), "liveness bypasses operations")
}

func TestPipeline_UnknownOperation(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, "GET", "/unknown", "").wait(t)

	assert.Equal(t, 400, resp.Status)
	assert.Equal(t, KindInvalidOperation, decodeEnvelope(t, resp).Type)
	assert.Zero(t, ts.invoked.Load())
}

func TestPipeline_WrongMethodIsUnknown(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, "DELETE", "/greetings", "").wait(t)
	assert.Equal(t, 400, resp.Status)
	assert.Equal(t, KindInvalidOperation, decodeEnvelope(t, resp).Type)
}

func TestPipeline_Success(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, "POST", "/greetings", `{"name":"Ada"}`, "X-Request-Id: req-1")
	resp := rec.wait(t)

	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "application/json", header(resp, "content-type"))
	assert.Equal(t, "req-1", header(resp, "x-request-id"))
	assert.JSONEq(t, `{"message":"Hello, Ada"}`, string(resp.Body))
	assert.EqualValues(t, 1, rec.count.Load())

	events := ts.reporter.all()
	require.Len(t, events, 1)
	assert.Equal(t, OperationID("CreateGreeting"), events[0].operation)
	assert.IsType(t, Success{}, events[0].outcome)
	assert.Equal(t, "req-1", events[0].correlationID)
}

func TestPipeline_GeneratesCorrelationID(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, "POST", "/greetings", `{"name":"Ada"}`).wait(t)
	assert.Len(t, header(resp, "x-request-id"), 36)
}

func TestPipeline_DecodingFailure(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind DecodingFaultKind
	}{
		{"malformed payload", `{not json`, FaultDataCorrupted},
		{"type mismatch", `{"name": 42}`, FaultTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			resp := ts.do(t, "POST", "/greetings", tt.body).wait(t)

			assert.Equal(t, 400, resp.Status)
			env := decodeEnvelope(t, resp)
			assert.Equal(t, KindDecoding, env.Type)
			assert.NotEmpty(t, env.Message)
			assert.Zero(t, ts.invoked.Load(), "operation must not run")

			events := ts.reporter.all()
			require.Len(t, events, 1)
			failure, ok := events[0].outcome.(DecodingFailure)
			require.True(t, ok)
			assert.Equal(t, tt.kind, failure.Kind)
		})
	}
}

func TestPipeline_MissingPathParameter(t *testing.T) {
	params := PathParams{}
	_, err := params.Require("name")
	var de *DecodingError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, FaultMissingField, de.Kind)
}

func TestPipeline_ValidationFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, "POST", "/greetings", `{"language":"en"}`).wait(t)

	assert.Equal(t, 400, resp.Status)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, KindValidation, env.Type)
	assert.Equal(t, "field name required", env.Message)
	assert.Zero(t, ts.invoked.Load(), "operation must not run")
}

func TestPipeline_ValidationErrorFromOperation(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, "POST", "/greetings", `{"name":"invalid"}`).wait(t)

	assert.Equal(t, 400, resp.Status)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, KindValidation, env.Type)
	assert.Equal(t, "name is reserved", env.Message)
}

func TestPipeline_DeclaredErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   string
	}{
		{"grumpy", 409, "NotFriendly"},
		{"greedy", 429, "QuotaExceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			resp := ts.do(t, "POST", "/greetings", `{"name":"`+tt.name+`"}`).wait(t)

			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.kind, decodeEnvelope(t, resp).Type)

			events := ts.reporter.all()
			require.Len(t, events, 1)
			failure, ok := events[0].outcome.(ApplicationFailure)
			require.True(t, ok)
			assert.Equal(t, tt.kind, failure.Kind)
		})
	}
}

func TestPipeline_UndeclaredErrorIsInternal(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, "POST", "/greetings", `{"name":"broken"}`).wait(t)

	assert.Equal(t, 500, resp.Status)
	assert.NotContains(t, string(resp.Body), "hunter2")
	assert.Equal(t, KindInternal, decodeEnvelope(t, resp).Type)

	events := ts.reporter.all()
	require.Len(t, events, 1)
	failure, ok := events[0].outcome.(InternalFailure)
	require.True(t, ok)
	assert.ErrorContains(t, failure.Cause, "hunter2", "the reporting sink sees the full cause")
}

func TestPipeline_PanicIsInternal(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, "POST", "/greetings", `{"name":"panic"}`)
	resp := rec.wait(t)

	assert.Equal(t, 500, resp.Status)
	assert.NotContains(t, string(resp.Body), "secret")
	assert.EqualValues(t, 1, rec.count.Load())
}

func TestPipeline_PanickingStagesAreReported(t *testing.T) {
	rep := &recordingReporter{}
	reg := NewRegistry(WithReporter(rep))
	MustRegister(reg, "POST", "/decode", OperationSpec[greetInput, greetOutput]{
		Name: "BrokenDecoder",
		Decode: DecoderFunc[greetInput](func(*Call) (greetInput, error) {
			var m map[string]int
			m["boom"]++
			return greetInput{}, nil
		}),
		Invoke: Sync(func(*InvocationContext, greetInput) (greetOutput, error) { return greetOutput{}, nil }),
	})
	MustRegister(reg, "POST", "/validate", OperationSpec[greetInput, greetOutput]{
		Name: "BrokenValidator",
		Validate: ValidatorFunc[greetInput](func(greetInput) error {
			panic("validator bug")
		}),
		Invoke: Sync(func(*InvocationContext, greetInput) (greetOutput, error) { return greetOutput{}, nil }),
	})
	s, err := New(DefaultConfig(), reg, WithLogger(discardLogger()))
	require.NoError(t, err)

	rec := newRecorder()
	s.Dispatch(context.Background(), request(t, "POST", "/decode", `{"name":"a"}`), rec)
	resp := rec.wait(t)
	assert.Equal(t, 400, resp.Status)
	assert.Equal(t, KindDecoding, decodeEnvelope(t, resp).Type)

	rec = newRecorder()
	s.Dispatch(context.Background(), request(t, "POST", "/validate", `{"name":"a"}`), rec)
	resp = rec.wait(t)
	assert.Equal(t, 500, resp.Status)
	assert.NotContains(t, string(resp.Body), "validator bug")

	events := rep.all()
	require.Len(t, events, 2)
	df, ok := events[0].outcome.(DecodingFailure)
	require.True(t, ok)
	assert.Equal(t, FaultUnexpected, df.Kind)
	assert.IsType(t, InternalFailure{}, events[1].outcome)
}

func TestPipeline_PathParameters(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, "GET", "/greetings/Grace", "").wait(t)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "Hello, Grace", string(resp.Body))
	assert.Equal(t, "text/plain; charset=utf-8", header(resp, "content-type"))
}

func TestPipeline_HeadFallsBackToGet(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, "HEAD", "/greetings/Grace", "").wait(t)
	assert.Equal(t, 200, resp.Status)
}

func TestPipeline_AsyncCompletion(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, "POST", "/async", `{"name":"Linus"}`)
	resp := rec.wait(t)

	assert.Equal(t, 200, resp.Status)
	var out greetOutput
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	assert.Equal(t, "later, Linus", out.Message)

	// The second completion is ignored.
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, rec.count.Load())
	assert.Len(t, ts.reporter.all(), 1)
}

func TestPipeline_ReportingSourceTakesPrecedence(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, "POST", "/traced", `{"name":"x","ref":"order-77"}`, "X-Request-Id: from-header").wait(t)

	assert.Equal(t, 204, resp.Status)
	assert.Empty(t, resp.Body)
	assert.Equal(t, "order-77", header(resp, "x-request-id"))

	events := ts.reporter.all()
	require.Len(t, events, 1)
	assert.Equal(t, "order-77", events[0].correlationID)
}

func TestPipeline_UnsafeCorrelationIDIgnored(t *testing.T) {
	ts := newTestServer(t, nil)
	body := `{"name":"x","ref":"abc\r\nset-cookie: session=evil\r\n\r\nINJECTED"}`
	resp := ts.do(t, "POST", "/traced", body, "X-Request-Id: from-header").wait(t)

	assert.Equal(t, 204, resp.Status)
	assert.Equal(t, "from-header", header(resp, "x-request-id"))
	for _, h := range resp.Headers {
		assert.NotEqual(t, "set-cookie", h[0])
	}

	events := ts.reporter.all()
	require.Len(t, events, 1)
	assert.Equal(t, "from-header", events[0].correlationID)
}

func TestPipeline_PoolStrategy(t *testing.T) {
	ts := newTestServer(t, func(c *Config) {
		c.Invocation.Mode = ModePool
		c.Invocation.PoolSize = 4
	})
	t.Cleanup(func() { _ = ts.Stop(context.Background()) })

	resp := ts.do(t, "POST", "/greetings", `{"name":"Ada"}`).wait(t)
	assert.Equal(t, 201, resp.Status)
}

func TestPipeline_ScheduleRejectionIsInternal(t *testing.T) {
	pool, err := NewPoolStrategy(PoolConfig{Size: 1, NonBlocking: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Release(time.Second) })

	release := make(chan struct{})
	require.NoError(t, pool.Invoke(func() { <-release }))
	defer close(release)

	ts := newTestServer(t, nil, WithStrategy(pool))
	resp := ts.do(t, "POST", "/greetings", `{"name":"Ada"}`).wait(t)

	assert.Equal(t, 500, resp.Status)
	assert.Zero(t, ts.invoked.Load(), "rejected work never runs")

	events := ts.reporter.all()
	require.Len(t, events, 1)
	failure, ok := events[0].outcome.(InternalFailure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Cause, ErrScheduleRejected)
}
