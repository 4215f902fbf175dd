package opserve

import (
	"fmt"

	"github.com/albertbausili/opserve/internal/h1"
)

// Outcome is the single result of handling one request. The set of
// variants is closed: Success, ValidationFailure, ApplicationFailure,
// DecodingFailure, InternalFailure and UnknownOperation.
type Outcome interface {
	// Label names the variant for logs and metrics.
	Label() string
	outcome()
}

// Success carries the encoded output of an operation.
type Success struct {
	Status      int
	Body        []byte
	ContentType string
}

// ValidationFailure is a rejected input. Reason may be empty.
type ValidationFailure struct {
	Reason string
}

// DecodingFailure is a request body or path that could not be decoded.
type DecodingFailure struct {
	Reason string
	Kind   DecodingFaultKind
}

// ApplicationFailure is an error the operation declared at registration.
type ApplicationFailure struct {
	Kind   string
	Status int
	Err    error
}

// InternalFailure is anything else. Cause is logged and reported, never
// written to the response.
type InternalFailure struct {
	Cause error
}

// UnknownOperation means no operation is registered for the method and path.
type UnknownOperation struct {
	Method string
	Path   string
}

func (Success) Label() string            { return "success" }
func (ValidationFailure) Label() string  { return "validation_failure" }
func (DecodingFailure) Label() string    { return "decoding_failure" }
func (ApplicationFailure) Label() string { return "application_failure" }
func (InternalFailure) Label() string    { return "internal_failure" }
func (UnknownOperation) Label() string   { return "unknown_operation" }

func (Success) outcome()            {}
func (ValidationFailure) outcome()  {}
func (DecodingFailure) outcome()    {}
func (ApplicationFailure) outcome() {}
func (InternalFailure) outcome()    {}
func (UnknownOperation) outcome()   {}

// Error kinds written to the __type field of error responses.
const (
	KindDecoding         = "DecodingError"
	KindValidation       = "ValidationError"
	KindInvalidOperation = "InvalidOperation"
	KindInternal         = "InternalError"
)

// ResponseFor maps an outcome to its response.
func ResponseFor(o Outcome) h1.Response {
	switch o := o.(type) {
	case Success:
		status := o.Status
		if status == 0 {
			status = 200
		}
		resp := h1.Response{Status: status, Body: o.Body}
		if o.ContentType != "" {
			resp.Headers = [][2]string{{"content-type", o.ContentType}}
		}
		return resp
	case ValidationFailure:
		return h1.ErrorResponse(400, KindValidation, o.Reason)
	case DecodingFailure:
		return h1.ErrorResponse(400, KindDecoding, o.Reason)
	case ApplicationFailure:
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		return h1.ErrorResponse(o.Status, o.Kind, msg)
	case UnknownOperation:
		return h1.ErrorResponse(400, KindInvalidOperation, fmt.Sprintf("no operation registered for %s %s", o.Method, o.Path))
	default:
		return h1.ErrorResponse(500, KindInternal, "")
	}
}
