package opserve

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/albertbausili/opserve/internal/h1"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// DecodingFaultKind classifies decoding failures for logs.
type DecodingFaultKind string

const (
	FaultMissingField  DecodingFaultKind = "missingField"
	FaultTypeMismatch  DecodingFaultKind = "typeMismatch"
	FaultDataCorrupted DecodingFaultKind = "dataCorrupted"
	FaultUnexpected    DecodingFaultKind = "unexpected"
)

// DecodingError is returned by decoders.
type DecodingError struct {
	Kind   DecodingFaultKind
	Reason string
	Err    error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// ValidationError is a rejected input. It may be returned by validators and
// by operations; either way the request is answered with a 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return "validation failed"
	}
	return e.Reason
}

// Call is the raw material a decoder works from.
type Call struct {
	Head   *h1.Head
	Body   []byte
	Params PathParams
}

// Header returns the first value of the named request header.
func (c *Call) Header(name string) string {
	return c.Head.Get(name)
}

// Decoder turns a call into a typed input.
type Decoder[I any] interface {
	Decode(call *Call) (I, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc[I any] func(call *Call) (I, error)

func (f DecoderFunc[I]) Decode(call *Call) (I, error) { return f(call) }

// Validator checks a decoded input.
type Validator[I any] interface {
	Validate(in I) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc[I any] func(in I) error

func (f ValidatorFunc[I]) Validate(in I) error { return f(in) }

// Encoder turns an operation output into a body and content type.
type Encoder[O any] interface {
	Encode(out O) ([]byte, string, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc[O any] func(out O) ([]byte, string, error)

func (f EncoderFunc[O]) Encode(out O) ([]byte, string, error) { return f(out) }

// PathBinder is implemented by input types (through a pointer receiver) that
// take values from the matched path parameters.
type PathBinder interface {
	BindPath(params PathParams) error
}

// Validatable is implemented by inputs with their own validation rule. It
// runs before struct tag validation.
type Validatable interface {
	Validate() error
}

// JSONDecoder decodes the body as JSON and then binds path parameters. An
// empty body leaves the input at its zero value.
type JSONDecoder[I any] struct{}

func (JSONDecoder[I]) Decode(call *Call) (I, error) {
	var in I
	if len(call.Body) > 0 {
		if err := json.Unmarshal(call.Body, &in); err != nil {
			var zero I
			return zero, classifyJSONError(err)
		}
	}
	if b, ok := any(&in).(PathBinder); ok {
		if err := b.BindPath(call.Params); err != nil {
			var zero I
			var de *DecodingError
			if errors.As(err, &de) {
				return zero, de
			}
			return zero, &DecodingError{Kind: FaultUnexpected, Reason: err.Error(), Err: err}
		}
	}
	return in, nil
}

func classifyJSONError(err error) *DecodingError {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		return &DecodingError{
			Kind:   FaultDataCorrupted,
			Reason: fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset),
			Err:    err,
		}
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return &DecodingError{
			Kind:   FaultTypeMismatch,
			Reason: fmt.Sprintf("field %s: expected %s, got %s", field, typeErr.Type, typeErr.Value),
			Err:    err,
		}
	default:
		return &DecodingError{Kind: FaultUnexpected, Reason: "request body could not be decoded", Err: err}
	}
}

// JSONEncoder encodes the output as JSON.
type JSONEncoder[O any] struct{}

func (JSONEncoder[O]) Encode(out O) ([]byte, string, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return nil, "", err
	}
	return b, "application/json", nil
}

// TextEncoder writes string-like outputs as text/plain.
type TextEncoder[O ~string] struct{}

func (TextEncoder[O]) Encode(out O) ([]byte, string, error) {
	return []byte(out), "text/plain; charset=utf-8", nil
}

// Empty is the output of operations that return no body.
type Empty struct{}

// EmptyEncoder writes no body.
type EmptyEncoder struct{}

func (EmptyEncoder) Encode(Empty) ([]byte, string, error) { return nil, "", nil }

var (
	validateOnce   sync.Once
	structValidate *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		structValidate = validator.New(validator.WithRequiredStructEnabled())
		// Report JSON field names instead of Go field names.
		structValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
	})
	return structValidate
}

// StructValidator runs the input's Validatable rule, then its validate
// struct tags. Inputs that are not structs pass tag validation.
type StructValidator[I any] struct{}

func (StructValidator[I]) Validate(in I) error {
	if v, ok := any(in).(Validatable); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	} else if v, ok := any(&in).(Validatable); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	err := structValidator().Struct(in)
	var invalid *validator.InvalidValidationError
	if err == nil || errors.As(err, &invalid) {
		return nil
	}
	return validationFailureFrom(err)
}

// validationFailureFrom converts validator output into a *ValidationError.
func validationFailureFrom(err error) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Reason: err.Error()}
	}
	reasons := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		reasons = append(reasons, describeFieldError(fe))
	}
	return &ValidationError{Reason: strings.Join(reasons, "; ")}
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("field %s required", field)
	case "min", "gte":
		return fmt.Sprintf("field %s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("field %s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("field %s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("field %s failed %s validation", field, fe.Tag())
	}
}
