package opserve

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// OperationID names an operation in logs and metrics.
type OperationID string

// OperationDescriptor is a registered operation. It is immutable once
// registered and shared by all connections.
type OperationDescriptor struct {
	id            OperationID
	method        string
	pattern       string
	successStatus int
	declared      []DeclaredError
	reporter      OperationReporter
	run           runFunc
}

// ID returns the operation name.
func (d *OperationDescriptor) ID() OperationID { return d.id }

// Method returns the HTTP method the operation is registered for.
func (d *OperationDescriptor) Method() string { return d.method }

// Pattern returns the registered path pattern.
func (d *OperationDescriptor) Pattern() string { return d.pattern }

// DeclaredError maps an application error to a response status. Errors not
// matched by any declared error of an operation become internal failures.
type DeclaredError struct {
	Kind   string
	Status int
	match  func(error) bool
}

// DeclareError declares that errors matching target (with errors.Is) are
// answered with status and the given kind.
func DeclareError(kind string, status int, target error) DeclaredError {
	return DeclaredError{
		Kind:   kind,
		Status: status,
		match:  func(err error) bool { return errors.Is(err, target) },
	}
}

// DeclareErrorType declares that errors of type E (found with errors.As) are
// answered with status and the given kind.
func DeclareErrorType[E error](kind string, status int) DeclaredError {
	return DeclaredError{
		Kind:   kind,
		Status: status,
		match: func(err error) bool {
			var target E
			return errors.As(err, &target)
		},
	}
}

// OperationSpec describes a typed operation. Only Invoke is required.
type OperationSpec[I, O any] struct {
	// Name identifies the operation; it defaults to "METHOD pattern".
	Name string
	// Decode defaults to JSONDecoder.
	Decode Decoder[I]
	// Validate defaults to StructValidator.
	Validate Validator[I]
	Invoke   Invoker[I, O]
	// Encode defaults to JSONEncoder.
	Encode Encoder[O]
	// SuccessStatus defaults to 200.
	SuccessStatus int
	Errors        []DeclaredError
}

// Register adds a typed operation to the registry.
func Register[I, O any](r *Registry, method, pattern string, spec OperationSpec[I, O]) error {
	if spec.Invoke == nil {
		return fmt.Errorf("register %s %s: no invoker", method, pattern)
	}
	if spec.Decode == nil {
		spec.Decode = JSONDecoder[I]{}
	}
	if spec.Validate == nil {
		spec.Validate = StructValidator[I]{}
	}
	if spec.Encode == nil {
		spec.Encode = JSONEncoder[O]{}
	}
	if spec.SuccessStatus == 0 {
		spec.SuccessStatus = 200
	}
	for _, de := range spec.Errors {
		if de.match == nil || de.Kind == "" || de.Status < 400 || de.Status > 599 {
			return fmt.Errorf("register %s %s: invalid declared error %q", method, pattern, de.Kind)
		}
	}

	method = strings.ToUpper(method)
	name := spec.Name
	if name == "" {
		name = method + " " + pattern
	}
	d := &OperationDescriptor{
		id:            OperationID(name),
		method:        method,
		pattern:       pattern,
		successStatus: spec.SuccessStatus,
		declared:      append([]DeclaredError(nil), spec.Errors...),
	}
	d.run = pipeline(d, spec)
	return r.add(d)
}

// MustRegister is like Register but panics on error.
func MustRegister[I, O any](r *Registry, method, pattern string, spec OperationSpec[I, O]) {
	if err := Register(r, method, pattern, spec); err != nil {
		panic(err)
	}
}

// Invoker runs the business function. It calls done exactly once, now or
// later and from any goroutine.
type Invoker[I, O any] interface {
	Invoke(ictx *InvocationContext, in I, done func(O, error))
}

// Sync adapts a function that returns its result directly.
func Sync[I, O any](fn func(ictx *InvocationContext, in I) (O, error)) Invoker[I, O] {
	return syncInvoker[I, O](fn)
}

type syncInvoker[I, O any] func(ictx *InvocationContext, in I) (O, error)

func (f syncInvoker[I, O]) Invoke(ictx *InvocationContext, in I, done func(O, error)) {
	done(f(ictx, in))
}

// Async adapts a function that completes through a Completion, possibly
// after returning.
func Async[I, O any](fn func(ictx *InvocationContext, in I, c *Completion[O])) Invoker[I, O] {
	return asyncInvoker[I, O](fn)
}

type asyncInvoker[I, O any] func(ictx *InvocationContext, in I, c *Completion[O])

func (f asyncInvoker[I, O]) Invoke(ictx *InvocationContext, in I, done func(O, error)) {
	f(ictx, in, &Completion[O]{ictx: ictx, done: done})
}

// Completion delivers the result of an asynchronous operation. Only the
// first call counts; later calls are logged and ignored.
type Completion[O any] struct {
	ictx  *InvocationContext
	done  func(O, error)
	fired atomic.Bool
}

// Succeed completes the operation with out.
func (c *Completion[O]) Succeed(out O) {
	c.Complete(out, nil)
}

// Fail completes the operation with err.
func (c *Completion[O]) Fail(err error) {
	var zero O
	c.Complete(zero, err)
}

// Complete completes the operation with out or err.
func (c *Completion[O]) Complete(out O, err error) {
	if !c.fired.CompareAndSwap(false, true) {
		c.ictx.Logger().WarnContext(c.ictx.Context(), "operation completed more than once; ignoring", "error", err)
		return
	}
	c.done(out, err)
}
