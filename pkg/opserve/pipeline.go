package opserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/albertbausili/opserve/internal/h1"
	"github.com/go-playground/validator/v10"
)

// runFunc is the typed part of the pipeline, closed over an operation's
// stages by Register. It calls finish exactly once.
type runFunc func(ictx *InvocationContext, call *Call, strategy InvocationStrategy, finish func(Outcome))

// Handle runs the operation for one request: decode, validate, invoke under
// strategy, classify, encode. res.Respond is called exactly once, possibly
// after Handle returns and from another goroutine.
func (d *OperationDescriptor) Handle(ctx context.Context, call *Call, strategy InvocationStrategy, logger *slog.Logger, res h1.Responder) {
	if strategy == nil {
		strategy = Immediate()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ictx := newInvocationContext(ctx, d, call.Head, logger)
	start := time.Now()

	var once sync.Once
	finish := func(o Outcome) {
		once.Do(func() { d.complete(ictx, o, time.Since(start), res) })
	}
	d.run(ictx, call, strategy, finish)
}

// complete reports, logs and responds for a finished invocation.
func (d *OperationDescriptor) complete(ictx *InvocationContext, o Outcome, latency time.Duration, res h1.Responder) {
	ctx := ictx.Context()
	if _, ok := o.(Success); ok {
		ictx.reporter.ReportSuccess(ictx, latency)
	} else {
		ictx.reporter.ReportFailure(ictx, o, latency)
	}

	switch o := o.(type) {
	case InternalFailure:
		ictx.logger.ErrorContext(ctx, "operation failed", "outcome", o.Label(), "error", o.Cause, "latency", latency)
	case Success:
		ictx.logger.DebugContext(ctx, "operation succeeded", "status", o.Status, "latency", latency)
	case DecodingFailure:
		ictx.logger.InfoContext(ctx, "operation rejected", "outcome", o.Label(), "fault", string(o.Kind), "reason", o.Reason)
	default:
		ictx.logger.InfoContext(ctx, "operation rejected", "outcome", o.Label())
	}
	ictx.end(o)

	resp := ResponseFor(o)
	resp.Headers = append(resp.Headers, [2]string{"x-request-id", ictx.CorrelationID()})
	if err := res.Respond(resp); err != nil {
		ictx.logger.DebugContext(ctx, "response not delivered", "error", err)
	}
}

// pipeline builds the typed run function for spec.
func pipeline[I, O any](d *OperationDescriptor, spec OperationSpec[I, O]) runFunc {
	return func(ictx *InvocationContext, call *Call, strategy InvocationStrategy, finish func(Outcome)) {
		in, err := decode(spec.Decode, call)
		if err != nil {
			finish(decodingFailure(err))
			return
		}
		if o := validate(spec.Validate, in); o != nil {
			finish(o)
			return
		}
		if src, ok := any(in).(ReportingSource); ok {
			ictx.substitute(src.ReportingContext())
		}

		done := func(out O, err error) {
			if err != nil {
				finish(d.classify(err))
				return
			}
			body, contentType, err := spec.Encode.Encode(out)
			if err != nil {
				finish(InternalFailure{Cause: fmt.Errorf("encode output: %w", err)})
				return
			}
			finish(Success{Status: d.successStatus, Body: body, ContentType: contentType})
		}

		work := func() {
			defer func() {
				if p := recover(); p != nil {
					finish(InternalFailure{Cause: fmt.Errorf("operation panicked: %v\n%s", p, debug.Stack())})
				}
			}()
			spec.Invoke.Invoke(ictx, in, done)
		}
		if err := strategy.Invoke(work); err != nil {
			finish(InternalFailure{Cause: err})
		}
	}
}

// decode runs dec, turning a panic into an unexpected decoding fault.
func decode[I any](dec Decoder[I], call *Call) (in I, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &DecodingError{Kind: FaultUnexpected, Reason: "decoder failed", Err: fmt.Errorf("decoder panicked: %v", p)}
		}
	}()
	return dec.Decode(call)
}

// validate runs v and returns the failing outcome, or nil when in is valid.
func validate[I any](v Validator[I], in I) (o Outcome) {
	defer func() {
		if p := recover(); p != nil {
			o = InternalFailure{Cause: fmt.Errorf("validator panicked: %v\n%s", p, debug.Stack())}
		}
	}()
	if err := v.Validate(in); err != nil {
		return ValidationFailure{Reason: validationFailureFrom(err).Reason}
	}
	return nil
}

func decodingFailure(err error) DecodingFailure {
	var de *DecodingError
	if errors.As(err, &de) {
		return DecodingFailure{Reason: de.Reason, Kind: de.Kind}
	}
	return DecodingFailure{Reason: err.Error(), Kind: FaultUnexpected}
}

// classify maps an error returned by an operation to an outcome. Declared
// errors win over validation-shaped errors; the rest is internal.
func (d *OperationDescriptor) classify(err error) Outcome {
	for _, de := range d.declared {
		if de.match(err) {
			return ApplicationFailure{Kind: de.Kind, Status: de.Status, Err: err}
		}
	}
	var ve *ValidationError
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &ve) || errors.As(err, &fieldErrs) {
		return ValidationFailure{Reason: validationFailureFrom(err).Reason}
	}
	return InternalFailure{Cause: err}
}
