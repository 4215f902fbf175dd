package opserve

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

var (
	// ErrUnknownOperation means no operation matches the method and path.
	ErrUnknownOperation = errors.New("opserve: unknown operation")
	// ErrLookupFailed wraps an unexpected fault inside operation selection.
	ErrLookupFailed = errors.New("opserve: operation lookup failed")
	// ErrRegistrySealed is returned when registering after the server started.
	ErrRegistrySealed = errors.New("opserve: registry is sealed")
	// ErrDuplicateOperation is returned for a second registration of the
	// same method and pattern.
	ErrDuplicateOperation = errors.New("opserve: operation already registered")
)

// PathParams holds the values captured by a path pattern.
type PathParams map[string]string

// Get returns the named parameter, or "".
func (p PathParams) Get(name string) string { return p[name] }

// Require returns the named parameter or a missing-field decoding error.
func (p PathParams) Require(name string) (string, error) {
	v, ok := p[name]
	if !ok || v == "" {
		return "", &DecodingError{Kind: FaultMissingField, Reason: fmt.Sprintf("path parameter %s missing", name)}
	}
	return v, nil
}

// Registry maps method and path patterns to operations. Patterns use chi
// syntax, for example /greetings/{name}. Operations are registered before
// the server starts; after Seal the registry is read without locks.
type Registry struct {
	mu       sync.Mutex
	mux      *chi.Mux
	ops      map[string]*OperationDescriptor
	reporter Reporter
	sealed   atomic.Bool
	rctxPool sync.Pool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithReporter sets the reporting sink resolved for each operation.
func WithReporter(r Reporter) RegistryOption {
	return func(reg *Registry) {
		if r != nil {
			reg.reporter = r
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		mux:      chi.NewRouter(),
		ops:      make(map[string]*OperationDescriptor),
		reporter: NopReporter{},
	}
	r.rctxPool.New = func() any { return chi.NewRouteContext() }
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// matched is the placeholder handler chi needs; dispatch never goes through it.
var matched = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

func routeKey(method, pattern string) string {
	return method + " " + pattern
}

func (r *Registry) add(d *OperationDescriptor) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return fmt.Errorf("register %s %s: %w", d.method, d.pattern, ErrRegistrySealed)
	}
	key := routeKey(d.method, d.pattern)
	if _, ok := r.ops[key]; ok {
		return fmt.Errorf("register %s %s: %w", d.method, d.pattern, ErrDuplicateOperation)
	}

	// chi panics on unsupported methods and malformed patterns.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("register %s %s: %v", d.method, d.pattern, p)
		}
	}()
	r.mux.MethodFunc(d.method, d.pattern, matched)

	d.reporter = r.reporter.ForOperation(d.id)
	r.ops[key] = d
	return nil
}

// Seal stops further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

// Lookup resolves method and path to an operation and its path parameters.
// It returns ErrUnknownOperation when nothing matches and an error wrapping
// ErrLookupFailed when the matcher itself fails.
func (r *Registry) Lookup(method, path string) (d *OperationDescriptor, params PathParams, err error) {
	rctx := r.rctxPool.Get().(*chi.Context)
	rctx.Reset()
	defer func() {
		if p := recover(); p != nil {
			d, params = nil, nil
			err = fmt.Errorf("%w: %s %s: %v", ErrLookupFailed, method, path, p)
			return
		}
		r.rctxPool.Put(rctx)
	}()

	pattern := r.mux.Find(rctx, method, path)
	if pattern == "" {
		return nil, nil, ErrUnknownOperation
	}
	d, ok := r.ops[routeKey(method, pattern)]
	if !ok {
		return nil, nil, ErrUnknownOperation
	}
	if n := len(rctx.URLParams.Keys); n > 0 {
		params = make(PathParams, n)
		for i, k := range rctx.URLParams.Keys {
			params[k] = rctx.URLParams.Values[i]
		}
	}
	return d, params, nil
}

// Operations returns the registered operations ordered by pattern and method.
func (r *Registry) Operations() []*OperationDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*OperationDescriptor, 0, len(r.ops))
	for _, d := range r.ops {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].pattern != out[j].pattern {
			return out[i].pattern < out[j].pattern
		}
		return out[i].method < out[j].method
	})
	return out
}
