package opserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/albertbausili/opserve/internal/h1"
)

var livenessBody = []byte("Ping completed.")

// Server serves the operations of a Registry over HTTP/1.1.
type Server struct {
	config    Config
	registry  *Registry
	strategy  InvocationStrategy
	logger    *slog.Logger
	compress  *compressor
	transport *h1.Server

	ownStrategy bool
	stopOnce    sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStrategy overrides the invocation strategy built from the config. The
// caller keeps ownership of it.
func WithStrategy(st InvocationStrategy) Option {
	return func(s *Server) {
		if st != nil {
			s.strategy = st
		}
	}
}

// New creates a server for the operations in registry.
func New(config Config, registry *Registry, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if registry == nil {
		return nil, errors.New("opserve: nil registry")
	}
	s := &Server{
		config:   config,
		registry: registry,
		logger:   slog.Default(),
		compress: newCompressor(config.Compression),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.strategy == nil {
		st, err := NewStrategy(config.Invocation, s.logger)
		if err != nil {
			return nil, err
		}
		s.strategy = st
		s.ownStrategy = true
	}
	return s, nil
}

// Start seals the registry and begins accepting connections. It returns
// once the listener is ready.
func (s *Server) Start(ctx context.Context) error {
	s.registry.Seal()
	for _, d := range s.registry.Operations() {
		s.logger.Info("operation registered", "operation", string(d.ID()), "method", d.Method(), "pattern", d.Pattern())
	}

	s.transport = h1.NewServer(ctx, s, h1.Config{
		Addr:           s.config.Server.Addr,
		Multicore:      s.config.Server.Multicore,
		NumEventLoop:   s.config.Server.NumEventLoop,
		ReusePort:      s.config.Server.ReusePort,
		Logger:         s.logger,
		MaxConnections: s.config.Server.MaxConnections,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
		MaxBodyBytes:   s.config.Server.MaxBodyBytes,
	})
	return s.transport.Start()
}

// Stop stops accepting connections and releases the worker pool.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.transport != nil {
			err = s.transport.Stop(ctx)
		}
		if p, ok := s.strategy.(*PoolStrategy); ok && s.ownStrategy {
			if rerr := p.Release(s.config.Server.ShutdownTimeout); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	})
	return err
}

// Dispatch implements h1.Dispatcher: it answers the liveness path, selects
// the operation and runs its pipeline.
func (s *Server) Dispatch(ctx context.Context, req *h1.Request, res h1.Responder) {
	head := req.Head
	if head.Path == s.config.Server.LivenessPath && (head.Method == "GET" || head.Method == "HEAD") {
		_ = res.Respond(h1.Response{
			Status:  200,
			Headers: [][2]string{{"content-type", "text/plain; charset=utf-8"}},
			Body:    livenessBody,
			Silent:  true,
		})
		return
	}

	res = s.compress.wrap(head, res)

	d, params, err := s.registry.Lookup(head.Method, head.Path)
	if errors.Is(err, ErrUnknownOperation) && head.Method == "HEAD" {
		d, params, err = s.registry.Lookup("GET", head.Path)
	}
	if err != nil {
		var o Outcome
		if errors.Is(err, ErrUnknownOperation) {
			o = UnknownOperation{Method: head.Method, Path: head.Path}
			s.logger.InfoContext(ctx, "unknown operation", "method", head.Method, "path", head.Path)
		} else {
			o = InternalFailure{Cause: err}
			s.logger.ErrorContext(ctx, "operation lookup failed", "error", err)
		}
		if rerr := res.Respond(ResponseFor(o)); rerr != nil {
			s.logger.DebugContext(ctx, "response not delivered", "error", rerr)
		}
		return
	}

	d.Handle(ctx, &Call{Head: head, Body: req.Body, Params: params}, s.strategy, s.logger, res)
}
