package h1

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/albertbausili/opserve/internal/date"
	"github.com/panjf2000/gnet/v2"
)

// ErrServerStopped is returned by Start when the engine exits before it
// finished booting.
var ErrServerStopped = errors.New("h1: engine stopped before boot")

// Config defines the configuration options for the HTTP/1.1 server.
type Config struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	Logger         *slog.Logger
	MaxConnections uint32
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// Server implements gnet.EventHandler for HTTP/1.1.
type Server struct {
	gnet.BuiltinEventEngine
	dispatcher  Dispatcher
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
	cfg         Config
	activeConns uint32

	engine   gnet.Engine
	booted   chan struct{}
	done     chan error
	stopDate func()
}

// NewServer creates a new HTTP/1.1 server.
func NewServer(ctx context.Context, dispatcher Dispatcher, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		dispatcher: dispatcher,
		ctx:        serverCtx,
		cancel:     cancel,
		logger:     cfg.Logger,
		cfg:        cfg,
		booted:     make(chan struct{}),
		done:       make(chan error, 1),
	}
}

// Start runs the event loops and returns once the listener is ready.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(5 * time.Minute),
		gnet.WithLogger(gnetLogger{s.logger}),
		gnet.WithReadBufferCap(64 << 10),
		gnet.WithWriteBufferCap(64 << 10),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}

	s.stopDate = date.Start()
	s.logger.Info("starting HTTP/1.1 server", "addr", s.cfg.Addr, "multicore", s.cfg.Multicore)

	go func() {
		s.done <- gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
	}()

	select {
	case <-s.booted:
		return nil
	case err := <-s.done:
		s.stopDate()
		if err == nil {
			err = ErrServerStopped
		}
		return fmt.Errorf("h1: listen on %s: %w", s.cfg.Addr, err)
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")
	s.cancel()

	select {
	case <-s.booted:
	default:
		return nil
	}
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Error("error stopping gnet engine", "error", err)
		return err
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.stopDate()
	s.logger.Info("HTTP/1.1 server shutdown complete")
	return nil
}

// ActiveConnections returns the number of accepted connections.
func (s *Server) ActiveConnections() int {
	return int(atomic.LoadUint32(&s.activeConns))
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Info("HTTP/1.1 server is listening", "addr", s.cfg.Addr, "multicore", s.cfg.Multicore)
	close(s.booted)
	return gnet.None
}

var serviceUnavailable = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"content-type: text/plain\r\n" +
	"content-length: 19\r\n" +
	"connection: close\r\n" +
	"\r\n" +
	"Service Unavailable")

// OnOpen is called when a new connection is opened.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	remote := c.RemoteAddr().String()
	if current, ok := s.admit(); !ok {
		s.logger.Warn("connection rejected: too many connections",
			"remote", remote, "active", current, "max", s.cfg.MaxConnections)
		_ = c.AsyncWrite(serviceUnavailable, func(c gnet.Conn, _ error) error {
			return c.Close()
		})
		return nil, gnet.None
	}

	conn := NewConnection(s.ctx, c, s.dispatcher, ConnConfig{
		RemoteAddr:     remote,
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
		MaxBodyBytes:   s.cfg.MaxBodyBytes,
		Logger:         s.logger,
	})
	c.SetContext(conn)
	s.logger.Debug("connection opened", "remote", remote)
	return nil, gnet.None
}

// admit counts a new connection unless MaxConnections is reached. Event
// loops run OnOpen concurrently, so the check and the increment are one CAS.
func (s *Server) admit() (uint32, bool) {
	for {
		current := atomic.LoadUint32(&s.activeConns)
		if s.cfg.MaxConnections > 0 && current >= s.cfg.MaxConnections {
			return current, false
		}
		if atomic.CompareAndSwapUint32(&s.activeConns, current, current+1) {
			return current + 1, true
		}
	}
}

// OnClose is called when a connection is closed. gnet reports a peer
// half-close as a full close, so owed responses are dropped here.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		// Rejected in OnOpen.
		return gnet.None
	}
	atomic.AddUint32(&s.activeConns, ^uint32(0))

	if !conn.OnHalfClose() {
		s.logger.Debug("connection closed with responses owed",
			"remote", conn.remoteAddr, "owed", conn.Writer().Outstanding())
	}
	conn.Close()
	if err != nil {
		s.logger.Debug("connection closed with error", "remote", conn.remoteAddr, "error", err)
	} else {
		s.logger.Debug("connection closed", "remote", conn.remoteAddr)
	}
	return gnet.None
}

// OnTraffic is called when data is received on a connection.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		// Rejected connection still sending; discard.
		_, _ = c.Discard(-1)
		return gnet.None
	}

	buf, err := c.Next(-1)
	if err != nil {
		s.logger.Error("error reading data", "remote", conn.remoteAddr, "error", err)
		return gnet.Close
	}
	if len(buf) == 0 {
		return gnet.None
	}

	if err := conn.HandleData(buf); err != nil {
		s.logger.Error("connection state violated", "remote", conn.remoteAddr, "error", err)
		return gnet.Close
	}
	return gnet.None
}

// gnetLogger routes engine logs through slog.
type gnetLogger struct {
	l *slog.Logger
}

func (g gnetLogger) Debugf(format string, args ...any) { g.l.Debug(fmt.Sprintf(format, args...)) }
func (g gnetLogger) Infof(format string, args ...any)  { g.l.Debug(fmt.Sprintf(format, args...)) }
func (g gnetLogger) Warnf(format string, args ...any)  { g.l.Warn(fmt.Sprintf(format, args...)) }
func (g gnetLogger) Errorf(format string, args ...any) { g.l.Error(fmt.Sprintf(format, args...)) }
func (g gnetLogger) Fatalf(format string, args ...any) { g.l.Error(fmt.Sprintf(format, args...)) }
