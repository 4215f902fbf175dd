package opserve

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

// ErrScheduleRejected is returned when a strategy cannot accept work. The
// work is not run and the request is answered as an internal failure.
var ErrScheduleRejected = errors.New("opserve: invocation rejected")

// InvocationStrategy decides where an operation runs. Invoke either runs
// work exactly once or returns an error and never runs it.
type InvocationStrategy interface {
	Invoke(work func()) error
}

// Immediate returns the strategy that runs work on the caller's goroutine,
// which is the connection's event loop.
func Immediate() InvocationStrategy { return immediate{} }

type immediate struct{}

func (immediate) Invoke(work func()) error {
	work()
	return nil
}

// PoolConfig configures a PoolStrategy.
type PoolConfig struct {
	// Size caps concurrent workers; 0 or less means unbounded.
	Size int
	// NonBlocking rejects work when every worker is busy instead of waiting.
	NonBlocking bool
	// MaxBlockingTasks caps callers waiting for a worker; 0 is unlimited.
	MaxBlockingTasks int
	// Rate limits submissions per second; 0 disables the gate.
	Rate  float64
	Burst int
	// ExpiryDuration is how long an idle worker is kept.
	ExpiryDuration time.Duration
	Logger         *slog.Logger
}

// PoolStrategy hands work to a bounded goroutine pool.
type PoolStrategy struct {
	pool    *ants.Pool
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewPoolStrategy creates the pool.
func NewPoolStrategy(cfg PoolConfig) (*PoolStrategy, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.Size
	if size <= 0 {
		size = -1
	}
	expiry := cfg.ExpiryDuration
	if expiry <= 0 {
		expiry = 10 * time.Second
	}

	pool, err := ants.NewPool(size,
		ants.WithNonblocking(cfg.NonBlocking),
		ants.WithMaxBlockingTasks(cfg.MaxBlockingTasks),
		ants.WithExpiryDuration(expiry),
		ants.WithLogger(antsLogger{logger}),
		ants.WithPanicHandler(func(p any) {
			logger.Error("worker panic escaped invocation", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	s := &PoolStrategy{pool: pool, logger: logger}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return s, nil
}

// Invoke submits work to the pool.
func (s *PoolStrategy) Invoke(work func()) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return fmt.Errorf("%w: rate limit exceeded", ErrScheduleRejected)
	}
	if err := s.pool.Submit(work); err != nil {
		return fmt.Errorf("%w: %w", ErrScheduleRejected, err)
	}
	return nil
}

// Running returns the number of busy workers.
func (s *PoolStrategy) Running() int { return s.pool.Running() }

// Release waits up to timeout for running work and closes the pool. Work
// submitted afterwards is rejected.
func (s *PoolStrategy) Release(timeout time.Duration) error {
	if err := s.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("release worker pool: %w", err)
	}
	return nil
}

// NewStrategy builds the strategy selected by cfg.
func NewStrategy(cfg InvocationConfig, logger *slog.Logger) (InvocationStrategy, error) {
	switch cfg.Mode {
	case "", ModeImmediate:
		return Immediate(), nil
	case ModePool:
		s, err := NewPoolStrategy(PoolConfig{
			Size:             cfg.PoolSize,
			NonBlocking:      cfg.NonBlocking,
			MaxBlockingTasks: cfg.MaxBlockingTasks,
			Rate:             cfg.Rate,
			Burst:            cfg.Burst,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown invocation mode %q", cfg.Mode)
	}
}

// antsLogger routes pool logs through slog.
type antsLogger struct {
	l *slog.Logger
}

func (a antsLogger) Printf(format string, args ...any) {
	a.l.Warn(fmt.Sprintf(format, args...))
}
