// Package gateway rate-limits and retries calls to a remote service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/matheus3301/chatmerge/internal/apperr"
	"go.uber.org/zap"
)

// Config holds the limiter and retry settings.
type Config struct {
	// Burst calls are allowed within any Window.
	Burst  int
	Window time.Duration
	// RetryLimit is the number of retries after the first attempt.
	RetryLimit int
	RetryDelay time.Duration
	// RateLimitDelay is the wait after a rate-limit response that does not
	// advertise its own.
	RateLimitDelay time.Duration
}

// DefaultConfig returns the stock limits: 10 calls a minute, 3 retries 20s
// apart.
func DefaultConfig() Config {
	return Config{
		Burst:          10,
		Window:         60 * time.Second,
		RetryLimit:     3,
		RetryDelay:     20 * time.Second,
		RateLimitDelay: 20 * time.Second,
	}
}

// RetryAfter is implemented by rate-limit errors. A non-positive duration
// means the server did not say.
type RetryAfter interface {
	RetryAfter() time.Duration
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time, sleep SleepFunc) Option {
	return func(g *Gateway) {
		g.now = now
		g.sleep = sleep
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gateway serializes remote calls through a sliding-window limiter.
type Gateway struct {
	cfg    Config
	now    func() time.Time
	sleep  SleepFunc
	logger *zap.Logger

	// slot admits one attempt at a time.
	slot   chan struct{}
	window []time.Time
}

// New creates a gateway. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Gateway {
	def := DefaultConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	g := &Gateway{
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
		logger: zap.NewNop(),
		slot:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the effective settings.
func (g *Gateway) Config() Config {
	return g.cfg
}

// Call runs fn through the limiter, retrying transient failures. The name
// labels log lines and errors.
func (g *Gateway) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := g.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return err
		}
		if attempt >= g.cfg.RetryLimit {
			return apperr.Wrap(apperr.RemoteTransient,
				fmt.Sprintf("%s failed after %d attempts", name, attempt+1), err)
		}

		delay := g.cfg.RetryDelay
		var ra RetryAfter
		if errors.As(err, &ra) {
			delay = ra.RetryAfter()
			if delay <= 0 {
				delay = g.cfg.RateLimitDelay
			}
		}
		g.logger.Debug("retrying remote call",
			zap.String("call", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Do runs fn through g and returns its value.
func Do[T any](ctx context.Context, g *Gateway, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Call(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (g *Gateway) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slot }()

	if n := len(g.window); n >= g.cfg.Burst {
		oldest := g.window[n-g.cfg.Burst]
		if wait := oldest.Add(g.cfg.Window).Sub(g.now()); wait > 0 {
			g.logger.Debug("rate limit reached", zap.Duration("wait", wait))
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	err := fn(ctx)
	g.window = append(g.window, g.now())
	if len(g.window) > g.cfg.Burst {
		g.window = g.window[len(g.window)-g.cfg.Burst:]
	}
	return err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if apperr.Is(err, apperr.RemoteTransient) {
		return true
	}
	var ra RetryAfter
	if errors.As(err, &ra) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
