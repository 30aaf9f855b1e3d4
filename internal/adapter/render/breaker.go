package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentrelay/internal/domain"
)

// Default breaker settings.
const (
	defaultMaxFailures uint32        = 5
	defaultOpenTimeout time.Duration = 30 * time.Second
)

// BreakerConfig configures the shared render breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before rendering is skipped.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long rendering stays skipped before one probe is allowed.
	Timeout time.Duration `yaml:"timeout"`
}

// Breaker shares one circuit breaker across every renderer it builds, so a
// renderer that keeps failing is skipped for all viewers.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker[domain.RenderResult]
	logger *slog.Logger
}

// NewBreaker creates a breaker. Zero config values use the defaults.
func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultOpenTimeout
	}

	cb := gobreaker.NewCircuitBreaker[domain.RenderResult](gobreaker.Settings{
		Name:        "render",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Breaker{cb: cb, logger: logger}
}

// Wrap returns a factory whose renderers run through the breaker.
func (b *Breaker) Wrap(factory domain.RendererFactory) domain.RendererFactory {
	if factory == nil {
		return nil
	}
	return func() domain.Renderer {
		return &guarded{inner: factory(), cb: b.cb}
	}
}

// State returns the breaker state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

type guarded struct {
	inner domain.Renderer
	cb    *gobreaker.CircuitBreaker[domain.RenderResult]
}

func (g *guarded) OnChunk(ctx context.Context, text string) (domain.RenderResult, error) {
	return g.execute(func() (domain.RenderResult, error) { return g.inner.OnChunk(ctx, text) })
}

func (g *guarded) Flush(ctx context.Context) (domain.RenderResult, error) {
	return g.execute(func() (domain.RenderResult, error) { return g.inner.Flush(ctx) })
}

func (g *guarded) Reset() { g.inner.Reset() }

func (g *guarded) execute(fn func() (domain.RenderResult, error)) (domain.RenderResult, error) {
	res, err := g.cb.Execute(func() (res domain.RenderResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("renderer panic: %v", r)
			}
		}()
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.RenderResult{}, fmt.Errorf("rendering skipped: %w", err)
	}
	return res, err
}
