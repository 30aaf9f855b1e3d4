package render

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type flakyRenderer struct {
	calls  int
	fail   bool
	panics bool
	resets int
}

func (r *flakyRenderer) OnChunk(context.Context, string) (domain.RenderResult, error) {
	r.calls++
	if r.panics {
		panic("boom")
	}
	if r.fail {
		return domain.RenderResult{}, errors.New("broken")
	}
	return domain.RenderResult{PendingHTML: "ok"}, nil
}

func (r *flakyRenderer) Flush(context.Context) (domain.RenderResult, error) {
	return domain.RenderResult{Augments: []domain.Augment{{HTML: "done"}}}, nil
}

func (r *flakyRenderer) Reset() { r.resets++ }

func TestBreakerPassesThrough(t *testing.T) {
	inner := &flakyRenderer{}
	b := NewBreaker(BreakerConfig{}, discardLogger())
	r := b.Wrap(func() domain.Renderer { return inner })()

	res, err := r.OnChunk(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.PendingHTML)

	res, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Augments, 1)

	r.Reset()
	assert.Equal(t, 1, inner.resets)
}

func TestBreakerOpensAcrossRenderers(t *testing.T) {
	failing := &flakyRenderer{fail: true}
	healthy := &flakyRenderer{}
	b := NewBreaker(BreakerConfig{MaxFailures: 2}, discardLogger())

	r1 := b.Wrap(func() domain.Renderer { return failing })()
	for range 2 {
		_, err := r1.OnChunk(context.Background(), "x")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	r2 := b.Wrap(func() domain.Renderer { return healthy })()
	_, err := r2.OnChunk(context.Background(), "x")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Zero(t, healthy.calls)
}

func TestBreakerRecoversPanics(t *testing.T) {
	b := NewBreaker(BreakerConfig{}, discardLogger())
	r := b.Wrap(func() domain.Renderer { return &flakyRenderer{panics: true} })()

	_, err := r.OnChunk(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renderer panic")
}

func TestBreakerWrapNil(t *testing.T) {
	b := NewBreaker(BreakerConfig{}, discardLogger())
	assert.Nil(t, b.Wrap(nil))
}
