package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestWorker(t *testing.T) {
	t.Run("returns the call result", func(t *testing.T) {
		w := newWorker("w", nil, zap.NewNop())
		defer w.stop()

		out, err := w.do(context.Background(), func(context.Context) (map[string]interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, true, out["ok"])
	})

	t.Run("caller stops waiting when its context ends", func(t *testing.T) {
		w := newWorker("w", nil, zap.NewNop())
		defer w.stop()

		release := make(chan struct{})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := w.do(ctx, func(context.Context) (map[string]interface{}, error) {
			<-release
			return nil, nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		close(release)
	})

	t.Run("rejects already cancelled calls", func(t *testing.T) {
		w := newWorker("w", nil, zap.NewNop())
		defer w.stop()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		_, err := w.do(ctx, func(context.Context) (map[string]interface{}, error) {
			called = true
			return nil, nil
		})
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, called)
	})

	t.Run("stopped worker refuses work", func(t *testing.T) {
		w := newWorker("w", nil, zap.NewNop())
		w.stop()
		w.stop() // idempotent

		_, err := w.do(context.Background(), func(context.Context) (map[string]interface{}, error) {
			return nil, nil
		})
		assert.ErrorIs(t, err, ErrWorkerStopped)
	})

	t.Run("rate limiter spaces calls", func(t *testing.T) {
		w := newWorker("w", rate.NewLimiter(rate.Every(10*time.Millisecond), 1), zap.NewNop())
		defer w.stop()

		noop := func(context.Context) (map[string]interface{}, error) { return nil, nil }
		start := time.Now()
		for i := 0; i < 3; i++ {
			_, err := w.do(context.Background(), noop)
			require.NoError(t, err)
		}
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	})
}

func TestParams(t *testing.T) {
	p := Params{
		"url":     "https://example.com",
		"count":   3.0,
		"timeout": "1500ms",
		"delay":   2,
		"flag":    "true",
		"list":    []interface{}{"a", 1, "b"},
		"nested":  map[string]interface{}{"k": "v"},
	}

	s, err := p.String("url")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", s)

	_, err = p.String("missing")
	assert.ErrorIs(t, err, ErrInvalidParam)
	_, err = p.String("count")
	assert.ErrorIs(t, err, ErrInvalidParam)

	assert.Equal(t, 3, p.IntOr("count", 0))
	assert.Equal(t, 1500*time.Millisecond, p.DurationOr("timeout", 0))
	assert.Equal(t, 2*time.Second, p.DurationOr("delay", 0))
	assert.Equal(t, time.Second, p.DurationOr("absent", time.Second))
	assert.True(t, p.BoolOr("flag", false))
	assert.Equal(t, []string{"a", "b"}, p.Strings("list"))
	assert.Equal(t, "v", p.Map("nested")["k"])
	assert.Equal(t, "fallback", p.StringOr("absent", "fallback"))
}
