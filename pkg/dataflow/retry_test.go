package dataflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffFactor: 2, MaxBackoff: 4 * time.Millisecond}

// flaky fails with err for the first n calls.
func flaky(n int, err error, calls *int) Handler {
	return func(_ Context, in Values) (Values, error) {
		*calls++
		if *calls <= n {
			return nil, err
		}
		return in, nil
	}
}

func TestRetry(t *testing.T) {
	ctx := NewContext(context.Background())
	busy := errors.New("busy")

	t.Run("transient failures are retried", func(t *testing.T) {
		calls := 0
		out, err := Retry(flaky(2, Transient(busy), &calls), fastRetry)(ctx, Values{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, Values{"a": 1}, out)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		_, err := Retry(flaky(5, Transient(busy), &calls), fastRetry)(ctx, nil)
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, busy)
		assert.EqualError(t, err, "after 3 attempts: busy")
	})

	t.Run("other errors are returned at once", func(t *testing.T) {
		calls := 0
		_, err := Retry(flaky(5, busy, &calls), fastRetry)(ctx, nil)
		assert.Equal(t, 1, calls)
		assert.Same(t, busy, err)
	})

	t.Run("custom retryable", func(t *testing.T) {
		calls := 0
		p := fastRetry
		p.Retryable = func(err error) bool { return errors.Is(err, busy) }
		_, err := Retry(flaky(1, fmt.Errorf("wrapped: %w", busy), &calls), p)(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("suspension passes through", func(t *testing.T) {
		calls := 0
		p := fastRetry
		p.Retryable = func(error) bool { return true }
		_, err := Retry(flaky(5, errSuspended, &calls), p)(ctx, nil)
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, errSuspended)
	})

	t.Run("zero attempts means one", func(t *testing.T) {
		calls := 0
		_, err := Retry(flaky(5, Transient(busy), &calls), RetryPolicy{})(ctx, nil)
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, busy)
	})
}

func TestRetry_StopsWhenCancelled(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx := NewContext(parent)
	busy := Transient(errors.New("busy"))

	calls := 0
	h := func(Context, Values) (Values, error) {
		calls++
		cancel()
		return nil, busy
	}
	_, err := Retry(h, RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour})(ctx, nil)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, busy)
}

func TestTransient(t *testing.T) {
	assert.NoError(t, Transient(nil))
	base := errors.New("x")
	assert.True(t, IsTransient(Transient(base)))
	assert.True(t, IsTransient(fmt.Errorf("ctx: %w", Transient(base))))
	assert.False(t, IsTransient(base))
	assert.ErrorIs(t, Transient(base), base)
}

func TestRun_RetriedHandler(t *testing.T) {
	calls := 0
	r, rec := newRun(t, mustLoad(t, pipelineDesc()), WithHandler("upper", Retry(func(ctx Context, in Values) (Values, error) {
		calls++
		if calls == 1 {
			return nil, Transient(errors.New("cold start"))
		}
		return upper(ctx, in)
	}, fastRetry)))

	done, err := r.Run(testCtx(), Values{"text": "hi"})
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []map[string]any{{"text": "HI"}}, outputValues(rec))
}
