package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotReady = errors.New("not ready")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWaitUntilFirstAttempt(t *testing.T) {
	calls := 0
	p := New(30, time.Millisecond, testLogger())
	err := p.WaitUntil(context.Background(), "ready", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWaitUntilSucceedsOnNthAttempt(t *testing.T) {
	const n = 4
	calls := 0
	p := New(30, time.Millisecond, testLogger())
	err := p.WaitUntil(context.Background(), "ready", func(context.Context) error {
		calls++
		if calls < n {
			return errNotReady
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, n, calls)
}

func TestWaitUntilExhaustsBudget(t *testing.T) {
	const maxAttempts = 5
	calls := 0
	p := New(maxAttempts, time.Millisecond, testLogger())
	err := p.WaitUntil(context.Background(), "guest ssh", func(context.Context) error {
		calls++
		return errNotReady
	})
	require.Error(t, err)
	assert.Equal(t, maxAttempts, calls)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "guest ssh", te.What)
	assert.Equal(t, maxAttempts, te.Attempts)
	assert.ErrorIs(t, err, errNotReady)
}

func TestWaitUntilSingleAttemptBudget(t *testing.T) {
	calls := 0
	p := New(1, time.Millisecond, testLogger())
	err := p.WaitUntil(context.Background(), "ready", func(context.Context) error {
		calls++
		return errNotReady
	})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, calls)
}

func TestWaitUntilContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := New(1000, 50*time.Millisecond, testLogger())
	err := p.WaitUntil(ctx, "ready", func(context.Context) error {
		calls++
		cancel()
		return errNotReady
	})
	require.ErrorIs(t, err, context.Canceled)
	var te *TimeoutError
	assert.False(t, errors.As(err, &te), "cancellation must not be reported as a poll timeout")
	assert.Less(t, calls, 1000)
}

func TestDefaultBounds(t *testing.T) {
	p := Default(testLogger())
	assert.Equal(t, DefaultMaxAttempts, p.maxAttempts)
	assert.Equal(t, DefaultInterval, p.interval)
}
