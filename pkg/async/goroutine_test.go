package async

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billrun/pkg/observability"
)

func TestSafeGo_Success(t *testing.T) {
	done := make(chan struct{})

	SafeGo(context.Background(), nil, time.Second, "test task", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not execute function")
	}
}

func TestSafeGo_SurvivesParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errCh := make(chan error, 1)
	SafeGo(ctx, nil, time.Second, "test task", func(ctx context.Context) error {
		errCh <- ctx.Err()
		return nil
	})

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestSafeGo_Timeout(t *testing.T) {
	errCh := make(chan error, 1)

	SafeGo(context.Background(), nil, 20*time.Millisecond, "test task", func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by its timeout")
	}
}

func TestRunner_LogsErrorsAndPanics(t *testing.T) {
	var buf bytes.Buffer
	runner := NewRunner(observability.NewLogger(observability.DebugLevel, &buf))

	require.NoError(t, runner.Go(context.Background(), time.Second, "failing task", func(ctx context.Context) error {
		return errors.New("webhook unreachable")
	}))
	require.NoError(t, runner.Go(context.Background(), time.Second, "panicking task", func(ctx context.Context) error {
		panic("boom")
	}))

	require.NoError(t, runner.Wait(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "Background task failed")
	assert.Contains(t, out, "webhook unreachable")
	assert.Contains(t, out, "Background task panicked")
	assert.Contains(t, out, "boom")
}

func TestRunner_WaitDrains(t *testing.T) {
	runner := NewRunner(nil)
	var finished atomic.Int32

	for i := 0; i < 5; i++ {
		require.NoError(t, runner.Go(context.Background(), time.Second, "task", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			finished.Add(1)
			return nil
		}))
	}

	require.NoError(t, runner.Wait(context.Background()))
	assert.Equal(t, int32(5), finished.Load())

	err := runner.Go(context.Background(), time.Second, "late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

func TestRunner_WaitTimeout(t *testing.T) {
	runner := NewRunner(nil)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, runner.Go(context.Background(), time.Second, "slow", func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := runner.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
