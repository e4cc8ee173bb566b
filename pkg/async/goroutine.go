package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/billrun/pkg/observability"
)

// ErrRunnerClosed is returned once a Runner has started draining
var ErrRunnerClosed = errors.New("async runner closed")

// SafeGo executes fn in a goroutine with:
// - A context that keeps the parent's values but not its cancellation
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Example:
//
//	SafeGo(r.Context(), logger, 5*time.Second, "charge failure notice", func(ctx context.Context) error {
//	    return notifier.Send(ctx, event)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go run(parentCtx, logger, timeout, taskName, fn)
}

func run(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"task":  taskName,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("Background task panicked")
		}
	}()

	if err := fn(ctx); err != nil {
		logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
	}
}

// Runner runs SafeGo-style tasks and tracks them until they finish
type Runner struct {
	logger *observability.Logger
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewRunner creates a new Runner
func NewRunner(logger *observability.Logger) *Runner {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Runner{logger: logger}
}

// Go starts fn in the background. It returns ErrRunnerClosed after Wait has been called.
func (r *Runner) Go(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRunnerClosed
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		run(parentCtx, r.logger, timeout, taskName, fn)
	}()
	return nil
}

// Wait stops accepting tasks and blocks until the in-flight ones finish or ctx is done
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
