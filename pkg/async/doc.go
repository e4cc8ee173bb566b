// Package async runs best-effort background work with panic recovery.
//
// SafeGo detaches a task from its caller's cancellation, bounds it with a
// timeout and logs instead of crashing when it fails:
//
//	async.SafeGo(ctx, logger, 30*time.Second, "billing notice", func(ctx context.Context) error {
//		return sender.Send(ctx, event)
//	})
//
// A Runner does the same while tracking in-flight tasks so shutdown can
// drain them:
//
//	runner := async.NewRunner(logger)
//	runner.Go(ctx, 30*time.Second, "billing notice", send)
//	...
//	if err := runner.Wait(shutdownCtx); err != nil {
//		logger.WithError(err).Warn("Background tasks did not finish")
//	}
package async
