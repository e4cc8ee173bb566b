// Package billing implements the weekly B2B billing engine.
//
// # Overview
//
// Every week each business account with auto-billing enabled is billed for the
// jobs completed on its behalf during the previous Monday–Sunday window. The
// engine is split into four parts that share the same data model:
//
//   - Evaluator decides which completed jobs may be billed.
//   - Generator persists a BillingRun and its LineItems in one transaction.
//   - Executor charges a pending run exactly once.
//   - VoidManager reverses a run and releases its jobs.
//
// Service wires the four together and exposes the operations used by the HTTP
// layer and the weekly scheduler.
//
// # Invariants
//
// A service request appears in at most one live LineItem. The billing_line_items
// table carries a unique constraint on service_request_id and the Generator
// re-checks every candidate inside its insert transaction.
//
// A run is charged at most once. The processor idempotency key is derived from
// the run id and its charge attempt, and the pending→charged transition is a
// conditional update.
//
// # Usage Example
//
//	svc := billing.NewService(billing.Dependencies{
//		Jobs:      jobStore,
//		Accounts:  accountStore,
//		Runs:      billing.NewPostgresStore(db),
//		Processor: stripeProcessor,
//		Notifier:  notifier,
//		Ledger:    ledgerWriter,
//		Logger:    logger,
//	}, billing.Options{})
//
//	result, err := svc.GenerateRun(ctx, accountID, billing.PreviousWeek(time.Now()), false)
//	if err != nil {
//		return err
//	}
//	if result.JobCount > 0 {
//		charge := svc.ChargeRun(ctx, result.RunID)
//		log.Printf("charged=%v", charge.Success)
//	}
//
// Money is always an integer number of cents (see Money).
package billing
