package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/billrun/pkg/observability"
)

// DefaultChargeTimeout bounds a single processor charge call
const DefaultChargeTimeout = 30 * time.Second

// IdempotencyKey derives the processor idempotency key for a run's charge attempt
func IdempotencyKey(runID string, attempt int) string {
	if attempt < 1 {
		attempt = 1
	}
	return "billing-" + runID + "-" + strconv.Itoa(attempt)
}

// Executor charges pending billing runs
type Executor struct {
	runs      RunStore
	accounts  AccountStore
	processor PaymentProcessor
	notifier  Notifier
	ledger    Ledger
	logger    *observability.Logger
	metrics   *observability.Metrics
	currency  string
	timeout   time.Duration
	now       func() time.Time
}

// ExecutorConfig holds Executor settings
type ExecutorConfig struct {
	Currency      string
	ChargeTimeout time.Duration
}

// NewExecutor creates an executor
func NewExecutor(runs RunStore, accounts AccountStore, processor PaymentProcessor, notifier Notifier, ledger Ledger, logger *observability.Logger, metrics *observability.Metrics, cfg ExecutorConfig, now func() time.Time) *Executor {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = DefaultChargeTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Executor{
		runs:      runs,
		accounts:  accounts,
		processor: processor,
		notifier:  notifier,
		ledger:    ledger,
		logger:    logger,
		metrics:   metrics,
		currency:  cfg.Currency,
		timeout:   cfg.ChargeTimeout,
		now:       now,
	}
}

// Charge charges a pending run exactly once. It never returns an error: every
// outcome is reported in the result and, where applicable, persisted on the run.
//
// When the processor outcome is unknown (timeout, dropped connection) the run
// stays pending so a later reconciliation can retry with the same idempotency key.
func (e *Executor) Charge(ctx context.Context, runID string) ChargeResult {
	log := e.logger.WithField("billing_run_id", runID)

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return e.reject(runID, "", err)
	}
	if run.Status != RunStatusPending {
		return e.reject(runID, run.Status, &PreconditionError{
			Message: fmt.Sprintf("billing run is %s, expected %s", run.Status, RunStatusPending),
		})
	}
	if run.TotalAmount <= 0 {
		return e.reject(runID, run.Status, &PreconditionError{Message: "billing run has no amount to charge"})
	}

	account, err := e.accounts.GetAccount(ctx, run.BusinessAccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return e.fail(ctx, run, nil, err)
		}
		// Transient lookup failure: leave the run pending.
		return e.reject(runID, run.Status, fmt.Errorf("failed to load account: %w", err))
	}
	if account.ExternalCustomerRef == "" || account.PaymentMethodRef == "" {
		return e.fail(ctx, run, account, &PreconditionError{Message: "no payment method on file"})
	}

	req := ChargeRequest{
		Amount:           run.TotalAmount,
		Currency:         e.currency,
		CustomerRef:      account.ExternalCustomerRef,
		PaymentMethodRef: account.PaymentMethodRef,
		IdempotencyKey:   IdempotencyKey(run.ID, run.ChargeAttempt),
		Description:      "Weekly Invoice - Week of " + run.WeekStart.Format("Jan 2, 2006"),
		Metadata: map[string]string{
			"billing_run_id":      run.ID,
			"business_account_id": run.BusinessAccountID,
			"week_start":          run.WeekStart.Format(time.RFC3339),
			"week_end":            run.WeekEnd.Format(time.RFC3339),
			"job_count":           strconv.Itoa(run.JobCount),
		},
	}

	// Once this stamp exists the run cannot be voided as pending until the
	// charge settles.
	attempted, err := e.runs.MarkChargeAttempted(ctx, run.ID, e.now().UTC())
	if err != nil {
		return e.reject(runID, run.Status, fmt.Errorf("failed to record charge attempt: %w", err))
	}
	if !attempted {
		current, getErr := e.runs.GetRun(ctx, run.ID)
		status := run.Status
		if getErr == nil {
			status = current.Status
		}
		return e.reject(runID, status, &PreconditionError{
			Message: fmt.Sprintf("billing run became %s before it could be charged", status),
		})
	}

	chargeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	start := time.Now()
	charge, err := e.processor.CreateCharge(chargeCtx, req)
	cancel()
	e.metrics.ObserveProcessor("charge", err, time.Since(start))

	if err != nil {
		if IsOutcomeUnknown(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			e.metrics.ChargeOutcome("unknown", 0)
			log.WithError(err).Warn("Charge outcome unknown, leaving run pending for reconciliation")
			return ChargeResult{
				RunID:          run.ID,
				Status:         RunStatusPending,
				OutcomeUnknown: true,
				Error:          err.Error(),
				Err:            err,
			}
		}
		return e.fail(ctx, run, account, err)
	}

	processedAt := e.now().UTC()
	updated, err := e.runs.MarkCharged(ctx, run.ID, charge.Ref, processedAt)
	if err != nil {
		// The processor holds the money; reconciliation replays the same key.
		e.metrics.ChargeOutcome("unknown", 0)
		log.WithError(err).WithField("charge_ref", charge.Ref).Error("Charge succeeded but run could not be marked charged")
		return ChargeResult{
			RunID:             run.ID,
			Status:            RunStatusPending,
			ExternalChargeRef: charge.Ref,
			OutcomeUnknown:    true,
			Error:             err.Error(),
			Err:               err,
		}
	}
	if !updated {
		return e.resolveConcurrentCharge(ctx, run.ID, charge.Ref)
	}

	run.Status = RunStatusCharged
	run.ExternalChargeRef = charge.Ref
	run.ProcessedAt = &processedAt
	e.metrics.ChargeOutcome("charged", run.TotalAmount.Cents())

	log.WithFields(map[string]interface{}{
		"charge_ref":  charge.Ref,
		"total_cents": run.TotalAmount.Cents(),
	}).Info("Billing run charged")

	items, err := e.runs.ListLineItems(ctx, run.ID)
	if err != nil {
		log.WithError(err).Error("Failed to load line items after charge")
	}
	if err := e.ledger.RecordCharge(ctx, run, items); err != nil {
		log.WithError(err).Error("Failed to record charge in ledger")
	}
	if err := e.notifier.RunCharged(ctx, account, run, items); err != nil {
		log.WithError(err).Warn("Failed to send invoice notification")
	}

	return ChargeResult{
		RunID:             run.ID,
		Success:           true,
		Status:            RunStatusCharged,
		ExternalChargeRef: charge.Ref,
	}
}

// Retry charges a failed run again. The run moves back to pending under the
// next attempt number, so the processor sees a new idempotency key and
// evaluates the charge afresh instead of replaying the earlier decline.
func (e *Executor) Retry(ctx context.Context, runID string) ChargeResult {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return e.reject(runID, "", err)
	}
	if run.Status != RunStatusFailed {
		return e.reject(runID, run.Status, &PreconditionError{
			Message: fmt.Sprintf("billing run is %s, expected %s", run.Status, RunStatusFailed),
		})
	}

	requeued, err := e.runs.RequeueFailed(ctx, runID)
	if err != nil {
		return e.reject(runID, run.Status, err)
	}
	if !requeued {
		return e.reject(runID, run.Status, &PreconditionError{Message: "billing run changed state before it could be retried"})
	}

	e.logger.WithFields(map[string]interface{}{
		"billing_run_id": runID,
		"charge_attempt": run.ChargeAttempt + 1,
	}).Info("Retrying failed billing run")
	return e.Charge(ctx, runID)
}

// reject reports a failure that leaves the run untouched
func (e *Executor) reject(runID string, status RunStatus, err error) ChargeResult {
	e.metrics.ChargeOutcome("rejected", 0)
	e.logger.WithError(err).WithField("billing_run_id", runID).Warn("Charge rejected")
	return ChargeResult{
		RunID:  runID,
		Status: status,
		Error:  err.Error(),
		Err:    err,
	}
}

// fail moves the run to failed and tells the billing contact
func (e *Executor) fail(ctx context.Context, run *BillingRun, account *Account, cause error) ChargeResult {
	log := e.logger.WithField("billing_run_id", run.ID).WithError(cause)
	e.metrics.ChargeOutcome("failed", 0)

	processedAt := e.now().UTC()
	updated, err := e.runs.MarkFailed(ctx, run.ID, cause.Error(), processedAt)
	if err != nil {
		log.WithField("store_error", err.Error()).Error("Failed to mark billing run failed")
		return ChargeResult{
			RunID:  run.ID,
			Status: run.Status,
			Error:  cause.Error(),
			Err:    errors.Join(cause, err),
		}
	}
	if !updated {
		current, getErr := e.runs.GetRun(ctx, run.ID)
		status := run.Status
		if getErr == nil {
			status = current.Status
		}
		log.WithField("status", status).Warn("Billing run changed state before it could be marked failed")
		return ChargeResult{RunID: run.ID, Status: status, Error: cause.Error(), Err: cause}
	}

	run.Status = RunStatusFailed
	run.ErrorMessage = cause.Error()
	run.ProcessedAt = &processedAt
	log.Warn("Billing run charge failed")

	if account != nil {
		if err := e.notifier.ChargeFailed(ctx, account, run, cause.Error()); err != nil {
			log.WithField("notify_error", err.Error()).Warn("Failed to send billing failure notification")
		}
	}

	return ChargeResult{
		RunID:  run.ID,
		Status: RunStatusFailed,
		Error:  cause.Error(),
		Err:    cause,
	}
}

// resolveConcurrentCharge handles a charge whose pending→charged update lost to
// another writer. With a shared idempotency key both callers see the same
// charge, so a run already charged with that ref is a success.
func (e *Executor) resolveConcurrentCharge(ctx context.Context, runID, chargeRef string) ChargeResult {
	current, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return ChargeResult{RunID: runID, OutcomeUnknown: true, ExternalChargeRef: chargeRef, Error: err.Error(), Err: err}
	}
	if current.Status == RunStatusCharged && current.ExternalChargeRef == chargeRef {
		return ChargeResult{RunID: runID, Success: true, Status: RunStatusCharged, ExternalChargeRef: chargeRef}
	}

	err = &PreconditionError{Message: fmt.Sprintf("billing run became %s while charging", current.Status)}
	e.logger.WithError(err).WithFields(map[string]interface{}{
		"billing_run_id": runID,
		"charge_ref":     chargeRef,
	}).Error("Charge succeeded against a run that is no longer pending")
	return ChargeResult{
		RunID:             runID,
		Status:            current.Status,
		ExternalChargeRef: chargeRef,
		Error:             err.Error(),
		Err:               err,
	}
}
