package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/billrun/pkg/observability"
)

// RefundReasonRequestedByCustomer is the processor refund reason used for voids
const RefundReasonRequestedByCustomer = "requested_by_customer"

// VoidManager reverses billing runs
type VoidManager struct {
	runs      RunStore
	accounts  AccountStore
	processor PaymentProcessor
	notifier  Notifier
	ledger    Ledger
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewVoidManager creates a void manager
func NewVoidManager(runs RunStore, accounts AccountStore, processor PaymentProcessor, notifier Notifier, ledger Ledger, logger *observability.Logger, metrics *observability.Metrics, now func() time.Time) *VoidManager {
	if now == nil {
		now = time.Now
	}
	return &VoidManager{
		runs:      runs,
		accounts:  accounts,
		processor: processor,
		notifier:  notifier,
		ledger:    ledger,
		logger:    logger,
		metrics:   metrics,
		now:       now,
	}
}

// Void reverses a pending, failed or charged run. A charged run is refunded
// in full before any local state changes; if the refund fails the run is left
// charged and a *RefundFailedError is returned. A pending run whose charge
// already reached the processor is refused until reconciliation settles it. The run's line items are
// deleted, which makes its jobs billable again.
func (m *VoidManager) Void(ctx context.Context, runID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return &ValidationError{Field: "reason", Message: "void reason is required"}
	}

	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	switch run.Status {
	case RunStatusVoid:
		return &PreconditionError{Message: "billing run is already voided", Err: ErrAlreadyVoided}
	case RunStatusDraft:
		return &PreconditionError{Message: "draft billing runs cannot be voided"}
	case RunStatusPending:
		if run.ChargeAttemptedAt != nil {
			return &PreconditionError{
				Message: "billing run has a charge attempt with an unknown outcome; reconcile it before voiding",
				Err:     ErrChargeUnsettled,
			}
		}
	case RunStatusFailed, RunStatusCharged:
	default:
		return &PreconditionError{Message: fmt.Sprintf("unknown billing run status %q", run.Status)}
	}

	log := m.logger.WithFields(map[string]interface{}{
		"billing_run_id": run.ID,
		"status":         run.Status,
	})

	wasCharged := run.Status == RunStatusCharged
	if wasCharged {
		if run.ExternalChargeRef == "" {
			return &PreconditionError{Message: "charged billing run has no charge reference"}
		}

		start := time.Now()
		refund, err := m.processor.CreateRefund(ctx, RefundRequest{
			ChargeRef:      run.ExternalChargeRef,
			Amount:         run.TotalAmount,
			Reason:         RefundReasonRequestedByCustomer,
			IdempotencyKey: "void-" + run.ID,
			Metadata: map[string]string{
				"billing_run_id": run.ID,
				"void_reason":    reason,
			},
		})
		m.metrics.ObserveProcessor("refund", err, time.Since(start))
		if err != nil {
			log.WithError(err).Error("Refund failed, billing run left unchanged")
			return &RefundFailedError{ChargeRef: run.ExternalChargeRef, Err: err}
		}
		log.WithField("refund_ref", refund.Ref).Info("Billing run refunded")
	}

	processedAt := m.now().UTC()
	deleted, err := m.runs.VoidRun(ctx, run.ID, run.Status, reason, processedAt)
	if err != nil {
		if wasCharged && !errors.Is(err, ErrPrecondition) {
			// The refund went through; a retried void replays the same refund key.
			log.WithError(err).Error("Refund issued but billing run could not be voided")
		}
		return err
	}

	m.metrics.RunVoided(wasCharged)
	log.WithFields(map[string]interface{}{
		"line_items_released": deleted,
		"reason":              reason,
	}).Info("Billing run voided")

	if !wasCharged {
		return nil
	}

	previous := *run
	run.Status = RunStatusVoid
	run.ErrorMessage = reason
	run.ProcessedAt = &processedAt

	if err := m.ledger.RecordRefund(ctx, &previous, reason); err != nil {
		log.WithError(err).Error("Failed to record refund in ledger")
	}

	account, err := m.accounts.GetAccount(ctx, run.BusinessAccountID)
	if err != nil {
		log.WithError(err).Warn("Failed to load account for void notification")
		return nil
	}
	if err := m.notifier.RunVoided(ctx, account, run, reason); err != nil {
		log.WithError(err).Warn("Failed to send void notification")
	}

	return nil
}
