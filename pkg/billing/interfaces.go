package billing

import (
	"context"
	"time"
)

// JobStore reads marketplace job data. Implementations never write.
type JobStore interface {
	// CompletedJobs returns completed jobs booked under accountID whose
	// completion time falls inside window.
	CompletedJobs(ctx context.Context, accountID string, window Window) ([]Job, error)
	// Disputes returns the chargeback disputes raised against any of jobIDs,
	// keyed by job id. Jobs without disputes have no entry.
	Disputes(ctx context.Context, jobIDs []string) (map[string][]Dispute, error)
	// PartsRequests returns the parts requests attached to any of jobIDs,
	// keyed by job id.
	PartsRequests(ctx context.Context, jobIDs []string) (map[string][]PartsRequest, error)
	// ProDisplayName returns "" when the hauler has no profile.
	ProDisplayName(ctx context.Context, haulerID string) (string, error)
}

// AccountStore reads business accounts
type AccountStore interface {
	// GetAccount returns a *NotFoundError when the account does not exist.
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	ListAutoBillingEnabledAccounts(ctx context.Context) ([]Account, error)
}

// RunStore persists billing runs and line items
type RunStore interface {
	// BilledServiceRequestIDs returns the subset of ids already present in a line item.
	BilledServiceRequestIDs(ctx context.Context, serviceRequestIDs []string) (map[string]bool, error)

	// CreateRun atomically re-checks every item's service request, inserts the
	// run and, unless run.DryRun, inserts the items. It returns a
	// *RaceConditionError if any item is already billed.
	CreateRun(ctx context.Context, run *BillingRun, items []LineItem) error

	GetRun(ctx context.Context, runID string) (*BillingRun, error)
	ListLineItems(ctx context.Context, runID string) ([]LineItem, error)
	ListRunsForAccount(ctx context.Context, accountID string, limit int) ([]BillingRun, error)
	ListStalePendingRuns(ctx context.Context, createdBefore time.Time, limit int) ([]BillingRun, error)

	// MarkChargeAttempted records that a charge for the run is about to reach
	// the processor. It keeps an earlier stamp and reports false when the run
	// is no longer pending.
	MarkChargeAttempted(ctx context.Context, runID string, at time.Time) (bool, error)

	// RequeueFailed moves a failed run back to pending under the next charge
	// attempt number. It reports false when the run was no longer failed.
	RequeueFailed(ctx context.Context, runID string) (bool, error)

	// MarkCharged moves a pending run to charged. It reports false when the
	// run was no longer pending.
	MarkCharged(ctx context.Context, runID, chargeRef string, at time.Time) (bool, error)
	// MarkFailed moves a pending run to failed. It reports false when the run
	// was no longer pending.
	MarkFailed(ctx context.Context, runID, message string, at time.Time) (bool, error)

	// VoidRun moves a run from the given status to void and deletes its line
	// items in one transaction. A pending run is only voided while it has no
	// charge attempt on record. It returns the number of deleted items, or a
	// *PreconditionError when the run no longer qualifies.
	VoidRun(ctx context.Context, runID string, from RunStatus, reason string, at time.Time) (int, error)
}

// ChargeRequest describes a single off-session charge
type ChargeRequest struct {
	Amount           Money
	Currency         string
	CustomerRef      string
	PaymentMethodRef string
	IdempotencyKey   string
	Description      string
	Metadata         map[string]string
}

// Charge is a successful processor charge
type Charge struct {
	Ref    string
	Amount Money
	Status string
}

// RefundRequest describes a full refund against a charge
type RefundRequest struct {
	ChargeRef      string
	Amount         Money
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Refund is a successful processor refund
type Refund struct {
	Ref    string
	Amount Money
	Status string
}

// PaymentProcessor creates charges and refunds.
//
// CreateCharge returns a *PaymentDeclinedError when the charge was rejected
// and an error matching ErrOutcomeUnknown when the outcome is undetermined.
type PaymentProcessor interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// Notifier tells an account's billing contact about run outcomes
type Notifier interface {
	RunCharged(ctx context.Context, account *Account, run *BillingRun, items []LineItem) error
	ChargeFailed(ctx context.Context, account *Account, run *BillingRun, reason string) error
	RunVoided(ctx context.Context, account *Account, run *BillingRun, reason string) error
}

// Ledger records balanced journal entries for money movements
type Ledger interface {
	RecordCharge(ctx context.Context, run *BillingRun, items []LineItem) error
	RecordRefund(ctx context.Context, run *BillingRun, reason string) error
}

type nopNotifier struct{}

func (nopNotifier) RunCharged(context.Context, *Account, *BillingRun, []LineItem) error {
	return nil
}

func (nopNotifier) ChargeFailed(context.Context, *Account, *BillingRun, string) error {
	return nil
}

func (nopNotifier) RunVoided(context.Context, *Account, *BillingRun, string) error {
	return nil
}

type nopLedger struct{}

func (nopLedger) RecordCharge(context.Context, *BillingRun, []LineItem) error { return nil }

func (nopLedger) RecordRefund(context.Context, *BillingRun, string) error { return nil }
