package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/billrun/pkg/observability"
)

// Generator turns an eligible job set into a persisted billing run
type Generator struct {
	evaluator *Evaluator
	accounts  AccountStore
	runs      RunStore
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewGenerator creates a generator
func NewGenerator(evaluator *Evaluator, accounts AccountStore, runs RunStore, logger *observability.Logger, metrics *observability.Metrics, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{
		evaluator: evaluator,
		accounts:  accounts,
		runs:      runs,
		logger:    logger,
		metrics:   metrics,
		now:       now,
	}
}

// Generate evaluates the account's jobs for window and persists a run.
//
// With nothing eligible it returns an unpersisted draft result with JobCount 0.
// A dry run persists a draft run without line items. Otherwise the run is
// persisted as pending together with one line item per job. A concurrent
// generation that already billed any candidate aborts the whole run with a
// *RaceConditionError.
func (g *Generator) Generate(ctx context.Context, accountID string, window Window, dryRun bool) (*RunResult, error) {
	result, err := g.draft(ctx, accountID, window, dryRun)
	if err != nil {
		return nil, err
	}
	if result.JobCount == 0 {
		g.metrics.RunGenerated("empty")
		return result, nil
	}

	accountID, window = result.BusinessAccountID, Window{Start: result.WeekStart, End: result.WeekEnd}
	jobs, total := result.Jobs, result.TotalAmount

	status := RunStatusPending
	if dryRun {
		status = RunStatusDraft
	}

	run := &BillingRun{
		ID:                uuid.NewString(),
		BusinessAccountID: accountID,
		WeekStart:         window.Start,
		WeekEnd:           window.End,
		Status:            status,
		TotalAmount:       total,
		JobCount:          len(jobs),
		DryRun:            dryRun,
		ChargeAttempt:     1,
		CreatedAt:         g.now().UTC(),
	}

	items := make([]LineItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, LineItem{
			ID:                uuid.NewString(),
			BillingRunID:      run.ID,
			ServiceRequestID:  job.ServiceRequestID,
			BusinessBookingID: job.BusinessBookingID,
			PropertyAddress:   job.PropertyAddress,
			ServiceType:       job.ServiceType,
			CompletedAt:       job.CompletedAt,
			CustomerSignoffAt: job.CustomerSignoffAt,
			LaborCost:         job.LaborCost,
			PartsCost:         job.PartsCost,
			PlatformFee:       job.PlatformFee,
			TotalCharge:       job.TotalCharge,
			ProName:           job.ProName,
		})
	}

	if err := g.runs.CreateRun(ctx, run, items); err != nil {
		if errors.Is(err, ErrRaceCondition) {
			g.metrics.RaceAborted()
			g.logger.WithError(err).WithFields(map[string]interface{}{
				"business_account_id": accountID,
				"week_start":          window.Start,
			}).Warn("Billing run aborted by concurrent generation")
		}
		return nil, err
	}

	g.metrics.RunGenerated(string(status))
	g.logger.WithFields(map[string]interface{}{
		"billing_run_id":      run.ID,
		"business_account_id": accountID,
		"week_start":          window.Start,
		"job_count":           run.JobCount,
		"total_cents":         run.TotalAmount.Cents(),
		"dry_run":             dryRun,
	}).Info("Billing run generated")

	result.RunID = run.ID
	result.Status = status
	return result, nil
}

// Preview computes what a run for window would contain without writing
// anything. The result always has an empty RunID.
func (g *Generator) Preview(ctx context.Context, accountID string, window Window) (*RunResult, error) {
	return g.draft(ctx, accountID, window, true)
}

// draft validates the request, evaluates the account's jobs and totals them
// into an unpersisted draft result.
func (g *Generator) draft(ctx context.Context, accountID string, window Window, dryRun bool) (*RunResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, &ValidationError{Field: "account_id", Message: "account id is required"}
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	window = Window{Start: window.Start.UTC(), End: window.End.UTC()}

	if _, err := g.accounts.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	jobs, err := g.evaluator.Evaluate(ctx, accountID, window)
	if err != nil {
		return nil, err
	}

	var total Money
	for _, job := range jobs {
		total += job.TotalCharge
	}

	return &RunResult{
		BusinessAccountID: accountID,
		WeekStart:         window.Start,
		WeekEnd:           window.End,
		Status:            RunStatusDraft,
		DryRun:            dryRun,
		TotalAmount:       total,
		JobCount:          len(jobs),
		Jobs:              jobs,
	}, nil
}
