package billing

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DefaultAutoConfirmAfter is how long after completion a job without customer
// signoff becomes billable.
const DefaultAutoConfirmAfter = 24 * time.Hour

var blockingDisputeStatuses = map[string]bool{
	DisputeStatusNeedsResponse: true,
	DisputeStatusUnderReview:   true,
}

var terminalPartsStatuses = map[string]bool{
	PartsStatusInstalled: true,
	PartsStatusDenied:    true,
}

// Evaluator decides which completed jobs may be billed to an account for a window
type Evaluator struct {
	jobs             JobStore
	runs             RunStore
	autoConfirmAfter time.Duration
	now              func() time.Time
}

// NewEvaluator creates an evaluator. A zero autoConfirmAfter uses DefaultAutoConfirmAfter.
func NewEvaluator(jobs JobStore, runs RunStore, autoConfirmAfter time.Duration, now func() time.Time) *Evaluator {
	if autoConfirmAfter <= 0 {
		autoConfirmAfter = DefaultAutoConfirmAfter
	}
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		jobs:             jobs,
		runs:             runs,
		autoConfirmAfter: autoConfirmAfter,
		now:              now,
	}
}

// Evaluate returns the billable jobs for accountID in window, ordered by
// completion time then service request id. It has no side effects.
func (e *Evaluator) Evaluate(ctx context.Context, accountID string, window Window) ([]EligibleJob, error) {
	candidates, err := e.jobs.CompletedJobs(ctx, accountID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to load completed jobs: %w", err)
	}

	confirmedBefore := e.now().Add(-e.autoConfirmAfter)

	jobs := make([]Job, 0, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, job := range candidates {
		if !e.baseEligible(job, accountID, window, confirmedBefore) {
			continue
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ServiceRequestID)
	}
	if len(jobs) == 0 {
		return []EligibleJob{}, nil
	}

	billed, err := e.runs.BilledServiceRequestIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to check billed jobs: %w", err)
	}

	unbilled := jobs[:0]
	ids = ids[:0]
	for _, job := range jobs {
		if billed[job.ServiceRequestID] {
			continue
		}
		unbilled = append(unbilled, job)
		ids = append(ids, job.ServiceRequestID)
	}
	if len(unbilled) == 0 {
		return []EligibleJob{}, nil
	}

	disputes, err := e.jobs.Disputes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load disputes: %w", err)
	}
	parts, err := e.jobs.PartsRequests(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load parts requests: %w", err)
	}

	eligible := make([]EligibleJob, 0, len(unbilled))
	for _, job := range unbilled {
		if hasBlockingDispute(disputes[job.ServiceRequestID]) || hasPendingParts(parts[job.ServiceRequestID]) {
			continue
		}

		proName := ""
		if job.HaulerID != "" {
			proName, err = e.jobs.ProDisplayName(ctx, job.HaulerID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve pro name for %s: %w", job.HaulerID, err)
			}
		}

		eligible = append(eligible, priceJob(job, proName))
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CompletedAt.Equal(eligible[j].CompletedAt) {
			return eligible[i].ServiceRequestID < eligible[j].ServiceRequestID
		}
		return eligible[i].CompletedAt.Before(eligible[j].CompletedAt)
	})

	return eligible, nil
}

// baseEligible checks the rules that need no further lookups: status, window,
// account link and signoff or auto-confirm.
func (e *Evaluator) baseEligible(job Job, accountID string, window Window, confirmedBefore time.Time) bool {
	if job.Status != JobStatusCompleted {
		return false
	}
	if job.CompletedAt == nil || !window.Contains(*job.CompletedAt) {
		return false
	}
	if job.BusinessAccountID != accountID {
		return false
	}
	if job.CustomerSignoffAt == nil && !job.CompletedAt.Before(confirmedBefore) {
		return false
	}
	return true
}

func hasBlockingDispute(disputes []Dispute) bool {
	for _, d := range disputes {
		if blockingDisputeStatuses[d.Status] {
			return true
		}
	}
	return false
}

func hasPendingParts(requests []PartsRequest) bool {
	for _, pr := range requests {
		if !terminalPartsStatuses[pr.Status] {
			return true
		}
	}
	return false
}

// priceJob splits the job's final price into labor and platform fee.
// The fee is clamped to [0, total] so labor+parts+fee always equals the final price.
func priceJob(job Job, proName string) EligibleJob {
	total := job.FinalPrice
	if total < 0 {
		total = 0
	}
	fee := job.PlatformFee
	if fee < 0 {
		fee = 0
	}
	if fee > total {
		fee = total
	}

	return EligibleJob{
		ServiceRequestID:  job.ServiceRequestID,
		BusinessBookingID: job.BusinessBookingID,
		PropertyAddress:   job.PropertyAddress(),
		ServiceType:       job.ServiceType,
		CompletedAt:       job.CompletedAt.UTC(),
		CustomerSignoffAt: job.CustomerSignoffAt,
		LaborCost:         total - fee,
		PartsCost:         0,
		PlatformFee:       fee,
		TotalCharge:       total,
		ProName:           proName,
	}
}
