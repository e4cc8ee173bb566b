package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/billrun/pkg/observability"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var tracer = otel.Tracer("github.com/platinummonkey/billrun/pkg/billing")

// Dependencies are the collaborators a Service needs. Notifier and Ledger are optional.
type Dependencies struct {
	Jobs      JobStore
	Accounts  AccountStore
	Runs      RunStore
	Processor PaymentProcessor
	Notifier  Notifier
	Ledger    Ledger
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// Options tune the billing engine
type Options struct {
	AutoConfirmAfter time.Duration
	ChargeTimeout    time.Duration
	Currency         string
	Now              func() time.Time
}

// Service exposes the billing operations
type Service struct {
	evaluator *Evaluator
	generator *Generator
	executor  *Executor
	voider    *VoidManager
	runs      RunStore
	logger    *observability.Logger
	now       func() time.Time
}

// NewService wires the evaluator, generator, executor and void manager
func NewService(deps Dependencies, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	logger = logger.WithField("component", "billing")

	var notifier Notifier = nopNotifier{}
	if deps.Notifier != nil {
		notifier = deps.Notifier
	}
	var ledger Ledger = nopLedger{}
	if deps.Ledger != nil {
		ledger = deps.Ledger
	}

	evaluator := NewEvaluator(deps.Jobs, deps.Runs, opts.AutoConfirmAfter, now)
	return &Service{
		evaluator: evaluator,
		generator: NewGenerator(evaluator, deps.Accounts, deps.Runs, logger, deps.Metrics, now),
		executor: NewExecutor(deps.Runs, deps.Accounts, deps.Processor, notifier, ledger, logger, deps.Metrics,
			ExecutorConfig{Currency: opts.Currency, ChargeTimeout: opts.ChargeTimeout}, now),
		voider: NewVoidManager(deps.Runs, deps.Accounts, deps.Processor, notifier, ledger, logger, deps.Metrics, now),
		runs:   deps.Runs,
		logger: logger,
		now:    now,
	}
}

// Evaluate lists the jobs currently billable for accountID in window
func (s *Service) Evaluate(ctx context.Context, accountID string, window Window) ([]EligibleJob, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	return s.evaluator.Evaluate(ctx, accountID, window)
}

// GenerateRun generates a billing run for accountID over window
func (s *Service) GenerateRun(ctx context.Context, accountID string, window Window, dryRun bool) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "billing.GenerateRun", trace.WithAttributes(
		attribute.String("billing.account_id", accountID),
		attribute.String("billing.week_start", window.Start.Format(time.RFC3339)),
		attribute.Bool("billing.dry_run", dryRun),
	))
	defer span.End()

	result, err := s.generator.Generate(ctx, accountID, window, dryRun)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("billing.run_id", result.RunID),
		attribute.Int("billing.job_count", result.JobCount),
		attribute.Int64("billing.total_cents", result.TotalAmount.Cents()),
	)
	return result, nil
}

// PreviewCurrentWeek shows what a run for the week containing now would bill.
// Nothing is persisted.
func (s *Service) PreviewCurrentWeek(ctx context.Context, accountID string) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "billing.PreviewCurrentWeek", trace.WithAttributes(
		attribute.String("billing.account_id", accountID),
	))
	defer span.End()

	result, err := s.generator.Preview(ctx, accountID, CurrentWeek(s.now()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("billing.job_count", result.JobCount))
	return result, nil
}

// ChargeRun charges a pending run. See Executor.Charge.
func (s *Service) ChargeRun(ctx context.Context, runID string) ChargeResult {
	ctx, span := tracer.Start(ctx, "billing.ChargeRun", trace.WithAttributes(
		attribute.String("billing.run_id", runID),
	))
	defer span.End()

	result := s.executor.Charge(ctx, runID)
	span.SetAttributes(
		attribute.Bool("billing.success", result.Success),
		attribute.String("billing.status", string(result.Status)),
		attribute.Bool("billing.outcome_unknown", result.OutcomeUnknown),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Error)
	}
	return result
}

// RetryRun charges a failed run again under a new attempt. See Executor.Retry.
func (s *Service) RetryRun(ctx context.Context, runID string) ChargeResult {
	ctx, span := tracer.Start(ctx, "billing.RetryRun", trace.WithAttributes(
		attribute.String("billing.run_id", runID),
	))
	defer span.End()

	result := s.executor.Retry(ctx, runID)
	span.SetAttributes(
		attribute.Bool("billing.success", result.Success),
		attribute.String("billing.status", string(result.Status)),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Error)
	}
	return result
}

// VoidRun voids a run, refunding it first when it was charged
func (s *Service) VoidRun(ctx context.Context, runID, reason string) error {
	ctx, span := tracer.Start(ctx, "billing.VoidRun", trace.WithAttributes(
		attribute.String("billing.run_id", runID),
	))
	defer span.End()

	if err := s.voider.Void(ctx, runID, reason); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// GetRun returns a run with its line items
func (s *Service) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	items, err := s.runs.ListLineItems(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	return &RunDetail{Run: run, LineItems: items}, nil
}

// ListRunsForAccount returns the account's runs, newest first.
// A non-positive limit uses the default; limits are capped at 100.
func (s *Service) ListRunsForAccount(ctx context.Context, accountID string, limit int) ([]BillingRun, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, &ValidationError{Field: "account_id", Message: "account id is required"}
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	runs, err := s.runs.ListRunsForAccount(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing runs: %w", err)
	}
	return runs, nil
}

// ReconcilePendingRuns retries the charge of every pending run created more
// than olderThan ago. The idempotency key makes a retry of a charge that did
// go through return the original charge instead of creating another.
func (s *Service) ReconcilePendingRuns(ctx context.Context, olderThan time.Duration, limit int) ([]ChargeResult, error) {
	ctx, span := tracer.Start(ctx, "billing.ReconcilePendingRuns")
	defer span.End()

	if limit <= 0 {
		limit = maxListLimit
	}
	stale, err := s.runs.ListStalePendingRuns(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list stale pending runs: %w", err)
	}

	results := make([]ChargeResult, 0, len(stale))
	for _, run := range stale {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, s.executor.Charge(ctx, run.ID))
	}

	span.SetAttributes(attribute.Int("billing.reconciled", len(results)))
	if len(results) > 0 {
		s.logger.WithField("runs", len(results)).Info("Reconciled stale pending billing runs")
	}
	return results, nil
}
