// Package scheduler drives the weekly billing batch and the reconciliation
// of charges whose outcome was unknown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// ErrBatchInProgress is returned when the batch for a week is already running
var ErrBatchInProgress = errors.New("weekly billing batch already in progress")

// BillingService is the subset of billing.Service the scheduler drives
type BillingService interface {
	GenerateRun(ctx context.Context, accountID string, window billing.Window, dryRun bool) (*billing.RunResult, error)
	ChargeRun(ctx context.Context, runID string) billing.ChargeResult
	ReconcilePendingRuns(ctx context.Context, olderThan time.Duration, limit int) ([]billing.ChargeResult, error)
}

// Config tunes the scheduler
type Config struct {
	WeeklySchedule    string
	ReconcileSchedule string
	ReconcileAfter    time.Duration
	ReconcileLimit    int
	Concurrency       int
	LockTTL           time.Duration
}

// DefaultConfig returns the default scheduler settings
func DefaultConfig() Config {
	return Config{
		WeeklySchedule:    "0 6 * * 1",
		ReconcileSchedule: "15 * * * *",
		ReconcileAfter:    time.Hour,
		ReconcileLimit:    100,
		Concurrency:       4,
		LockTTL:           2 * time.Hour,
	}
}

// Scheduler runs the weekly batch over every auto-billing account
type Scheduler struct {
	service  BillingService
	accounts billing.AccountStore
	locker   Locker
	logger   *observability.Logger
	metrics  *observability.Metrics
	config   Config
	now      func() time.Time

	cron *cron.Cron
}

// New creates a Scheduler. A nil locker disables cross-process locking.
func New(service BillingService, accounts billing.AccountStore, locker Locker, logger *observability.Logger, metrics *observability.Metrics, config Config) *Scheduler {
	def := DefaultConfig()
	if config.WeeklySchedule == "" {
		config.WeeklySchedule = def.WeeklySchedule
	}
	if config.ReconcileSchedule == "" {
		config.ReconcileSchedule = def.ReconcileSchedule
	}
	if config.ReconcileAfter <= 0 {
		config.ReconcileAfter = def.ReconcileAfter
	}
	if config.ReconcileLimit <= 0 {
		config.ReconcileLimit = def.ReconcileLimit
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Scheduler{
		service:  service,
		accounts: accounts,
		locker:   locker,
		logger:   logger.WithField("component", "scheduler"),
		metrics:  metrics,
		config:   config,
		now:      time.Now,
	}
}

// RunWeeklyBatch bills every auto-billing account for the previous week
func (s *Scheduler) RunWeeklyBatch(ctx context.Context) (*billing.BillingSummary, error) {
	return s.RunBatch(ctx, billing.PreviousWeek(s.now()))
}

// RunBatch bills every auto-billing account for window. Each account is
// generated and, if it has jobs, charged. A failure in one account is
// recorded in its outcome and does not stop the others.
func (s *Scheduler) RunBatch(ctx context.Context, window billing.Window) (*billing.BillingSummary, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, "weekly-batch:"+window.Start.Format("2006-01-02"), s.config.LockTTL)
	if errors.Is(err, ErrLockHeld) {
		return nil, ErrBatchInProgress
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			s.logger.WithError(err).Warn("Failed to release batch lock")
		}
	}()

	start := time.Now()
	defer func() { s.metrics.ObserveBatch(time.Since(start)) }()

	accounts, err := s.accounts.ListAutoBillingEnabledAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-billing accounts: %w", err)
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"week_start": window.Start.Format(time.RFC3339),
		"accounts":   len(accounts),
	})
	logger.Info("Starting weekly billing batch")

	outcomes := make([]billing.AccountOutcome, len(accounts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i, account := range accounts {
		i, account := i, account
		g.Go(func() error {
			outcome := s.processAccount(gctx, account.ID, window)
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary := summarize(window, outcomes)
	logger.WithFields(map[string]interface{}{
		"runs":     summary.TotalRuns,
		"charged":  summary.TotalCharged,
		"failed":   summary.TotalFailed,
		"errors":   summary.TotalErrors,
		"duration": time.Since(start).String(),
	}).Info("Weekly billing batch complete")

	return summary, ctx.Err()
}

// processAccount is the per-account error and panic boundary
func (s *Scheduler) processAccount(ctx context.Context, accountID string, window billing.Window) (outcome billing.AccountOutcome) {
	outcome.BusinessAccountID = accountID
	logger := s.logger.WithField("business_account_id", accountID)

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Billing account processing panicked")
			outcome.Error = fmt.Sprintf("panic: %v", r)
			s.metrics.BatchAccount("error")
		}
	}()

	if err := ctx.Err(); err != nil {
		outcome.Error = err.Error()
		s.metrics.BatchAccount("error")
		return outcome
	}

	result, err := s.service.GenerateRun(ctx, accountID, window, false)
	if err != nil {
		logger.WithError(err).Error("Failed to generate billing run")
		outcome.Error = err.Error()
		s.metrics.BatchAccount("error")
		return outcome
	}

	outcome.RunID = result.RunID
	outcome.JobCount = result.JobCount
	outcome.TotalAmount = result.TotalAmount
	if result.JobCount == 0 {
		s.metrics.BatchAccount("empty")
		return outcome
	}

	charge := s.service.ChargeRun(ctx, result.RunID)
	outcome.Charge = &charge
	if charge.Success {
		s.metrics.BatchAccount("charged")
	} else {
		s.metrics.BatchAccount("failed")
	}
	return outcome
}

func summarize(window billing.Window, outcomes []billing.AccountOutcome) *billing.BillingSummary {
	summary := &billing.BillingSummary{
		WeekStart: window.Start,
		WeekEnd:   window.End,
		Accounts:  len(outcomes),
		Outcomes:  outcomes,
	}
	for _, o := range outcomes {
		switch {
		case o.Error != "":
			summary.TotalErrors++
		case o.Charge != nil:
			summary.TotalRuns++
			if o.Charge.Success {
				summary.TotalCharged++
			} else {
				summary.TotalFailed++
			}
		}
	}
	return summary
}

// Reconcile retries charges left pending by an unknown outcome
func (s *Scheduler) Reconcile(ctx context.Context) ([]billing.ChargeResult, error) {
	release, err := s.locker.Acquire(ctx, "reconcile", s.config.LockTTL)
	if errors.Is(err, ErrLockHeld) {
		s.logger.Debug("Reconciliation already running elsewhere")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			s.logger.WithError(err).Warn("Failed to release reconcile lock")
		}
	}()

	return s.service.ReconcilePendingRuns(ctx, s.config.ReconcileAfter, s.config.ReconcileLimit)
}

// Start registers the cron entries and starts the scheduler. Schedules are
// evaluated in UTC.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))

	if _, err := c.AddFunc(s.config.WeeklySchedule, func() {
		summary, err := s.RunWeeklyBatch(ctx)
		if errors.Is(err, ErrBatchInProgress) {
			s.logger.Info("Weekly billing batch already running elsewhere")
			return
		}
		if err != nil {
			s.logger.WithError(err).Error("Weekly billing batch failed")
			return
		}
		if summary.TotalFailed > 0 || summary.TotalErrors > 0 {
			s.logger.WithFields(map[string]interface{}{
				"failed": summary.TotalFailed,
				"errors": summary.TotalErrors,
			}).Warn("Weekly billing batch finished with failures")
		}
	}); err != nil {
		return fmt.Errorf("invalid weekly schedule: %w", err)
	}

	if _, err := c.AddFunc(s.config.ReconcileSchedule, func() {
		if _, err := s.Reconcile(ctx); err != nil {
			s.logger.WithError(err).Error("Pending charge reconciliation failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule: %w", err)
	}

	s.cron = c
	c.Start()
	s.logger.WithFields(map[string]interface{}{
		"weekly_schedule":    s.config.WeeklySchedule,
		"reconcile_schedule": s.config.ReconcileSchedule,
	}).Info("Billing scheduler started")
	return nil
}

// Stop stops the cron scheduler and waits for running jobs
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
