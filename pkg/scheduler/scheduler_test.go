package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/observability"
)

type fakeAccounts struct {
	accounts []billing.Account
	err      error
}

func (f *fakeAccounts) GetAccount(ctx context.Context, id string) (*billing.Account, error) {
	for i := range f.accounts {
		if f.accounts[i].ID == id {
			return &f.accounts[i], nil
		}
	}
	return nil, &billing.NotFoundError{Resource: "business account", ID: id}
}

func (f *fakeAccounts) ListAutoBillingEnabledAccounts(ctx context.Context) ([]billing.Account, error) {
	return f.accounts, f.err
}

type fakeService struct {
	mu        sync.Mutex
	generate  map[string]func() (*billing.RunResult, error)
	charge    map[string]billing.ChargeResult
	windows   []billing.Window
	charged   []string
	reconcile func() ([]billing.ChargeResult, error)
}

func (f *fakeService) GenerateRun(ctx context.Context, accountID string, window billing.Window, dryRun bool) (*billing.RunResult, error) {
	f.mu.Lock()
	f.windows = append(f.windows, window)
	fn := f.generate[accountID]
	f.mu.Unlock()
	if dryRun {
		return nil, errors.New("batch must not dry run")
	}
	if fn == nil {
		return &billing.RunResult{BusinessAccountID: accountID, Status: billing.RunStatusDraft}, nil
	}
	return fn()
}

func (f *fakeService) ChargeRun(ctx context.Context, runID string) billing.ChargeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charged = append(f.charged, runID)
	if r, ok := f.charge[runID]; ok {
		return r
	}
	return billing.ChargeResult{RunID: runID, Success: true, Status: billing.RunStatusCharged}
}

func (f *fakeService) ReconcilePendingRuns(ctx context.Context, olderThan time.Duration, limit int) ([]billing.ChargeResult, error) {
	if f.reconcile != nil {
		return f.reconcile()
	}
	return nil, nil
}

func pendingRun(runID string, jobs int, total billing.Money) func() (*billing.RunResult, error) {
	return func() (*billing.RunResult, error) {
		return &billing.RunResult{RunID: runID, Status: billing.RunStatusPending, JobCount: jobs, TotalAmount: total}, nil
	}
}

func newTestScheduler(svc BillingService, accounts billing.AccountStore) *Scheduler {
	s := New(svc, accounts, nil, observability.NewNopLogger(), nil, Config{Concurrency: 2})
	s.now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) } // Wednesday
	return s
}

func TestRunWeeklyBatch(t *testing.T) {
	accounts := &fakeAccounts{accounts: []billing.Account{
		{ID: "acct-charged"}, {ID: "acct-declined"}, {ID: "acct-empty"}, {ID: "acct-broken"}, {ID: "acct-panic"},
	}}
	svc := &fakeService{
		generate: map[string]func() (*billing.RunResult, error){
			"acct-charged":  pendingRun("run-1", 2, 30000),
			"acct-declined": pendingRun("run-2", 1, 12500),
			"acct-broken": func() (*billing.RunResult, error) {
				return nil, &billing.RaceConditionError{ServiceRequestIDs: []string{"sr-9"}}
			},
			"acct-panic": func() (*billing.RunResult, error) { panic("boom") },
		},
		charge: map[string]billing.ChargeResult{
			"run-2": {RunID: "run-2", Success: false, Status: billing.RunStatusFailed, Error: "card declined"},
		},
	}

	summary, err := newTestScheduler(svc, accounts).RunWeeklyBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), summary.WeekStart)
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), summary.WeekEnd)
	assert.Equal(t, 5, summary.Accounts)
	assert.Equal(t, 2, summary.TotalRuns)
	assert.Equal(t, 1, summary.TotalCharged)
	assert.Equal(t, 1, summary.TotalFailed)
	assert.Equal(t, 2, summary.TotalErrors)

	require.Len(t, summary.Outcomes, 5)
	assert.Equal(t, "acct-charged", summary.Outcomes[0].BusinessAccountID)
	assert.True(t, summary.Outcomes[0].Charge.Success)
	assert.Equal(t, billing.Money(30000), summary.Outcomes[0].TotalAmount)
	assert.Equal(t, "card declined", summary.Outcomes[1].Charge.Error)
	assert.Nil(t, summary.Outcomes[2].Charge, "empty runs are not charged")
	assert.Contains(t, summary.Outcomes[3].Error, "concurrent billing")
	assert.Contains(t, summary.Outcomes[4].Error, "panic: boom")

	assert.ElementsMatch(t, []string{"run-1", "run-2"}, svc.charged)
	for _, w := range svc.windows {
		assert.Equal(t, summary.WeekStart, w.Start)
	}
}

func TestRunBatch_LockHeld(t *testing.T) {
	svc := &fakeService{}
	s := newTestScheduler(svc, &fakeAccounts{})
	window := billing.PreviousWeek(s.now())

	release, err := s.locker.Acquire(context.Background(), "weekly-batch:"+window.Start.Format("2006-01-02"), time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	_, err = s.RunBatch(context.Background(), window)
	assert.ErrorIs(t, err, ErrBatchInProgress)
}

func TestRunBatch_ReleasesLock(t *testing.T) {
	s := newTestScheduler(&fakeService{}, &fakeAccounts{accounts: []billing.Account{{ID: "a"}}})

	_, err := s.RunWeeklyBatch(context.Background())
	require.NoError(t, err)
	_, err = s.RunWeeklyBatch(context.Background())
	assert.NoError(t, err)
}

func TestRunBatch_ListAccountsError(t *testing.T) {
	s := newTestScheduler(&fakeService{}, &fakeAccounts{err: errors.New("db down")})

	_, err := s.RunWeeklyBatch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRunBatch_InvalidWindow(t *testing.T) {
	s := newTestScheduler(&fakeService{}, &fakeAccounts{})
	start := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	_, err := s.RunBatch(context.Background(), billing.Window{Start: start, End: start})
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestReconcile(t *testing.T) {
	svc := &fakeService{reconcile: func() ([]billing.ChargeResult, error) {
		return []billing.ChargeResult{{RunID: "run-1", Success: true}}, nil
	}}
	s := newTestScheduler(svc, &fakeAccounts{})

	results, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(&fakeService{}, &fakeAccounts{})
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := New(&fakeService{}, &fakeAccounts{}, nil, nil, nil, Config{WeeklySchedule: "whenever"})
	assert.Error(t, s.Start(context.Background()))
}
