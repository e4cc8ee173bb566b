//go:build integration

package billing_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/billrun/pkg/accounts"
	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/jobs"
	"github.com/platinummonkey/billrun/pkg/ledger"
	"github.com/platinummonkey/billrun/pkg/payments"
	storagepg "github.com/platinummonkey/billrun/pkg/storage/postgres"
)

var (
	integrationWeek = billing.Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
	}
	integrationNow = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("billrun_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	require.NoError(t, storagepg.Migrate(db))

	t.Cleanup(func() {
		db.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})
	return db
}

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO business_accounts (id, business_name, stripe_customer_id, stripe_payment_method_id, auto_billing_enabled, billing_contact_email)
		 VALUES ('acct-x', 'Acme Property Mgmt', 'cus_123', 'pm_123', TRUE, 'billing@acme.test')`,
		`INSERT INTO hauler_profiles (user_id, company_name) VALUES ('hauler-1', 'Quick Haul LLC')`,
		`INSERT INTO service_requests (id, status, service_type, pickup_address, pickup_city, pickup_zip,
		     completed_at, customer_signoff_at, final_price, platform_fee, assigned_hauler_id)
		 VALUES ('J1', 'completed', 'junk_removal', '12 Elm St', 'Austin', '78701',
		     '2024-01-02T10:00:00Z', '2024-01-02T12:00:00Z', 150.00, 15.00, 'hauler-1')`,
		`INSERT INTO service_requests (id, status, service_type, pickup_address, completed_at, final_price, platform_fee, assigned_hauler_id)
		 VALUES ('J2', 'completed', 'furniture', '40 Oak Ave', '2024-01-03T10:00:00Z', 90.00, 9.00, 'hauler-1')`,
		`INSERT INTO business_bookings (id, business_account_id, service_request_id) VALUES ('bb-1', 'acct-x', 'J1')`,
		`INSERT INTO business_bookings (id, business_account_id, service_request_id) VALUES ('bb-2', 'acct-x', 'J2')`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func newIntegrationService(db *sql.DB, processor billing.PaymentProcessor) *billing.Service {
	return billing.NewService(billing.Dependencies{
		Jobs:      jobs.NewPostgresStore(db, jobs.DefaultConfig()),
		Accounts:  accounts.NewPostgresStore(db),
		Runs:      billing.NewPostgresStore(db),
		Processor: processor,
		Ledger:    ledger.NewPostgresLedger(db),
	}, billing.Options{
		AutoConfirmAfter: 24 * time.Hour,
		ChargeTimeout:    5 * time.Second,
		Currency:         "usd",
		Now:              func() time.Time { return integrationNow },
	})
}

func countRows(t *testing.T, db *sql.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestPostgres_WeeklyBillingLifecycle(t *testing.T) {
	db := setupPostgres(t)
	seed(t, db)
	processor := payments.NewMockProcessor()
	svc := newIntegrationService(db, processor)
	ctx := context.Background()

	result, err := svc.GenerateRun(ctx, "acct-x", integrationWeek, false)
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	assert.Equal(t, billing.RunStatusPending, result.Status)
	assert.Equal(t, 2, result.JobCount)
	assert.Equal(t, billing.Money(24000), result.TotalAmount)

	charge := svc.ChargeRun(ctx, result.RunID)
	require.True(t, charge.Success, charge.Error)
	assert.Equal(t, billing.RunStatusCharged, charge.Status)
	assert.Equal(t, 3, countRows(t, db, `SELECT COUNT(*) FROM ledger_entries WHERE reference_id = $1`, result.RunID))

	again, err := svc.GenerateRun(ctx, "acct-x", integrationWeek, false)
	require.NoError(t, err)
	assert.Empty(t, again.RunID)
	assert.Zero(t, again.JobCount)

	require.NoError(t, svc.VoidRun(ctx, result.RunID, "duplicate invoice"))
	detail, err := svc.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, billing.RunStatusVoid, detail.Run.Status)
	assert.Empty(t, detail.LineItems)
	assert.Len(t, processor.RefundRequests(), 1)
	assert.Equal(t, 5, countRows(t, db, `SELECT COUNT(*) FROM ledger_entries WHERE reference_id = $1`, result.RunID))

	// Voiding releases the jobs for a new run
	rebill, err := svc.GenerateRun(ctx, "acct-x", integrationWeek, false)
	require.NoError(t, err)
	assert.NotEmpty(t, rebill.RunID)
	assert.Equal(t, 2, rebill.JobCount)
}

func TestPostgres_ConcurrentGenerationBillsOnce(t *testing.T) {
	db := setupPostgres(t)
	seed(t, db)
	svc := newIntegrationService(db, payments.NewMockProcessor())

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []string
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.GenerateRun(context.Background(), "acct-x", integrationWeek, false)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if result.RunID != "" {
				created = append(created, result.RunID)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, created, 1)
	for _, err := range errs {
		var race *billing.RaceConditionError
		if assert.True(t, errors.As(err, &race), "unexpected error: %v", err) {
			assert.NotEmpty(t, race.ServiceRequestIDs, "race should be caught by the re-check, not the constraint")
		}
	}
	assert.Equal(t, 2, countRows(t, db, `SELECT COUNT(*) FROM billing_line_items`))
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM weekly_billing_runs WHERE status = 'pending'`))
}

func TestPostgres_CreateRunRecheckSeesRunsCommittedWhileWaitingForLock(t *testing.T) {
	db := setupPostgres(t)
	seed(t, db)
	store := billing.NewPostgresStore(db)
	ctx := context.Background()

	// Hold the account's generation lock from another session
	holder, err := db.Conn(ctx)
	require.NoError(t, err)
	defer holder.Close()
	_, err = holder.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext('acct-x'))`)
	require.NoError(t, err)

	run := &billing.BillingRun{
		ID: "6f1c2b1e-0000-4000-8000-000000000001", BusinessAccountID: "acct-x",
		WeekStart: integrationWeek.Start, WeekEnd: integrationWeek.End, Status: billing.RunStatusPending,
		TotalAmount: 15000, JobCount: 1, ChargeAttempt: 1, CreatedAt: integrationNow,
	}
	items := []billing.LineItem{{
		ID: "6f1c2b1e-0000-4000-8000-000000000002", BillingRunID: run.ID, ServiceRequestID: "J1",
		PropertyAddress: "12 Elm St", ServiceType: "junk_removal", CompletedAt: integrationNow,
		LaborCost: 13500, PlatformFee: 1500, TotalCharge: 15000,
	}}

	done := make(chan error, 1)
	go func() { done <- store.CreateRun(ctx, run, items) }()

	require.Eventually(t, func() bool {
		var waiting int
		err := db.QueryRow(`SELECT COUNT(*) FROM pg_locks WHERE locktype = 'advisory' AND NOT granted`).Scan(&waiting)
		return err == nil && waiting == 1
	}, 10*time.Second, 20*time.Millisecond)

	// Another generation bills J1 and commits while CreateRun waits
	_, err = db.Exec(`INSERT INTO weekly_billing_runs (id, business_account_id, week_start, week_end, status,
			total_amount_cents, job_count, created_at)
		VALUES ('6f1c2b1e-0000-4000-8000-0000000000a1', 'acct-x', $1, $2, 'pending', 15000, 1, $3)`,
		integrationWeek.Start, integrationWeek.End, integrationNow)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO billing_line_items (id, billing_run_id, service_request_id, property_address,
			service_type, completed_at, labor_cost_cents, parts_cost_cents, platform_fee_cents, total_charge_cents)
		VALUES ('6f1c2b1e-0000-4000-8000-0000000000a2', '6f1c2b1e-0000-4000-8000-0000000000a1', 'J1', '12 Elm St',
			'junk_removal', $1, 13500, 0, 1500, 15000)`, integrationNow)
	require.NoError(t, err)

	_, err = holder.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext('acct-x'))`)
	require.NoError(t, err)

	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("CreateRun did not finish after the lock was released")
	}

	var race *billing.RaceConditionError
	require.ErrorAs(t, err, &race)
	assert.Equal(t, []string{"J1"}, race.ServiceRequestIDs, "the in-transaction re-check should name the billed job")
	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM weekly_billing_runs WHERE id = $1`, run.ID))
}

func TestPostgres_VoidRefusesPendingRunWithChargeAttempt(t *testing.T) {
	db := setupPostgres(t)
	seed(t, db)
	svc := newIntegrationService(db, payments.NewMockProcessor())
	store := billing.NewPostgresStore(db)
	ctx := context.Background()

	result, err := svc.GenerateRun(ctx, "acct-x", integrationWeek, false)
	require.NoError(t, err)

	ok, err := store.MarkChargeAttempted(ctx, result.RunID, integrationNow)
	require.NoError(t, err)
	require.True(t, ok)

	err = svc.VoidRun(ctx, result.RunID, "duplicate")
	assert.ErrorIs(t, err, billing.ErrChargeUnsettled)
	assert.Equal(t, 2, countRows(t, db, `SELECT COUNT(*) FROM billing_line_items WHERE billing_run_id = $1`, result.RunID))

	// Settling the charge unblocks the void, which then refunds
	charge := svc.ChargeRun(ctx, result.RunID)
	require.True(t, charge.Success, charge.Error)
	require.NoError(t, svc.VoidRun(ctx, result.RunID, "duplicate"))
	assert.Zero(t, countRows(t, db, `SELECT COUNT(*) FROM billing_line_items WHERE billing_run_id = $1`, result.RunID))
}
