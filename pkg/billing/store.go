package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

// PostgresStore implements RunStore on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const runColumns = `id, business_account_id, week_start, week_end, status, total_amount_cents,
	job_count, dry_run, charge_attempt, external_charge_ref, error_message, created_at, processed_at,
	charge_attempted_at`

const lineItemColumns = `id, billing_run_id, service_request_id, business_booking_id, property_address,
	service_type, completed_at, customer_signoff_at, labor_cost_cents, parts_cost_cents,
	platform_fee_cents, total_charge_cents, pro_name`

// BilledServiceRequestIDs returns which of the given service requests already have a line item
func (s *PostgresStore) BilledServiceRequestIDs(ctx context.Context, serviceRequestIDs []string) (map[string]bool, error) {
	billed := make(map[string]bool)
	if len(serviceRequestIDs) == 0 {
		return billed, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT service_request_id FROM billing_line_items WHERE service_request_id = ANY($1)`,
		pq.Array(serviceRequestIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query billed service requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan service request id: %w", err)
		}
		billed[id] = true
	}
	return billed, rows.Err()
}

// CreateRun inserts a run and its line items in one transaction.
// Generations for the same account are serialized with a transaction-scoped
// advisory lock, and every item's service request is re-checked inside the
// transaction before anything is written.
//
// The transaction runs at READ COMMITTED so the re-check, issued after the
// lock is granted, reads a fresh snapshot that includes line items committed
// by the generation that held the lock. The unique constraint on
// service_request_id still rejects anything the re-check cannot see.
func (s *PostgresStore) CreateRun(ctx context.Context, run *BillingRun, items []LineItem) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, run.BusinessAccountID); err != nil {
		return classifyWriteError("failed to lock account", err)
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ServiceRequestID)
	}

	if len(ids) > 0 {
		rows, err := tx.QueryContext(ctx,
			`SELECT service_request_id FROM billing_line_items WHERE service_request_id = ANY($1) FOR UPDATE`,
			pq.Array(ids),
		)
		if err != nil {
			return classifyWriteError("failed to re-check billed jobs", err)
		}
		var already []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan billed job: %w", err)
			}
			already = append(already, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return classifyWriteError("failed to re-check billed jobs", err)
		}
		rows.Close()

		if len(already) > 0 {
			sort.Strings(already)
			return &RaceConditionError{ServiceRequestIDs: already}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO weekly_billing_runs (id, business_account_id, week_start, week_end, status,
			total_amount_cents, job_count, dry_run, charge_attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.BusinessAccountID, run.WeekStart, run.WeekEnd, run.Status,
		run.TotalAmount.Cents(), run.JobCount, run.DryRun, run.ChargeAttempt, run.CreatedAt,
	)
	if err != nil {
		return classifyWriteError("failed to insert billing run", err)
	}

	if !run.DryRun {
		for _, item := range items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO billing_line_items (`+lineItemColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				item.ID, run.ID, item.ServiceRequestID, nullString(item.BusinessBookingID), item.PropertyAddress,
				item.ServiceType, item.CompletedAt, nullTime(item.CustomerSignoffAt), item.LaborCost.Cents(),
				item.PartsCost.Cents(), item.PlatformFee.Cents(), item.TotalCharge.Cents(), nullString(item.ProName),
			)
			if err != nil {
				return classifyWriteError("failed to insert line item", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyWriteError("failed to commit billing run", err)
	}
	return nil
}

// GetRun retrieves a billing run by id
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*BillingRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM weekly_billing_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "billing run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing run: %w", err)
	}
	return run, nil
}

// ListLineItems returns a run's line items in completion order
func (s *PostgresStore) ListLineItems(ctx context.Context, runID string) ([]LineItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lineItemColumns+` FROM billing_line_items WHERE billing_run_id = $1 ORDER BY completed_at, service_request_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	defer rows.Close()

	items := []LineItem{}
	for rows.Next() {
		var (
			item                     LineItem
			bookingID, proName       sql.NullString
			signoff                  sql.NullTime
			labor, parts, fee, total int64
		)
		if err := rows.Scan(&item.ID, &item.BillingRunID, &item.ServiceRequestID, &bookingID, &item.PropertyAddress,
			&item.ServiceType, &item.CompletedAt, &signoff, &labor, &parts, &fee, &total, &proName); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		item.BusinessBookingID = bookingID.String
		item.ProName = proName.String
		if signoff.Valid {
			t := signoff.Time
			item.CustomerSignoffAt = &t
		}
		item.LaborCost, item.PartsCost, item.PlatformFee, item.TotalCharge = Money(labor), Money(parts), Money(fee), Money(total)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListRunsForAccount returns an account's runs, newest first
func (s *PostgresStore) ListRunsForAccount(ctx context.Context, accountID string, limit int) ([]BillingRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM weekly_billing_runs WHERE business_account_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		accountID, limit,
	)
}

// ListStalePendingRuns returns pending runs created before createdBefore, oldest first
func (s *PostgresStore) ListStalePendingRuns(ctx context.Context, createdBefore time.Time, limit int) ([]BillingRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM weekly_billing_runs WHERE status = $1 AND created_at < $2 ORDER BY created_at, id LIMIT $3`,
		RunStatusPending, createdBefore, limit,
	)
}

// MarkChargeAttempted stamps charge_attempted_at on a pending run
func (s *PostgresStore) MarkChargeAttempted(ctx context.Context, runID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE weekly_billing_runs
		SET charge_attempted_at = COALESCE(charge_attempted_at, $1)
		WHERE id = $2 AND status = $3`,
		at, runID, RunStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record charge attempt: %w", err)
	}
	return affectedOne(result)
}

// RequeueFailed moves a failed run back to pending under a new charge attempt
func (s *PostgresStore) RequeueFailed(ctx context.Context, runID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE weekly_billing_runs
		SET status = $1, charge_attempt = charge_attempt + 1, charge_attempted_at = NULL,
			error_message = NULL, processed_at = NULL
		WHERE id = $2 AND status = $3`,
		RunStatusPending, runID, RunStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to requeue billing run: %w", err)
	}
	return affectedOne(result)
}

// MarkCharged moves a pending run to charged
func (s *PostgresStore) MarkCharged(ctx context.Context, runID, chargeRef string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE weekly_billing_runs
		SET status = $1, external_charge_ref = $2, error_message = NULL, processed_at = $3
		WHERE id = $4 AND status = $5`,
		RunStatusCharged, chargeRef, at, runID, RunStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark billing run charged: %w", err)
	}
	return affectedOne(result)
}

// MarkFailed moves a pending run to failed
func (s *PostgresStore) MarkFailed(ctx context.Context, runID, message string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE weekly_billing_runs
		SET status = $1, error_message = $2, processed_at = $3
		WHERE id = $4 AND status = $5`,
		RunStatusFailed, message, at, runID, RunStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark billing run failed: %w", err)
	}
	return affectedOne(result)
}

// VoidRun moves a run from the given status to void and deletes its line items
func (s *PostgresStore) VoidRun(ctx context.Context, runID string, from RunStatus, reason string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// A pending run with a charge attempt on record may already be paid.
	result, err := tx.ExecContext(ctx, `
		UPDATE weekly_billing_runs
		SET status = $1, error_message = $2, processed_at = $3
		WHERE id = $4 AND status = $5
		  AND (status <> $6 OR charge_attempted_at IS NULL)`,
		RunStatusVoid, reason, at, runID, from, RunStatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to void billing run: %w", err)
	}
	updated, err := affectedOne(result)
	if err != nil {
		return 0, err
	}
	if !updated {
		return 0, &PreconditionError{Message: fmt.Sprintf("billing run is no longer %s or has an unsettled charge", from)}
	}

	result, err = tx.ExecContext(ctx, `DELETE FROM billing_line_items WHERE billing_run_id = $1`, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete line items: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted line items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit void: %w", err)
	}
	return int(deleted), nil
}

func (s *PostgresStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]BillingRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing runs: %w", err)
	}
	defer rows.Close()

	runs := []BillingRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*BillingRun, error) {
	var (
		run               BillingRun
		total             int64
		chargeRef, errMsg      sql.NullString
		processedAt, attempted sql.NullTime
	)
	err := row.Scan(&run.ID, &run.BusinessAccountID, &run.WeekStart, &run.WeekEnd, &run.Status, &total,
		&run.JobCount, &run.DryRun, &run.ChargeAttempt, &chargeRef, &errMsg, &run.CreatedAt, &processedAt,
		&attempted)
	if err != nil {
		return nil, err
	}
	run.TotalAmount = Money(total)
	run.ExternalChargeRef = chargeRef.String
	run.ErrorMessage = errMsg.String
	if processedAt.Valid {
		t := processedAt.Time
		run.ProcessedAt = &t
	}
	if attempted.Valid {
		t := attempted.Time
		run.ChargeAttemptedAt = &t
	}
	return &run, nil
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// classifyWriteError maps unique violations, serialization failures and
// deadlocks to *RaceConditionError.
func classifyWriteError(msg string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgerrcode.UniqueViolation, pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return &RaceConditionError{Err: err}
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
