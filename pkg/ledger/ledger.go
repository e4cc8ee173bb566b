// Package ledger writes balanced double-entry journal entries for billing
// money movements.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/billrun/pkg/billing"
)

// Direction is the side of a journal line
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Chart of accounts used by weekly billing
const (
	AccountCash             = "cash_stripe"
	AccountPlatformRevenue  = "platform_fee_revenue"
	AccountProPayable       = "pro_payouts_payable"
	AccountRefundsIssued    = "refunds_issued"
	ReferenceTypeBillingRun = "weekly_billing_run"
)

var (
	ErrInvalidEntryLines = errors.New("ledger: an entry needs at least two lines")
	ErrInvalidLineAmount = errors.New("ledger: line amounts must not be negative")
	ErrInvalidDirection  = errors.New("ledger: unknown line direction")
	ErrUnbalancedEntry   = errors.New("ledger: debits and credits do not balance")
)

// Line is one side of a journal entry
type Line struct {
	Account   string
	Direction Direction
	Amount    billing.Money
}

// Entry is a balanced set of lines recorded as one transaction
type Entry struct {
	ID            string
	ReferenceType string
	ReferenceID   string
	Description   string
	Lines         []Line
	CreatedAt     time.Time
}

// ValidateBalanced ensures lines form a balanced double-entry posting
func ValidateBalanced(lines []Line) error {
	if len(lines) < 2 {
		return ErrInvalidEntryLines
	}

	var debits, credits billing.Money
	for _, line := range lines {
		if line.Amount < 0 {
			return ErrInvalidLineAmount
		}
		switch line.Direction {
		case Debit:
			debits += line.Amount
		case Credit:
			credits += line.Amount
		default:
			return ErrInvalidDirection
		}
	}

	if debits != credits {
		return ErrUnbalancedEntry
	}
	return nil
}

// ChargeEntry builds the entry for a charged run: cash in, split between
// platform fee revenue and the amount owed to pros.
func ChargeEntry(run *billing.BillingRun, items []billing.LineItem) Entry {
	var fees billing.Money
	for _, item := range items {
		fees += item.PlatformFee
	}
	if fees > run.TotalAmount {
		fees = run.TotalAmount
	}

	return Entry{
		ReferenceType: ReferenceTypeBillingRun,
		ReferenceID:   run.ID,
		Description:   fmt.Sprintf("Weekly billing charge %s (%d jobs)", run.ExternalChargeRef, run.JobCount),
		Lines: []Line{
			{Account: AccountCash, Direction: Debit, Amount: run.TotalAmount},
			{Account: AccountPlatformRevenue, Direction: Credit, Amount: fees},
			{Account: AccountProPayable, Direction: Credit, Amount: run.TotalAmount - fees},
		},
	}
}

// RefundEntry builds the entry for a refunded run
func RefundEntry(run *billing.BillingRun, reason string) Entry {
	return Entry{
		ReferenceType: ReferenceTypeBillingRun,
		ReferenceID:   run.ID,
		Description:   fmt.Sprintf("Weekly billing refund %s: %s", run.ExternalChargeRef, reason),
		Lines: []Line{
			{Account: AccountRefundsIssued, Direction: Debit, Amount: run.TotalAmount},
			{Account: AccountCash, Direction: Credit, Amount: run.TotalAmount},
		},
	}
}

// PostgresLedger implements billing.Ledger on PostgreSQL
type PostgresLedger struct {
	db  *sql.DB
	now func() time.Time
}

var _ billing.Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger creates a new PostgresLedger
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

// RecordCharge records the journal entry for a charged run
func (l *PostgresLedger) RecordCharge(ctx context.Context, run *billing.BillingRun, items []billing.LineItem) error {
	return l.Record(ctx, ChargeEntry(run, items))
}

// RecordRefund records the journal entry for a refunded run
func (l *PostgresLedger) RecordRefund(ctx context.Context, run *billing.BillingRun, reason string) error {
	return l.Record(ctx, RefundEntry(run, reason))
}

// Record validates and inserts an entry's lines in one transaction.
// Zero-amount lines are kept so every entry has the same shape.
func (l *PostgresLedger) Record(ctx context.Context, entry Entry) error {
	if err := ValidateBalanced(entry.Lines); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, line := range entry.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, transaction_id, account, direction, amount_cents,
				reference_type, reference_id, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			uuid.NewString(), entry.ID, line.Account, line.Direction, line.Amount.Cents(),
			entry.ReferenceType, entry.ReferenceID, entry.Description, entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert ledger line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger entry: %w", err)
	}
	return nil
}
