// Package accounts reads business accounts for billing.
package accounts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/billrun/pkg/billing"
)

// PostgresStore implements billing.AccountStore on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

var _ billing.AccountStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, business_name, stripe_customer_id, stripe_payment_method_id,
	auto_billing_enabled, billing_contact_email, primary_contact_email`

// GetAccount retrieves a business account
func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM business_accounts WHERE id = $1`, accountID)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, &billing.NotFoundError{Resource: "business account", ID: accountID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get business account: %w", err)
	}
	return account, nil
}

// ListAutoBillingEnabledAccounts returns every account enrolled in weekly billing
func (s *PostgresStore) ListAutoBillingEnabledAccounts(ctx context.Context) ([]billing.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM business_accounts WHERE auto_billing_enabled = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list business accounts: %w", err)
	}
	defer rows.Close()

	accounts := []billing.Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan business account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*billing.Account, error) {
	var (
		account                       billing.Account
		customerRef, paymentMethodRef sql.NullString
		billingEmail, primaryEmail    sql.NullString
	)
	if err := row.Scan(&account.ID, &account.BusinessName, &customerRef, &paymentMethodRef,
		&account.AutoBillingEnabled, &billingEmail, &primaryEmail); err != nil {
		return nil, err
	}
	account.ExternalCustomerRef = customerRef.String
	account.PaymentMethodRef = paymentMethodRef.String
	account.BillingContactEmail = billingEmail.String
	account.PrimaryContactEmail = primaryEmail.String
	return &account, nil
}
