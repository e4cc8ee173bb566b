package accounts

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billrun/pkg/billing"
)

var columns = []string{
	"id", "business_name", "stripe_customer_id", "stripe_payment_method_id",
	"auto_billing_enabled", "billing_contact_email", "primary_contact_email",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestGetAccount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM business_accounts WHERE id").
		WithArgs("acct-x").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("acct-x", "Acme Property Mgmt", "cus_123", nil, true, nil, "ops@acme.test"))

	account, err := store.GetAccount(context.Background(), "acct-x")
	require.NoError(t, err)
	assert.Equal(t, "Acme Property Mgmt", account.BusinessName)
	assert.Equal(t, "cus_123", account.ExternalCustomerRef)
	assert.Empty(t, account.PaymentMethodRef)
	assert.True(t, account.AutoBillingEnabled)
	assert.Equal(t, "ops@acme.test", account.ContactEmail())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccount_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM business_accounts WHERE id").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetAccount(context.Background(), "nope")
	assert.ErrorIs(t, err, billing.ErrNotFound)
	var nf *billing.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "nope", nf.ID)
}

func TestGetAccount_Error(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM business_accounts").WillReturnError(errors.New("connection refused"))

	_, err := store.GetAccount(context.Background(), "acct-x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, billing.ErrNotFound))
}

func TestListAutoBillingEnabledAccounts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("WHERE auto_billing_enabled = TRUE").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("acct-a", "A", "cus_a", "pm_a", true, "billing@a.test", nil).
			AddRow("acct-b", "B", "cus_b", "pm_b", true, nil, nil))

	accounts, err := store.ListAutoBillingEnabledAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "acct-a", accounts[0].ID)
	assert.Equal(t, "billing@a.test", accounts[0].BillingContactEmail)
	assert.Equal(t, "pm_b", accounts[1].PaymentMethodRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAutoBillingEnabledAccounts_Empty(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("WHERE auto_billing_enabled = TRUE").WillReturnRows(sqlmock.NewRows(columns))

	accounts, err := store.ListAutoBillingEnabledAccounts(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, accounts)
	assert.Empty(t, accounts)
}
