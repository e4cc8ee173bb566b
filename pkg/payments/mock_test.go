package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billrun/pkg/billing"
)

func TestMockProcessor_IdempotentCharge(t *testing.T) {
	m := NewMockProcessor()
	ctx := context.Background()
	req := billing.ChargeRequest{Amount: 5000, IdempotencyKey: "billing-run-1-1"}

	first, err := m.CreateCharge(ctx, req)
	require.NoError(t, err)
	second, err := m.CreateCharge(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Ref, second.Ref)
	assert.Len(t, m.ChargeRequests(), 2)

	req.IdempotencyKey = "billing-run-1-2"
	third, err := m.CreateCharge(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Ref, third.Ref)
}

func TestMockProcessor_ChargeOverride(t *testing.T) {
	m := NewMockProcessor()
	calls := 0
	m.CreateChargeFunc = func(ctx context.Context, req billing.ChargeRequest) (*billing.Charge, error) {
		calls++
		return nil, &billing.PaymentDeclinedError{Code: "card_declined"}
	}

	req := billing.ChargeRequest{Amount: 5000, IdempotencyKey: "k"}
	_, err := m.CreateCharge(context.Background(), req)
	var declined *billing.PaymentDeclinedError
	assert.True(t, errors.As(err, &declined))

	// Failures are not remembered against the key
	_, err = m.CreateCharge(context.Background(), req)
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestMockProcessor_Refund(t *testing.T) {
	m := NewMockProcessor()
	ctx := context.Background()
	req := billing.RefundRequest{ChargeRef: "pi_1", Amount: 5000, Reason: "requested_by_customer", IdempotencyKey: "void-run-1"}

	first, err := m.CreateRefund(ctx, req)
	require.NoError(t, err)
	second, err := m.CreateRefund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Ref, second.Ref)
	assert.Equal(t, billing.Money(5000), first.Amount)

	assert.Equal(t, []string{
		"CreateRefund(pi_1, requested_by_customer)",
		"CreateRefund(pi_1, requested_by_customer)",
	}, m.CallLog())
	assert.Len(t, m.RefundRequests(), 2)
}
