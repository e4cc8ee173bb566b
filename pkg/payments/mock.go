package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/platinummonkey/billrun/pkg/billing"
)

// MockProcessor is an in-memory payment processor for development and tests.
// It honours idempotency keys the way Stripe does: a repeated key returns the
// original charge or refund without creating another.
type MockProcessor struct {
	// CreateChargeFunc overrides the default charge behaviour
	CreateChargeFunc func(ctx context.Context, req billing.ChargeRequest) (*billing.Charge, error)

	// CreateRefundFunc overrides the default refund behaviour
	CreateRefundFunc func(ctx context.Context, req billing.RefundRequest) (*billing.Refund, error)

	mu        sync.Mutex
	charges   map[string]*billing.Charge
	refunds   map[string]*billing.Refund
	callLog   []string
	chargeReq []billing.ChargeRequest
	refundReq []billing.RefundRequest
}

var _ billing.PaymentProcessor = (*MockProcessor)(nil)

// NewMockProcessor creates a processor whose charges and refunds always succeed
func NewMockProcessor() *MockProcessor {
	return &MockProcessor{
		charges: make(map[string]*billing.Charge),
		refunds: make(map[string]*billing.Refund),
	}
}

// CreateCharge records the request and returns a charge
func (m *MockProcessor) CreateCharge(ctx context.Context, req billing.ChargeRequest) (*billing.Charge, error) {
	m.mu.Lock()
	m.callLog = append(m.callLog, fmt.Sprintf("CreateCharge(%d, %s)", req.Amount.Cents(), req.IdempotencyKey))
	m.chargeReq = append(m.chargeReq, req)
	if existing, ok := m.charges[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		m.mu.Unlock()
		return existing, nil
	}
	fn := m.CreateChargeFunc
	m.mu.Unlock()

	var (
		charge *billing.Charge
		err    error
	)
	if fn != nil {
		charge, err = fn(ctx, req)
	} else {
		charge = &billing.Charge{Ref: "pi_" + uuid.NewString(), Amount: req.Amount, Status: "succeeded"}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if req.IdempotencyKey != "" {
		m.charges[req.IdempotencyKey] = charge
	}
	m.mu.Unlock()
	return charge, nil
}

// CreateRefund records the request and returns a refund
func (m *MockProcessor) CreateRefund(ctx context.Context, req billing.RefundRequest) (*billing.Refund, error) {
	m.mu.Lock()
	m.callLog = append(m.callLog, fmt.Sprintf("CreateRefund(%s, %s)", req.ChargeRef, req.Reason))
	m.refundReq = append(m.refundReq, req)
	if existing, ok := m.refunds[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		m.mu.Unlock()
		return existing, nil
	}
	fn := m.CreateRefundFunc
	m.mu.Unlock()

	var (
		r   *billing.Refund
		err error
	)
	if fn != nil {
		r, err = fn(ctx, req)
	} else {
		r = &billing.Refund{Ref: "re_" + uuid.NewString(), Amount: req.Amount, Status: "succeeded"}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if req.IdempotencyKey != "" {
		m.refunds[req.IdempotencyKey] = r
	}
	m.mu.Unlock()
	return r, nil
}

// CallLog returns the calls made so far
func (m *MockProcessor) CallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.callLog...)
}

// ChargeRequests returns every charge request received
func (m *MockProcessor) ChargeRequests() []billing.ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]billing.ChargeRequest(nil), m.chargeReq...)
}

// RefundRequests returns every refund request received
func (m *MockProcessor) RefundRequests() []billing.RefundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]billing.RefundRequest(nil), m.refundReq...)
}
