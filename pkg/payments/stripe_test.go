package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/observability"
)

type capturedRequest struct {
	path           string
	idempotencyKey string
	form           map[string]string
}

type stripeStub struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
	delay    time.Duration
}

func (s *stripeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	s.mu.Lock()
	s.requests = append(s.requests, capturedRequest{
		path:           r.URL.Path,
		idempotencyKey: r.Header.Get("Idempotency-Key"),
		form:           form,
	})
	status, body, delay := s.status, s.body, s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (s *stripeStub) last(t *testing.T) capturedRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.requests)
	return s.requests[len(s.requests)-1]
}

func newStripeTest(t *testing.T, stub *stripeStub, timeout time.Duration) *StripeProcessor {
	t.Helper()
	server := httptest.NewServer(stub)
	t.Cleanup(server.Close)

	p, err := NewStripeProcessor(StripeConfig{
		SecretKey: "sk_test_123",
		Timeout:   timeout,
		BaseURL:   server.URL,
	}, observability.NewNopLogger())
	require.NoError(t, err)
	return p
}

func chargeRequest() billing.ChargeRequest {
	return billing.ChargeRequest{
		Amount:           24000,
		Currency:         "usd",
		CustomerRef:      "cus_123",
		PaymentMethodRef: "pm_123",
		IdempotencyKey:   "billing-run-1-1",
		Description:      "Weekly Invoice - Week of Jan 1, 2024",
		Metadata:         map[string]string{"billing_run_id": "run-1"},
	}
}

func TestNewStripeProcessor_RequiresKey(t *testing.T) {
	_, err := NewStripeProcessor(StripeConfig{}, observability.NewNopLogger())
	assert.Error(t, err)
}

func TestStripeProcessor_CreateCharge(t *testing.T) {
	t.Run("succeeded", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusOK,
			body:   `{"id":"pi_1","object":"payment_intent","amount":24000,"currency":"usd","status":"succeeded"}`,
		}
		p := newStripeTest(t, stub, time.Second)

		charge, err := p.CreateCharge(context.Background(), chargeRequest())
		require.NoError(t, err)
		assert.Equal(t, "pi_1", charge.Ref)
		assert.Equal(t, billing.Money(24000), charge.Amount)

		req := stub.last(t)
		assert.Equal(t, "/v1/payment_intents", req.path)
		assert.Equal(t, "billing-run-1-1", req.idempotencyKey)
		assert.Equal(t, "24000", req.form["amount"])
		assert.Equal(t, "cus_123", req.form["customer"])
		assert.Equal(t, "pm_123", req.form["payment_method"])
		assert.Equal(t, "true", req.form["confirm"])
		assert.Equal(t, "true", req.form["off_session"])
		assert.Equal(t, "run-1", req.form["metadata[billing_run_id]"])
	})

	t.Run("card declined", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusPaymentRequired,
			body:   `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`,
		}
		p := newStripeTest(t, stub, time.Second)

		_, err := p.CreateCharge(context.Background(), chargeRequest())
		var declined *billing.PaymentDeclinedError
		require.True(t, errors.As(err, &declined), "got %v", err)
		assert.Equal(t, "card_declined", declined.Code)
		assert.Equal(t, "insufficient_funds", declined.DeclineCode)
		assert.False(t, errors.Is(err, billing.ErrOutcomeUnknown))
	})

	t.Run("server error is unknown", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusInternalServerError,
			body:   `{"error":{"type":"api_error","message":"Something went wrong"}}`,
		}
		p := newStripeTest(t, stub, time.Second)

		_, err := p.CreateCharge(context.Background(), chargeRequest())
		assert.ErrorIs(t, err, billing.ErrOutcomeUnknown)
	})

	t.Run("rate limit is unknown", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusTooManyRequests,
			body:   `{"error":{"type":"invalid_request_error","code":"rate_limit","message":"Too many requests"}}`,
		}
		p := newStripeTest(t, stub, time.Second)

		_, err := p.CreateCharge(context.Background(), chargeRequest())
		assert.ErrorIs(t, err, billing.ErrOutcomeUnknown)
	})

	t.Run("invalid request is a definite failure", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusBadRequest,
			body:   `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such customer"}}`,
		}
		p := newStripeTest(t, stub, time.Second)

		_, err := p.CreateCharge(context.Background(), chargeRequest())
		require.Error(t, err)
		assert.False(t, errors.Is(err, billing.ErrOutcomeUnknown))
		var declined *billing.PaymentDeclinedError
		assert.False(t, errors.As(err, &declined))
	})

	t.Run("timeout is unknown", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusOK,
			body:   `{"id":"pi_1","object":"payment_intent","amount":24000,"status":"succeeded"}`,
			delay:  300 * time.Millisecond,
		}
		p := newStripeTest(t, stub, 50*time.Millisecond)

		_, err := p.CreateCharge(context.Background(), chargeRequest())
		assert.ErrorIs(t, err, billing.ErrOutcomeUnknown)
	})

	t.Run("processing is unknown", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusOK,
			body:   `{"id":"pi_2","object":"payment_intent","amount":24000,"status":"processing"}`,
		}
		p := newStripeTest(t, stub, time.Second)

		_, err := p.CreateCharge(context.Background(), chargeRequest())
		assert.ErrorIs(t, err, billing.ErrOutcomeUnknown)
	})

	t.Run("requires action is declined", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusOK,
			body:   `{"id":"pi_3","object":"payment_intent","amount":24000,"status":"requires_action"}`,
		}
		p := newStripeTest(t, stub, time.Second)

		_, err := p.CreateCharge(context.Background(), chargeRequest())
		var declined *billing.PaymentDeclinedError
		require.True(t, errors.As(err, &declined))
		assert.Equal(t, "authentication_required", declined.Code)
	})
}

func TestStripeProcessor_CreateRefund(t *testing.T) {
	t.Run("succeeded", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusOK,
			body:   `{"id":"re_1","object":"refund","amount":24000,"status":"succeeded"}`,
		}
		p := newStripeTest(t, stub, time.Second)

		r, err := p.CreateRefund(context.Background(), billing.RefundRequest{
			ChargeRef:      "pi_1",
			Amount:         24000,
			Reason:         "requested_by_customer",
			IdempotencyKey: "void-run-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "re_1", r.Ref)

		req := stub.last(t)
		assert.Equal(t, "/v1/refunds", req.path)
		assert.Equal(t, "void-run-1", req.idempotencyKey)
		assert.Equal(t, "pi_1", req.form["payment_intent"])
		assert.Equal(t, "requested_by_customer", req.form["reason"])
	})

	t.Run("failed status", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusOK,
			body:   `{"id":"re_2","object":"refund","amount":24000,"status":"failed"}`,
		}
		p := newStripeTest(t, stub, time.Second)

		_, err := p.CreateRefund(context.Background(), billing.RefundRequest{ChargeRef: "pi_1"})
		assert.Error(t, err)
	})

	t.Run("api error", func(t *testing.T) {
		stub := &stripeStub{
			status: http.StatusBadRequest,
			body:   `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"Charge has already been refunded."}}`,
		}
		p := newStripeTest(t, stub, time.Second)

		_, err := p.CreateRefund(context.Background(), billing.RefundRequest{ChargeRef: "pi_1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stripe refund failed")
	})
}
