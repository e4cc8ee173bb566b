package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"

	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// StripeConfig holds Stripe settings
type StripeConfig struct {
	SecretKey string
	// Timeout bounds each HTTP request to Stripe.
	Timeout time.Duration
	// BaseURL overrides the API endpoint, for stripe-mock or tests.
	BaseURL string
}

// StripeProcessor implements billing.PaymentProcessor with Stripe PaymentIntents
type StripeProcessor struct {
	paymentIntents *paymentintent.Client
	refunds        *refund.Client
	logger         *observability.Logger
}

var _ billing.PaymentProcessor = (*StripeProcessor)(nil)

// NewStripeProcessor creates a Stripe-backed processor. Network retries are
// disabled: a charge is attempted once per call.
func NewStripeProcessor(cfg StripeConfig, logger *observability.Logger) (*StripeProcessor, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &StripeProcessor{
		paymentIntents: &paymentintent.Client{B: backend, Key: cfg.SecretKey},
		refunds:        &refund.Client{B: backend, Key: cfg.SecretKey},
		logger:         logger.WithField("component", "stripe"),
	}, nil
}

// CreateCharge confirms an off-session PaymentIntent for the full amount
func (p *StripeProcessor) CreateCharge(ctx context.Context, req billing.ChargeRequest) (*billing.Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount.Cents()),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.paymentIntents.New(params)
	if err != nil {
		return nil, classifyChargeError(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &billing.Charge{Ref: pi.ID, Amount: billing.Money(pi.Amount), Status: string(pi.Status)}, nil
	case stripe.PaymentIntentStatusProcessing:
		return nil, fmt.Errorf("%w: payment intent %s is still processing", billing.ErrOutcomeUnknown, pi.ID)
	case stripe.PaymentIntentStatusRequiresAction:
		return nil, &billing.PaymentDeclinedError{
			Code:    "authentication_required",
			Message: fmt.Sprintf("payment intent %s requires customer authentication", pi.ID),
		}
	default:
		return nil, &billing.PaymentDeclinedError{
			Code:    string(pi.Status),
			Message: fmt.Sprintf("payment intent %s ended in status %s", pi.ID, pi.Status),
		}
	}
}

// CreateRefund refunds a PaymentIntent
func (p *StripeProcessor) CreateRefund(ctx context.Context, req billing.RefundRequest) (*billing.Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ChargeRef),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount.Cents())
	}
	if req.Reason != "" {
		params.Reason = stripe.String(req.Reason)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	r, err := p.refunds.New(params)
	if err != nil {
		p.logger.WithError(err).WithField("charge_ref", req.ChargeRef).Warn("Stripe refund failed")
		return nil, fmt.Errorf("stripe refund failed: %w", err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return nil, fmt.Errorf("stripe refund %s ended in status %s", r.ID, r.Status)
	}

	return &billing.Refund{Ref: r.ID, Amount: billing.Money(r.Amount), Status: string(r.Status)}, nil
}

// classifyChargeError maps Stripe errors onto the billing error taxonomy
func classifyChargeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// Transport failure or context deadline: the request may have reached Stripe.
		return fmt.Errorf("%w: %w", billing.ErrOutcomeUnknown, err)
	}

	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		return &billing.PaymentDeclinedError{
			Code:        string(stripeErr.Code),
			DeclineCode: string(stripeErr.DeclineCode),
			Message:     stripeErr.Msg,
		}
	case stripeErr.Type == stripe.ErrorTypeIdempotency,
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", billing.ErrOutcomeUnknown, err)
	default:
		return fmt.Errorf("stripe charge failed: %w", err)
	}
}
