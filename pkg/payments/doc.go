// Package payments implements billing.PaymentProcessor.
//
// StripeProcessor creates off-session PaymentIntents against the customer's
// saved payment method and refunds them. Every charge carries the caller's
// idempotency key, so replaying a request returns the original PaymentIntent.
//
// Errors are classified for the billing engine:
//
//   - card errors become *billing.PaymentDeclinedError
//   - timeouts, network failures, 5xx responses, rate limits and idempotency
//     conflicts match billing.ErrOutcomeUnknown
//   - anything else is a definite failure
//
// MockProcessor is an in-memory processor for development and tests.
package payments
