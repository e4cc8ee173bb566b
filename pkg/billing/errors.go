package billing

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is matching
var (
	ErrValidation      = errors.New("validation failed")
	ErrRaceCondition   = errors.New("concurrent billing detected")
	ErrNotFound        = errors.New("not found")
	ErrPrecondition    = errors.New("precondition failed")
	ErrPaymentDeclined = errors.New("payment declined")
	ErrRefundFailed    = errors.New("refund failed")

	// ErrAlreadyVoided is wrapped by the PreconditionError returned when voiding a void run
	ErrAlreadyVoided = errors.New("already voided")

	// ErrChargeUnsettled is wrapped by the PreconditionError returned when a
	// pending run has a charge attempt whose outcome is not yet known.
	ErrChargeUnsettled = errors.New("charge outcome not yet settled")

	// ErrOutcomeUnknown marks processor calls whose result could not be determined,
	// such as timeouts or dropped connections.
	ErrOutcomeUnknown = errors.New("payment outcome unknown")
)

// ValidationError reports malformed input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RaceConditionError reports that a concurrent generation already billed some candidates
type RaceConditionError struct {
	ServiceRequestIDs []string
	Err               error
}

func (e *RaceConditionError) Error() string {
	if len(e.ServiceRequestIDs) > 0 {
		return fmt.Sprintf("concurrent billing detected: jobs already billed: %s", strings.Join(e.ServiceRequestIDs, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("concurrent billing detected: %v", e.Err)
	}
	return ErrRaceCondition.Error()
}

func (e *RaceConditionError) Is(target error) bool { return target == ErrRaceCondition }

func (e *RaceConditionError) Unwrap() error { return e.Err }

// NotFoundError reports a missing run or account
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PreconditionError reports an operation requested against a run in the wrong state
type PreconditionError struct {
	Message string
	Err     error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPrecondition }

func (e *PreconditionError) Unwrap() error { return e.Err }

// PaymentDeclinedError reports that the processor rejected a charge
type PaymentDeclinedError struct {
	Code        string
	DeclineCode string
	Message     string
}

func (e *PaymentDeclinedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "card declined"
	}
	if e.DeclineCode != "" {
		return fmt.Sprintf("payment declined: %s (%s)", msg, e.DeclineCode)
	}
	return fmt.Sprintf("payment declined: %s", msg)
}

func (e *PaymentDeclinedError) Is(target error) bool { return target == ErrPaymentDeclined }

// RefundFailedError reports that the processor rejected a refund during void
type RefundFailedError struct {
	ChargeRef string
	Err       error
}

func (e *RefundFailedError) Error() string {
	return fmt.Sprintf("refund of %s failed: %v", e.ChargeRef, e.Err)
}

func (e *RefundFailedError) Is(target error) bool { return target == ErrRefundFailed }

func (e *RefundFailedError) Unwrap() error { return e.Err }

// IsOutcomeUnknown reports whether err leaves a processor call's result undetermined
func IsOutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown)
}
