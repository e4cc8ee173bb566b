package billing

import (
	"time"
)

// RunStatus represents the lifecycle state of a billing run
type RunStatus string

const (
	RunStatusDraft   RunStatus = "draft"
	RunStatusPending RunStatus = "pending"
	RunStatusCharged RunStatus = "charged"
	RunStatusFailed  RunStatus = "failed"
	RunStatusVoid    RunStatus = "void"
)

// Job statuses, dispute statuses and parts-request statuses owned by the
// marketplace. Only the values the evaluator reasons about are listed.
const (
	JobStatusCompleted = "completed"

	DisputeStatusNeedsResponse = "needs_response"
	DisputeStatusUnderReview   = "under_review"

	PartsStatusInstalled = "installed"
	PartsStatusDenied    = "denied"
)

// BillingRun is one billing attempt for one account over one week
type BillingRun struct {
	ID                string     `json:"id"`
	BusinessAccountID string     `json:"business_account_id"`
	WeekStart         time.Time  `json:"week_start"`
	WeekEnd           time.Time  `json:"week_end"`
	Status            RunStatus  `json:"status"`
	TotalAmount       Money      `json:"total_amount_cents"`
	JobCount          int        `json:"job_count"`
	DryRun            bool       `json:"dry_run"`
	ChargeAttempt     int        `json:"charge_attempt"`
	ChargeAttemptedAt *time.Time `json:"charge_attempted_at,omitempty"`
	ExternalChargeRef string     `json:"external_charge_ref,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
}

// Window returns the run's billing window
func (r *BillingRun) Window() Window {
	return Window{Start: r.WeekStart, End: r.WeekEnd}
}

// LineItem is the billing record for a single job
type LineItem struct {
	ID                string     `json:"id"`
	BillingRunID      string     `json:"billing_run_id"`
	ServiceRequestID  string     `json:"service_request_id"`
	BusinessBookingID string     `json:"business_booking_id,omitempty"`
	PropertyAddress   string     `json:"property_address"`
	ServiceType       string     `json:"service_type"`
	CompletedAt       time.Time  `json:"completed_at"`
	CustomerSignoffAt *time.Time `json:"customer_signoff_at,omitempty"`
	LaborCost         Money      `json:"labor_cost_cents"`
	PartsCost         Money      `json:"parts_cost_cents"`
	PlatformFee       Money      `json:"platform_fee_cents"`
	TotalCharge       Money      `json:"total_charge_cents"`
	ProName           string     `json:"pro_name,omitempty"`
}

// Job is a completed service request as seen through its business booking
type Job struct {
	ServiceRequestID  string
	BusinessAccountID string
	BusinessBookingID string
	Status            string
	ServiceType       string
	PickupAddress     string
	PickupCity        string
	PickupZip         string
	CompletedAt       *time.Time
	CustomerSignoffAt *time.Time
	FinalPrice        Money
	PlatformFee       Money
	HaulerID          string
}

// PropertyAddress formats the pickup location for invoice display
func (j *Job) PropertyAddress() string {
	return j.PickupAddress + ", " + j.PickupCity + " " + j.PickupZip
}

// Dispute is a chargeback dispute raised against a job
type Dispute struct {
	ID     string
	JobID  string
	Status string
}

// PartsRequest is a request for replacement parts attached to a job
type PartsRequest struct {
	ID     string
	JobID  string
	Status string
}

// Account is a business account that can be billed
type Account struct {
	ID                  string `json:"id"`
	BusinessName        string `json:"business_name"`
	ExternalCustomerRef string `json:"external_customer_ref,omitempty"`
	PaymentMethodRef    string `json:"payment_method_ref,omitempty"`
	AutoBillingEnabled  bool   `json:"auto_billing_enabled"`
	BillingContactEmail string `json:"billing_contact_email,omitempty"`
	PrimaryContactEmail string `json:"primary_contact_email,omitempty"`
}

// ContactEmail returns the address billing notices go to
func (a *Account) ContactEmail() string {
	if a.BillingContactEmail != "" {
		return a.BillingContactEmail
	}
	return a.PrimaryContactEmail
}

// EligibleJob is a job that passed every eligibility rule, priced for billing
type EligibleJob struct {
	ServiceRequestID  string     `json:"service_request_id"`
	BusinessBookingID string     `json:"business_booking_id,omitempty"`
	PropertyAddress   string     `json:"property_address"`
	ServiceType       string     `json:"service_type"`
	CompletedAt       time.Time  `json:"completed_at"`
	CustomerSignoffAt *time.Time `json:"customer_signoff_at,omitempty"`
	LaborCost         Money      `json:"labor_cost_cents"`
	PartsCost         Money      `json:"parts_cost_cents"`
	PlatformFee       Money      `json:"platform_fee_cents"`
	TotalCharge       Money      `json:"total_charge_cents"`
	ProName           string     `json:"pro_name,omitempty"`
}

// RunResult is returned by generation and preview
type RunResult struct {
	RunID             string        `json:"run_id,omitempty"`
	BusinessAccountID string        `json:"business_account_id"`
	WeekStart         time.Time     `json:"week_start"`
	WeekEnd           time.Time     `json:"week_end"`
	Status            RunStatus     `json:"status"`
	DryRun            bool          `json:"dry_run"`
	TotalAmount       Money         `json:"total_amount_cents"`
	JobCount          int           `json:"job_count"`
	Jobs              []EligibleJob `json:"jobs"`
}

// ChargeResult is the structured outcome of a charge attempt
type ChargeResult struct {
	RunID             string    `json:"run_id"`
	Success           bool      `json:"success"`
	Status            RunStatus `json:"status,omitempty"`
	ExternalChargeRef string    `json:"external_charge_ref,omitempty"`
	OutcomeUnknown    bool      `json:"outcome_unknown,omitempty"`
	Error             string    `json:"error,omitempty"`

	// Err is the underlying error for callers that need errors.Is/As.
	Err error `json:"-"`
}

// RunDetail is a run together with its line items
type RunDetail struct {
	Run       *BillingRun `json:"run"`
	LineItems []LineItem  `json:"line_items"`
}

// AccountOutcome is the per-account result of a weekly batch
type AccountOutcome struct {
	BusinessAccountID string        `json:"business_account_id"`
	RunID             string        `json:"run_id,omitempty"`
	JobCount          int           `json:"job_count"`
	TotalAmount       Money         `json:"total_amount_cents"`
	Charge            *ChargeResult `json:"charge,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// BillingSummary aggregates a weekly batch. TotalRuns counts non-empty runs
// generated, TotalCharged and TotalFailed split them by charge outcome
// (an unknown outcome counts as failed), and TotalErrors counts accounts
// whose processing returned an error before a charge was attempted.
type BillingSummary struct {
	WeekStart    time.Time        `json:"week_start"`
	WeekEnd      time.Time        `json:"week_end"`
	Accounts     int              `json:"accounts"`
	TotalRuns    int              `json:"total_runs"`
	TotalCharged int              `json:"total_charged"`
	TotalFailed  int              `json:"total_failed"`
	TotalErrors  int              `json:"total_errors"`
	Outcomes     []AccountOutcome `json:"outcomes"`
}
