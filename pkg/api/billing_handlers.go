package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/httputil"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// GenerateRunRequest is the body of POST .../billing-runs
type GenerateRunRequest struct {
	WeekStart time.Time `json:"week_start" validate:"required"`
	WeekEnd   time.Time `json:"week_end" validate:"required"`
	DryRun    bool      `json:"dry_run"`
}

// VoidRunRequest is the body of POST .../void
type VoidRunRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// ListRunsResponse wraps a page of runs
type ListRunsResponse struct {
	BusinessAccountID string               `json:"business_account_id"`
	Runs              []billing.BillingRun `json:"runs"`
}

// VoidRunResponse acknowledges a void
type VoidRunResponse struct {
	RunID  string            `json:"run_id"`
	Status billing.RunStatus `json:"status"`
}

// BillingHandlers handles billing-related HTTP requests
type BillingHandlers struct {
	service BillingService
	batch   BatchRunner
	logger  *observability.Logger
	limit   func(http.Handler) http.Handler
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(service BillingService, batch BatchRunner, logger *observability.Logger) *BillingHandlers {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &BillingHandlers{
		service: service,
		batch:   batch,
		logger:  logger,
	}
}

// WithRateLimit guards the routes that charge, void or create runs with limit
func (h *BillingHandlers) WithRateLimit(limit func(http.Handler) http.Handler) *BillingHandlers {
	h.limit = limit
	return h
}

func (h *BillingHandlers) guarded(fn http.HandlerFunc) http.Handler {
	if h.limit == nil {
		return fn
	}
	return h.limit(fn)
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	// Account-scoped
	router.Handle("/accounts/{account_id}/billing-runs", h.guarded(h.GenerateRun)).Methods("POST")
	router.HandleFunc("/accounts/{account_id}/billing-runs", h.ListRuns).Methods("GET")
	router.HandleFunc("/accounts/{account_id}/billing-preview", h.PreviewCurrentWeek).Methods("GET")

	// Run-scoped
	router.HandleFunc("/billing-runs/{run_id}", h.GetRun).Methods("GET")
	router.Handle("/billing-runs/{run_id}/charge", h.guarded(h.ChargeRun)).Methods("POST")
	router.Handle("/billing-runs/{run_id}/retry", h.guarded(h.RetryRun)).Methods("POST")
	router.Handle("/billing-runs/{run_id}/void", h.guarded(h.VoidRun)).Methods("POST")

	if h.batch != nil {
		router.Handle("/billing/weekly-batch", h.guarded(h.RunWeeklyBatch)).Methods("POST")
	}
}

// GenerateRun generates a billing run for an account and week
func (h *BillingHandlers) GenerateRun(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "account_id")
	if !ok {
		return
	}

	var req GenerateRunRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.ValidateStructOrError(w, &req) {
		return
	}

	result, err := h.service.GenerateRun(r.Context(), accountID, billing.Window{Start: req.WeekStart.UTC(), End: req.WeekEnd.UTC()}, req.DryRun)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if result.RunID != "" {
		httputil.WriteCreated(w, result)
		return
	}
	httputil.WriteSuccess(w, result)
}

// ListRuns lists an account's runs, newest first
func (h *BillingHandlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "account_id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	runs, err := h.service.ListRunsForAccount(r.Context(), accountID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if runs == nil {
		runs = []billing.BillingRun{}
	}
	httputil.WriteSuccess(w, ListRunsResponse{BusinessAccountID: accountID, Runs: runs})
}

// PreviewCurrentWeek shows what the current week would bill. It writes nothing.
func (h *BillingHandlers) PreviewCurrentWeek(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "account_id")
	if !ok {
		return
	}

	result, err := h.service.PreviewCurrentWeek(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// GetRun returns a run with its line items
func (h *BillingHandlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := httputil.ParsePathStringOrError(w, r, "run_id")
	if !ok {
		return
	}

	detail, err := h.service.GetRun(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, detail)
}

// ChargeRun charges a pending run. The body is always the ChargeResult.
func (h *BillingHandlers) ChargeRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := httputil.ParsePathStringOrError(w, r, "run_id")
	if !ok {
		return
	}

	writeChargeResult(w, h.service.ChargeRun(r.Context(), runID))
}

// RetryRun charges a failed run again under a new attempt
func (h *BillingHandlers) RetryRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := httputil.ParsePathStringOrError(w, r, "run_id")
	if !ok {
		return
	}

	writeChargeResult(w, h.service.RetryRun(r.Context(), runID))
}

func writeChargeResult(w http.ResponseWriter, result billing.ChargeResult) {
	status := http.StatusOK
	switch {
	case result.Success:
	case result.OutcomeUnknown:
		status = http.StatusAccepted
	case result.Err != nil && StatusForError(result.Err) != http.StatusInternalServerError:
		status = StatusForError(result.Err)
	case result.Status == billing.RunStatusFailed:
		status = http.StatusPaymentRequired
	default:
		status = http.StatusInternalServerError
	}
	httputil.WriteJSON(w, status, result)
}

// VoidRun voids a run, refunding it first if it was charged
func (h *BillingHandlers) VoidRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := httputil.ParsePathStringOrError(w, r, "run_id")
	if !ok {
		return
	}

	var req VoidRunRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.ValidateStructOrError(w, &req) {
		return
	}

	if err := h.service.VoidRun(r.Context(), runID, req.Reason); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, VoidRunResponse{RunID: runID, Status: billing.RunStatusVoid})
}

// RunWeeklyBatch runs last week's batch synchronously
func (h *BillingHandlers) RunWeeklyBatch(w http.ResponseWriter, r *http.Request) {
	summary, err := h.batch.RunWeeklyBatch(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}
