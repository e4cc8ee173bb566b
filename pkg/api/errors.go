package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/httputil"
	"github.com/platinummonkey/billrun/pkg/scheduler"
)

// StatusForError maps a billing error to an HTTP status
func StatusForError(err error) int {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrPrecondition),
		errors.Is(err, billing.ErrRaceCondition),
		errors.Is(err, scheduler.ErrBatchInProgress):
		return http.StatusConflict
	case errors.Is(err, billing.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, billing.ErrRefundFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Internal errors are
// logged and replaced with a generic message.
func (h *BillingHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("Billing request failed")
		httputil.WriteErrorMessage(w, status, "internal server error")
		return
	}

	var race *billing.RaceConditionError
	if errors.As(err, &race) && len(race.ServiceRequestIDs) > 0 {
		httputil.WriteDetailedError(w, status, err, map[string]string{
			"service_request_ids": strings.Join(race.ServiceRequestIDs, ","),
		})
		return
	}
	httputil.WriteError(w, status, err)
}
