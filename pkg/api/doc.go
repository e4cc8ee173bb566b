// Package api exposes the billing engine over HTTP.
//
// Routes:
//
//	POST /api/v1/accounts/{account_id}/billing-runs      generate a run for a week
//	GET  /api/v1/accounts/{account_id}/billing-runs      list runs, newest first
//	GET  /api/v1/accounts/{account_id}/billing-preview   current week preview, nothing persisted
//	GET  /api/v1/billing-runs/{run_id}                   run with line items
//	POST /api/v1/billing-runs/{run_id}/charge            charge a pending run
//	POST /api/v1/billing-runs/{run_id}/retry             re-charge a failed run under a new attempt
//	POST /api/v1/billing-runs/{run_id}/void              void, refunding if charged
//	POST /api/v1/billing/weekly-batch                    run last week's batch now
//
// Errors are returned as {"error": "..."} with the status chosen by
// StatusForError. A charge whose outcome is unknown returns 202 with the
// run left pending.
package api
