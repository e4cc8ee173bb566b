// Package notify delivers billing notices to an account's billing contact.
//
// Notices are structured events; rendering them into email is the job of
// whatever consumes the webhook.
//
// Receivers verify deliveries with the X-Billrun-Signature header:
//
//	sig := r.Header.Get("X-Billrun-Signature")
//	if !notify.VerifySignature(body, sig, secret) {
//		http.Error(w, "bad signature", http.StatusUnauthorized)
//	}
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// EventType identifies a billing notice
type EventType string

const (
	EventRunCharged   EventType = "billing.run_charged"
	EventChargeFailed EventType = "billing.charge_failed"
	EventRunVoided    EventType = "billing.run_voided"
)

// Event is the payload delivered for a billing notice
type Event struct {
	ID                string              `json:"id"`
	Type              EventType           `json:"type"`
	Timestamp         time.Time           `json:"timestamp"`
	BusinessAccountID string              `json:"business_account_id"`
	BusinessName      string              `json:"business_name,omitempty"`
	ContactEmail      string              `json:"contact_email,omitempty"`
	Run               *billing.BillingRun `json:"run"`
	LineItems         []billing.LineItem  `json:"line_items,omitempty"`
	Reason            string              `json:"reason,omitempty"`
}

// Sender delivers an event
type Sender interface {
	Send(ctx context.Context, event *Event) error
}

// Notifier adapts a Sender to billing.Notifier
type Notifier struct {
	sender Sender
	now    func() time.Time
}

var _ billing.Notifier = (*Notifier)(nil)

// New creates a Notifier that delivers through sender
func New(sender Sender) *Notifier {
	return &Notifier{sender: sender, now: time.Now}
}

// RunCharged sends the weekly invoice notice
func (n *Notifier) RunCharged(ctx context.Context, account *billing.Account, run *billing.BillingRun, items []billing.LineItem) error {
	event := n.newEvent(EventRunCharged, account, run)
	event.LineItems = items
	return n.sender.Send(ctx, event)
}

// ChargeFailed sends the failed-charge notice
func (n *Notifier) ChargeFailed(ctx context.Context, account *billing.Account, run *billing.BillingRun, reason string) error {
	event := n.newEvent(EventChargeFailed, account, run)
	event.Reason = reason
	return n.sender.Send(ctx, event)
}

// RunVoided sends the refund notice
func (n *Notifier) RunVoided(ctx context.Context, account *billing.Account, run *billing.BillingRun, reason string) error {
	event := n.newEvent(EventRunVoided, account, run)
	event.Reason = reason
	return n.sender.Send(ctx, event)
}

func (n *Notifier) newEvent(eventType EventType, account *billing.Account, run *billing.BillingRun) *Event {
	return &Event{
		ID:                uuid.NewString(),
		Type:              eventType,
		Timestamp:         n.now().UTC(),
		BusinessAccountID: account.ID,
		BusinessName:      account.BusinessName,
		ContactEmail:      account.ContactEmail(),
		Run:               run,
	}
}

// LogSender writes events to the log instead of delivering them
type LogSender struct {
	logger *observability.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger.WithField("component", "notify")}
}

// Send logs the event
func (s *LogSender) Send(ctx context.Context, event *Event) error {
	fields := map[string]interface{}{
		"event_id":            event.ID,
		"event_type":          event.Type,
		"business_account_id": event.BusinessAccountID,
		"contact_email":       event.ContactEmail,
	}
	if event.Run != nil {
		fields["billing_run_id"] = event.Run.ID
		fields["total_cents"] = event.Run.TotalAmount.Cents()
	}
	if event.Reason != "" {
		fields["reason"] = event.Reason
	}
	s.logger.WithFields(fields).Info("Billing notice")
	return nil
}
