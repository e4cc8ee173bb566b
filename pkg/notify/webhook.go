package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/billrun/pkg/async"
	"github.com/platinummonkey/billrun/pkg/observability"
)

const (
	HeaderEvent     = "X-Billrun-Event"
	HeaderEventID   = "X-Billrun-Event-ID"
	HeaderDelivery  = "X-Billrun-Delivery"
	HeaderSignature = "X-Billrun-Signature"
)

// RetryConfig configures delivery retries
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// delay returns the wait before the given retry (1-based)
func (c RetryConfig) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return c.InitialDelay
	}
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// WebhookConfig configures a WebhookSender
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   RetryConfig
}

// WebhookSender posts signed events to a single endpoint
type WebhookSender struct {
	url    string
	secret string
	retry  RetryConfig
	client *http.Client
	logger *observability.Logger
}

// NewWebhookSender creates a WebhookSender
func NewWebhookSender(cfg WebhookConfig, logger *observability.Logger) (*WebhookSender, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	def := DefaultRetryConfig()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.MaxAttempts
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = def.InitialDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.MaxDelay
	}
	if cfg.Retry.BackoffMultiplier <= 1.0 {
		cfg.Retry.BackoffMultiplier = def.BackoffMultiplier
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &WebhookSender{
		url:    cfg.URL,
		secret: cfg.Secret,
		retry:  cfg.Retry,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.WithField("component", "notify"),
	}, nil
}

// Send delivers the event, retrying transport errors and 5xx/429 responses
func (s *WebhookSender) Send(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	deliveryID := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		retryable, err := s.deliver(ctx, event, deliveryID, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == s.retry.MaxAttempts {
			break
		}

		s.logger.WithFields(map[string]interface{}{
			"event_id": event.ID,
			"attempt":  attempt,
		}).WithError(err).Warn("Webhook delivery failed, retrying")

		timer := time.NewTimer(s.retry.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("webhook delivery of %s failed: %w", event.Type, lastErr)
}

func (s *WebhookSender) deliver(ctx context.Context, event *Event, deliveryID string, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderDelivery, deliveryID)
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return retryable, fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return false, nil
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}

// AsyncSender hands events to another Sender in the background so a slow
// endpoint never holds up a charge or void.
type AsyncSender struct {
	next    Sender
	runner  *async.Runner
	timeout time.Duration
}

// NewAsyncSender wraps next. Each delivery gets timeout to finish, retries included.
func NewAsyncSender(next Sender, runner *async.Runner, timeout time.Duration) *AsyncSender {
	return &AsyncSender{next: next, runner: runner, timeout: timeout}
}

// Send queues the event and returns immediately
func (s *AsyncSender) Send(ctx context.Context, event *Event) error {
	return s.runner.Go(ctx, s.timeout, "billing notice "+string(event.Type), func(ctx context.Context) error {
		return s.next.Send(ctx, event)
	})
}
