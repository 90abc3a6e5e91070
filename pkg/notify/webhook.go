package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/medic/pkg/healing"
)

// Message kinds sent in the webhook envelope.
const (
	KindEscalation = "escalation"
	KindPage       = "page"
)

// WebhookConfig configures a webhook notifier.
type WebhookConfig struct {
	// URL receives a JSON POST per notification.
	URL string

	// Headers are added to every request.
	Headers map[string]string

	// Rate limits notifications per second. Zero disables limiting.
	Rate float64

	// Burst is the limiter bucket size.
	Burst int

	// MaxRetries bounds redelivery of a failed notification.
	MaxRetries uint64

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
}

// Envelope is the JSON body posted to the webhook.
type Envelope struct {
	Kind       string              `json:"kind"`
	Source     string              `json:"source"`
	SentAt     time.Time           `json:"sent_at"`
	Escalation *healing.Escalation `json:"escalation,omitempty"`
	Page       *healing.Page       `json:"page,omitempty"`
}

// Webhook posts escalations and pages to an HTTP endpoint. It implements
// healing.EscalationSink and healing.Pager.
type Webhook struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

var (
	_ healing.EscalationSink = (*Webhook)(nil)
	_ healing.Pager          = (*Webhook)(nil)
)

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg WebhookConfig, logger zerolog.Logger) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	return &Webhook{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.With().Str("component", "webhook").Str("url", cfg.URL).Logger(),
	}, nil
}

// Escalate implements healing.EscalationSink.
func (w *Webhook) Escalate(ctx context.Context, esc healing.Escalation) error {
	return w.send(ctx, Envelope{
		Kind:       KindEscalation,
		Source:     "medic",
		SentAt:     time.Now().UTC(),
		Escalation: &esc,
	})
}

// Page implements healing.Pager.
func (w *Webhook) Page(ctx context.Context, page healing.Page) error {
	return w.send(ctx, Envelope{
		Kind:   KindPage,
		Source: "medic",
		SentAt: time.Now().UTC(),
		Page:   &page,
	})
}

func (w *Webhook) send(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Kind, err)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	attempts := 0
	op := func() error {
		attempts++
		return w.post(ctx, body)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.InitialInterval
	policy.MaxElapsedTime = 0

	err = backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, w.cfg.MaxRetries), ctx),
		func(err error, next time.Duration) {
			w.logger.Warn().Err(err).Str("kind", env.Kind).Dur("retry_in", next).Msg("Webhook delivery failed, retrying")
		})
	if err != nil {
		w.logger.Error().Err(err).Str("kind", env.Kind).Int("attempts", attempts).Msg("Webhook delivery failed")
		return fmt.Errorf("webhook %s delivery failed after %d attempts: %w", env.Kind, attempts, err)
	}

	w.logger.Info().Str("kind", env.Kind).Int("attempts", attempts).Msg("Webhook delivered")
	return nil
}

// post performs one delivery. Client errors are not retried.
func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "medic")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned %s", resp.Status))
	}
}
