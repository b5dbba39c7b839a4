package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ConsoleHandler logs an alert as a structured warning, mirroring what a
// terminal-attached operator would watch.
type ConsoleHandler struct {
	Logger *slog.Logger
}

func (h ConsoleHandler) Handle(_ context.Context, a Alert) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("ALERT",
		"severity", a.Severity.String(),
		"title", a.Title,
		"description", a.Description,
		"metric", a.Metric,
		"value", a.CurrentValue,
		"threshold", a.ThresholdValue,
	)
	return nil
}

// LogHandler records an alert at plain info level, separate from Console's
// warn-level operator-facing line, mirroring the teacher/original split
// between a terminal logger and a file/aggregation logger.
type LogHandler struct {
	Logger *slog.Logger
}

func (h LogHandler) Handle(_ context.Context, a Alert) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("alert",
		"id", a.ID,
		"title", a.Title,
		"description", a.Description,
		"value", a.CurrentValue,
	)
	return nil
}

// EmailHandler sends a minimal plaintext SMTP notification to Addr using
// net/smtp and the given server/from configuration.
type EmailHandler struct {
	Addr       string // recipient
	SMTPServer string // host:port
	From       string
}

func (h EmailHandler) Handle(_ context.Context, a Alert) error {
	if h.SMTPServer == "" {
		return fmt.Errorf("alert: EmailHandler requires SMTPServer")
	}
	if h.From == "" {
		return fmt.Errorf("alert: EmailHandler requires From")
	}

	subject := fmt.Sprintf("Nyx Alert: %s (%s)", a.Title, a.Severity)
	body := fmt.Sprintf(
		"Subject: %s\r\nFrom: %s\r\nTo: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\nMetric: %s\r\nValue: %.2f (threshold %.2f)\r\nID: %s\r\n",
		subject, h.From, h.Addr, a.Description, a.Metric, a.CurrentValue, a.ThresholdValue, a.ID,
	)

	return smtp.SendMail(h.SMTPServer, nil, h.From, []string{h.Addr}, []byte(body))
}

// WebhookHandler POSTs a JSON-encoded alert to URL, optionally signing the
// body with HMAC-SHA256 (sent as X-Nyx-Signature) and retrying failed
// deliveries with exponential backoff. HTTPS targets are rejected: TLS
// termination belongs to a local reverse proxy, not this process.
type WebhookHandler struct {
	URL        string
	HMACSecret []byte
	Client     *http.Client
	MaxRetries uint64
}

type webhookPayload struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Metric      string  `json:"metric"`
	Severity    string  `json:"severity"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	Layer       string  `json:"layer,omitempty"`
	Timestamp   string  `json:"ts"`
}

func (h WebhookHandler) Handle(ctx context.Context, a Alert) error {
	parsed, err := url.Parse(h.URL)
	if err != nil {
		return fmt.Errorf("alert: invalid webhook url %q: %w", h.URL, err)
	}
	if parsed.Scheme == "https" {
		return fmt.Errorf("alert: https webhook targets are rejected; terminate TLS in a local proxy")
	}
	if parsed.Scheme != "http" {
		return fmt.Errorf("alert: unsupported webhook scheme %q", parsed.Scheme)
	}

	layer := ""
	if a.Layer != nil {
		layer = string(*a.Layer)
	}
	payload := webhookPayload{
		ID: a.ID, Title: a.Title, Description: a.Description, Metric: a.Metric,
		Severity: a.Severity.String(), Value: a.CurrentValue, Threshold: a.ThresholdValue,
		Layer: layer, Timestamp: a.Timestamp.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 4 * time.Second}
	}

	send := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if len(h.HMACSecret) > 0 {
			mac := hmac.New(sha256.New, h.HMACSecret)
			mac.Write(body)
			req.Header.Set("X-Nyx-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("alert: webhook %s returned %d", h.URL, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("alert: webhook %s returned %d", h.URL, resp.StatusCode))
		}
		return nil
	}

	maxRetries := h.MaxRetries
	if maxRetries == 0 {
		maxRetries = 8
	}
	bo := backoff.WithMaxRetries(newWebhookBackoff(), maxRetries)
	return backoff.Retry(send, backoff.WithContext(bo, ctx))
}

// newWebhookBackoff builds a 200ms*2^attempt exponential backoff, matching
// the original alert system's retry cadence.
func newWebhookBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 200 * time.Millisecond * 8
	b.MaxElapsedTime = 0
	return b
}
