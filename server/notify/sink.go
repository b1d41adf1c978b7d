package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/avast/retry-go"
)

// Sink is the delivery boundary. SMTP integration stays out of this
// codebase; the default sink logs the email and posts the webhook.
type Sink interface {
	SendEmail(ctx context.Context, to, subject, body string) error
	PostWebhook(ctx context.Context, url string, body []byte, secret string) error
}

// WebhookSink logs email deliveries and posts webhooks over HTTP with a
// signed payload. Receivers verify X-Tickloom-Signature against their
// organization webhook secret.
type WebhookSink struct {
	client *http.Client
}

func NewWebhookSink(timeout time.Duration) *WebhookSink {
	return &WebhookSink{client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) SendEmail(ctx context.Context, to, subject, body string) error {
	log.Printf("[notify] email to=%s subject=%q", to, subject)
	return nil
}

func (s *WebhookSink) PostWebhook(ctx context.Context, url string, body []byte, secret string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tickloom-Signature", sig)
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
		}
		return nil
	},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}
