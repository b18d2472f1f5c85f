package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/boardroom-tee/fabric/internal/errkind"
)

// webhookTimeout bounds one delivery attempt.
const webhookTimeout = 10 * time.Second

// Webhook posts fabric events as JSON to a configurable URL. The event
// type and client scope ride in X-Fabric-* headers so receivers can
// route without parsing the body.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhook creates a webhook notifier. Custom headers (e.g.
// Authorization) are sent with every request.
func NewWebhook(url string, headers map[string]string) *Webhook {
	return &Webhook{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: webhookTimeout},
	}
}

// Name returns the provider name for logging.
func (w *Webhook) Name() string { return "webhook" }

// Send posts the event to the configured URL. Any non-2xx answer is a
// delivery failure.
func (w *Webhook) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fabric-hub")
	req.Header.Set("X-Fabric-Event", string(event.Type))
	if event.ClientID != "" {
		req.Header.Set("X-Fabric-Client", event.ClientID)
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.TransportUnreachable, "deliver webhook notification", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := errkind.Newf(errkind.TransportHTTP, "webhook returned %s", resp.Status)
		e.Code = resp.StatusCode
		return e
	}
	return nil
}
