package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vardasoft/antfarm/pkg/models"
)

// webhookTimeout bounds a single notification POST (spec.md §6).
const webhookTimeout = 5 * time.Second

// WebhookDispatcher fires a best-effort JSON POST for every event it is
// given. A configured bearer token may be embedded in the target URL as a
// "#auth=..." fragment (so it lives alongside the URL in config) and is
// stripped out and moved to an Authorization header before the URL is
// ever used in a request line or a log message.
type WebhookDispatcher struct {
	client *http.Client
	url    string
	token  string
}

// NewWebhookDispatcher parses rawURL, splitting off any "#auth=" fragment
// into a bearer token. An empty rawURL disables dispatch; callers should
// pass a nil *WebhookDispatcher to Journal in that case.
func NewWebhookDispatcher(rawURL string) (*WebhookDispatcher, error) {
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	token := strings.TrimPrefix(u.Fragment, "auth=")
	u.Fragment = ""

	return &WebhookDispatcher{
		client: &http.Client{Timeout: webhookTimeout},
		url:    u.String(),
		token:  token,
	}, nil
}

// Dispatch POSTs evt to the configured URL in its own goroutine. Failures
// are logged, never propagated or retried — a dropped notification must
// never hold up the pipeline transition that produced it.
func (d *WebhookDispatcher) Dispatch(evt models.Event) {
	go func() {
		body, err := json.Marshal(evt)
		if err != nil {
			slog.Error("events: marshal webhook payload", "event", evt.Event, "error", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			slog.Error("events: build webhook request", "event", evt.Event, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if d.token != "" {
			req.Header.Set("Authorization", "Bearer "+d.token)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			slog.Warn("events: webhook delivery failed", "event", evt.Event, "run_id", evt.RunID, "error", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			slog.Warn("events: webhook non-2xx response", "event", evt.Event, "run_id", evt.RunID, "status", resp.StatusCode)
		}
	}()
}
