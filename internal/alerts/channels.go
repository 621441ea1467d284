package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"

	"fleetd/internal/types"
)

// DashboardChannel keeps the most recent deliveries in memory for the
// /overview surface. It never fails.
type DashboardChannel struct {
	mu      sync.Mutex
	max     int
	entries []*types.Alert
}

// NewDashboardChannel keeps up to max recent alerts (default 100).
func NewDashboardChannel(max int) *DashboardChannel {
	if max <= 0 {
		max = 100
	}
	return &DashboardChannel{max: max}
}

// Deliver records the alert.
func (d *DashboardChannel) Deliver(ctx context.Context, alert *types.Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, alert)
	if len(d.entries) > d.max {
		d.entries = d.entries[len(d.entries)-d.max:]
	}
	return nil
}

// Recent returns the delivered alerts, newest last.
func (d *DashboardChannel) Recent() []*types.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Alert, len(d.entries))
	copy(out, d.entries)
	return out
}

// WebhookChannel POSTs the alert as JSON to a configured URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel builds a webhook target; a nil client uses the default.
func NewWebhookChannel(url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookChannel{url: url, client: client}
}

// Deliver posts the alert record.
func (w *WebhookChannel) Deliver(ctx context.Context, alert *types.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return w.post(ctx, body)
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// ChatChannel posts a Slack-compatible text payload.
type ChatChannel struct {
	hook WebhookChannel
}

// NewChatChannel builds a chat target; a nil client uses the default.
func NewChatChannel(url string, client *http.Client) *ChatChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &ChatChannel{hook: WebhookChannel{url: url, client: client}}
}

// Deliver posts {"text": ...}.
func (c *ChatChannel) Deliver(ctx context.Context, alert *types.Alert) error {
	text := fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(alert.Severity)), alert.Title, alert.Message)
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return c.hook.post(ctx, body)
}

// EmailChannel sends plain-text mail through an SMTP relay.
type EmailChannel struct {
	addr string
	from string
	to   []string
}

// NewEmailChannel builds a mail target.
func NewEmailChannel(addr, from string, to []string) *EmailChannel {
	return &EmailChannel{addr: addr, from: from, to: to}
}

// Deliver sends one message per alert.
func (e *EmailChannel) Deliver(ctx context.Context, alert *types.Alert) error {
	if e.addr == "" || len(e.to) == 0 {
		return fmt.Errorf("email channel not configured")
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [fleetd %s] %s\r\n\r\n%s\r\n\r\nresource: %s (%s)\r\ncategory: %s\r\ndetected: %s\r\n",
		e.from, strings.Join(e.to, ", "), alert.Severity, alert.Title,
		alert.Message, alert.ResourceID, alert.ResourceKind, alert.Category,
		alert.DetectedAt.Format("2006-01-02 15:04:05 MST"))
	return smtp.SendMail(e.addr, nil, e.from, e.to, []byte(msg))
}

var (
	_ Channel = (*DashboardChannel)(nil)
	_ Channel = (*WebhookChannel)(nil)
	_ Channel = (*ChatChannel)(nil)
	_ Channel = (*EmailChannel)(nil)
)
