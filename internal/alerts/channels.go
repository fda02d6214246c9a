package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Alert is one fired notification
type Alert struct {
	Id       string
	Type     string
	Severity string
	Details  map[string]string
	FiredAt  time.Time
}

// Channel delivers alerts to one destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, alert Alert) error
}

// LogChannel writes alerts to the structured log.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Deliver(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.Id),
		zap.String("alert_type", alert.Type),
		zap.String("severity", alert.Severity),
		zap.Time("fired_at", alert.FiredAt),
	}
	for _, k := range sortedKeys(alert.Details) {
		fields = append(fields, zap.String(k, alert.Details[k]))
	}
	if alert.Severity == SeverityCritical {
		zap.L().Error("ALERT", fields...)
	} else {
		zap.L().Warn("ALERT", fields...)
	}
	return nil
}

// WebhookChannel posts chat-style JSON to an incoming webhook.
type WebhookChannel struct {
	url  string
	http *http.Client
}

func NewWebhookChannel(url string, httpClient *http.Client) *WebhookChannel {
	return &WebhookChannel{url: url, http: httpClient}
}

func (w *WebhookChannel) Name() string { return "webhook" }

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type webhookAttachment struct {
	Color  string         `json:"color"`
	Fields []webhookField `json:"fields"`
}

type webhookMessage struct {
	Text        string              `json:"text"`
	Attachments []webhookAttachment `json:"attachments"`
}

func webhookPayload(alert Alert) webhookMessage {
	color := "warning"
	if alert.Severity == SeverityCritical {
		color = "danger"
	}
	fields := make([]webhookField, 0, len(alert.Details))
	for _, k := range sortedKeys(alert.Details) {
		fields = append(fields, webhookField{Title: k, Value: alert.Details[k], Short: true})
	}
	return webhookMessage{
		Text:        fmt.Sprintf("*%s ALERT*: %s", strings.ToUpper(alert.Severity), alert.Type),
		Attachments: []webhookAttachment{{Color: color, Fields: fields}},
	}
}

func (w *WebhookChannel) Deliver(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload(alert))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
