// Package alert delivers operator alerts and writes audit records for
// events that require manual intervention.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity Severity          `json:"severity"`
	Event    string            `json:"event"`
	UserID   string            `json:"user_id,omitempty"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Notifier delivers alerts to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the process log. It is the fallback when
// no webhook is configured.
type LogNotifier struct {
	logger *logrus.Entry
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier returns a log-backed notifier.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.WithField("component", "alert")}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	entry := n.logger.WithFields(logrus.Fields{
		"event":   a.Event,
		"user_id": a.UserID,
	})
	for k, v := range a.Fields {
		entry = entry.WithField(k, v)
	}
	if a.Severity == SeverityCritical {
		entry.Error(a.Message)
	} else {
		entry.Warn(a.Message)
	}
	return nil
}

// WebhookNotifier POSTs alerts as JSON to an operator endpoint.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *logrus.Entry
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier builds a notifier for the given webhook URL.
func NewWebhookNotifier(url string, logger *logrus.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2)
	return &WebhookNotifier{
		client: client,
		url:    url,
		logger: logger.WithField("component", "alert"),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(a).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("posting alert webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode())
	}
	return nil
}

// AuditingNotifier writes an audit record for every alert before
// forwarding it. Delivery failure never loses the audit entry.
type AuditingNotifier struct {
	next  Notifier
	audit *AuditWriter
}

var _ Notifier = (*AuditingNotifier)(nil)

// NewAuditingNotifier wraps next with the audit trail.
func NewAuditingNotifier(next Notifier, audit *AuditWriter) *AuditingNotifier {
	return &AuditingNotifier{next: next, audit: audit}
}

func (n *AuditingNotifier) Notify(ctx context.Context, a Alert) error {
	fields := map[string]string{
		"severity": string(a.Severity),
		"message":  a.Message,
	}
	for k, v := range a.Fields {
		fields[k] = v
	}
	if err := n.audit.Record(a.Event, a.UserID, fields); err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	return n.next.Notify(ctx, a)
}

// AuditWriter appends audit records as JSON lines. Records survive the
// process; they are the paper trail for incidents like a failed
// emergency close.
type AuditWriter struct {
	mu   sync.Mutex
	path string
}

// NewAuditWriter returns a writer appending to path.
func NewAuditWriter(path string) *AuditWriter {
	return &AuditWriter{path: path}
}

// Record appends one audit entry.
func (w *AuditWriter) Record(event, userID string, fields map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := map[string]interface{}{
		"event":   event,
		"user_id": userID,
		"at":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	return nil
}
