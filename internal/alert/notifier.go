// Package alert is the outbound notification boundary for the capacity
// monitor. Delivery transports (email, SMS, webhook) live behind Notifier;
// this service ships a log notifier that is always available and a Kafka
// notifier feeding whatever pager integration consumes the alert topic.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"custos/internal/platform/kafka"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Notifier delivers an alert to the configured recipients.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, severity Severity, message string) error
}

// SlogNotifier writes alerts to the structured log. It never fails, so the
// monitor always has at least one working channel.
type SlogNotifier struct {
	logger *slog.Logger
}

// NewSlogNotifier creates a log-backed notifier.
func NewSlogNotifier(logger *slog.Logger) *SlogNotifier {
	return &SlogNotifier{logger: logger}
}

// Notify logs the alert at a level matching its severity.
func (n *SlogNotifier) Notify(ctx context.Context, recipients []string, severity Severity, message string) error {
	attrs := []any{
		"log_type", "alert",
		"severity", string(severity),
		"recipients", recipients,
	}
	switch severity {
	case SeverityCritical:
		n.logger.ErrorContext(ctx, message, attrs...)
	case SeverityWarning:
		n.logger.WarnContext(ctx, message, attrs...)
	default:
		n.logger.InfoContext(ctx, message, attrs...)
	}
	return nil
}

// KafkaNotifier publishes alerts to a topic for downstream pager/webhook
// integrations.
type KafkaNotifier struct {
	producer *kafka.Producer
	topic    string
}

// NewKafkaNotifier creates a Kafka-backed notifier.
func NewKafkaNotifier(producer *kafka.Producer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

type alertPayload struct {
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Recipients []string  `json:"recipients"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Notify publishes one alert record, keyed by severity so consumers can
// partition pages from informational noise.
func (n *KafkaNotifier) Notify(ctx context.Context, recipients []string, severity Severity, message string) error {
	value, err := json.Marshal(alertPayload{
		Severity:   string(severity),
		Message:    message,
		Recipients: recipients,
		EmittedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return n.producer.Produce(ctx, n.topic, []byte(severity), value)
}

// Fanout delivers through every configured notifier, returning the first
// error after all have been attempted. A failing transport must not starve
// the others.
type Fanout struct {
	notifiers []Notifier
}

// NewFanout creates a fanout over the given notifiers.
func NewFanout(notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

// Notify delivers through all transports.
func (f *Fanout) Notify(ctx context.Context, recipients []string, severity Severity, message string) error {
	var firstErr error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, recipients, severity, message); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
