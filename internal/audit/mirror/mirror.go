// Package mirror fans committed audit events out to Kafka for SIEM
// consumers. The mirror runs strictly after commit and is best-effort:
// a broker outage costs mirror coverage, never ingestion.
package mirror

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"custos/internal/audit"
	"custos/internal/platform/kafka"
)

// KafkaMirror implements gateway.Mirror over the shared producer.
// Messages are keyed by tenant so per-tenant ordering survives
// partitioning.
type KafkaMirror struct {
	producer *kafka.Producer
	topic    string
	logger   *slog.Logger

	mirrored prometheus.Counter
	dropped  prometheus.Counter
}

func New(producer *kafka.Producer, topic string, logger *slog.Logger) *KafkaMirror {
	return &KafkaMirror{
		producer: producer,
		topic:    topic,
		logger:   logger,
		mirrored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_mirrored_total",
			Help: "Committed events handed to the mirror topic.",
		}),
		dropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_mirror_dropped_total",
			Help: "Committed events the mirror failed to deliver.",
		}),
	}
}

func (m *KafkaMirror) Mirror(ctx context.Context, event audit.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		m.dropped.Inc()
		m.logger.WarnContext(ctx, "mirror encode failed", "event_id", event.ID, "error", err)
		return
	}

	eventID := event.ID
	m.producer.ProduceAsync(ctx, m.topic, []byte(event.TenantID.String()), payload, func(err error) {
		m.dropped.Inc()
		m.logger.WarnContext(ctx, "mirror delivery failed", "event_id", eventID, "error", err)
	})
	m.mirrored.Inc()
}
