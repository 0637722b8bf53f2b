package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/infra/config"
)

const schemaVersion = "1.0"

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	UserID    string           `json:"user_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, userID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}

	if span := trace.SpanFromContext(ctx); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			metadata["trace_id"] = sc.TraceID().String()
		}
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		UserID:    userID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishMemberConnected publishes guildsync.member.connected events.
func (p *EventPublisher) PublishMemberConnected(ctx context.Context, event domain.MemberConnectedEvent) error {
	payload := struct {
		UserID         string    `json:"user_id"`
		ExternalUserID string    `json:"external_user_id"`
		Roles          []string  `json:"roles,omitempty"`
		ConnectedAt    time.Time `json:"connected_at"`
	}{
		UserID:         event.UserID,
		ExternalUserID: event.ExternalUserID,
		Roles:          event.Roles,
		ConnectedAt:    event.ConnectedAt.UTC(),
	}

	return p.publish(ctx, event.EventID, "guildsync.member.connected", event.UserID, event.ConnectedAt, payload)
}

// PublishMemberDisconnected publishes guildsync.member.disconnected events.
func (p *EventPublisher) PublishMemberDisconnected(ctx context.Context, event domain.MemberDisconnectedEvent) error {
	payload := struct {
		UserID         string    `json:"user_id"`
		ExternalUserID string    `json:"external_user_id,omitempty"`
		DisconnectedAt time.Time `json:"disconnected_at"`
	}{
		UserID:         event.UserID,
		ExternalUserID: event.ExternalUserID,
		DisconnectedAt: event.DisconnectedAt.UTC(),
	}

	return p.publish(ctx, event.EventID, "guildsync.member.disconnected", event.UserID, event.DisconnectedAt, payload)
}

// PublishJobFailed publishes guildsync.job.failed events for terminally
// failed queue jobs so they can be alerted on.
func (p *EventPublisher) PublishJobFailed(ctx context.Context, event domain.JobFailedEvent) error {
	payload := struct {
		JobID    string    `json:"job_id"`
		UserID   string    `json:"user_id"`
		Kind     string    `json:"kind"`
		Attempts int       `json:"attempts"`
		Reason   string    `json:"reason,omitempty"`
		FailedAt time.Time `json:"failed_at"`
	}{
		JobID:    event.JobID,
		UserID:   event.UserID,
		Kind:     string(event.Kind),
		Attempts: event.Attempts,
		Reason:   event.Reason,
		FailedAt: event.FailedAt.UTC(),
	}

	return p.publish(ctx, event.EventID, "guildsync.job.failed", event.UserID, event.FailedAt, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)
