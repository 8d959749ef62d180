// Package kafka ships audit payloads to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "dossier/pkg/platform/audit"
	"dossier/pkg/platform/audit/store/postgres"
)

// Producer is the subset of *kgo.Client used by the sink.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Sink publishes audit payloads keyed by aggregate so all events for one
// user land on one partition in order.
type Sink struct {
	producer Producer
	topic    string
}

func New(producer Producer, topic string) *Sink {
	return &Sink{producer: producer, topic: topic}
}

// Publish sends one pre-encoded payload.
func (s *Sink) Publish(ctx context.Context, key, eventType string, payload []byte) error {
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}
	if err := s.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce audit record: %w", err)
	}
	return nil
}

// Append lets the sink stand in as an audit.Store for events that do not
// need transactional outbox delivery (security events).
func (s *Sink) Append(ctx context.Context, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}
	p := postgres.Payload{
		ID:            uuid.NewString(),
		Category:      string(category),
		Timestamp:     event.Timestamp.UTC().Format(time.RFC3339Nano),
		DocumentID:    event.DocumentID,
		Subject:       event.Subject,
		Action:        event.Action,
		PreviousState: event.PreviousState,
		Decision:      event.Decision,
		Reason:        event.Reason,
		RequestID:     event.RequestID,
		ActorID:       event.ActorID,
		ActorClient:   event.ActorClient,
		Severity:      string(event.Severity),
	}
	key := p.ID
	if !event.UserID.IsNil() {
		p.UserID = event.UserID.String()
		key = p.UserID
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	return s.Publish(ctx, key, event.Action, b)
}
