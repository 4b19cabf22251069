package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"presence-service/internal/client"
	"presence-service/internal/ratelimit"
	"presence-service/internal/util"
)

// AbuseEvent is published when the limiter blocks an account.
type AbuseEvent struct {
	ID           string    `json:"id"`
	PhoneNumber  string    `json:"phone_number"`
	Reason       string    `json:"reason"`
	BlockedUntil time.Time `json:"blocked_until"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// KafkaEventSink publishes abuse events to the events topic. Publish failures
// are logged and dropped; a block must never fail because the broker is down.
type KafkaEventSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaEventSink(producer *client.KafkaProducer, topic string) *KafkaEventSink {
	return &KafkaEventSink{producer: producer, topic: topic}
}

var _ ratelimit.EventSink = (*KafkaEventSink)(nil)

func (s *KafkaEventSink) AccountBlocked(ctx context.Context, phone string, until time.Time, reason string) {
	event := AbuseEvent{
		ID:           uuid.New().String(),
		PhoneNumber:  phone,
		Reason:       reason,
		BlockedUntil: until,
		OccurredAt:   time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal abuse event", util.ErrorField(err))
		return
	}

	if err := s.producer.Produce(ctx, s.topic, []byte(phone), payload, map[string]string{
		"event_type": "account_blocked",
	}); err != nil {
		util.Error("Failed to publish abuse event",
			util.String("phone", util.MaskPhone(phone)),
			util.ErrorField(err))
	}
}

// FanoutSink delivers each event to every configured sink.
type FanoutSink struct {
	sinks []ratelimit.EventSink
}

func NewFanoutSink(sinks ...ratelimit.EventSink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

func (f *FanoutSink) AccountBlocked(ctx context.Context, phone string, until time.Time, reason string) {
	for _, sink := range f.sinks {
		sink.AccountBlocked(ctx, phone, until, reason)
	}
}
