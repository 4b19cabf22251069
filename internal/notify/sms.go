package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"presence-service/internal/client"
	"presence-service/internal/util"
)

// SMSSender delivers verification PINs. Delivery failures are the caller's
// call to swallow; the auth flow treats SMS as best effort.
type SMSSender interface {
	SendPIN(ctx context.Context, phone, pin string) error
}

// SMSMessage is the payload published for the downstream SMS gateway.
type SMSMessage struct {
	PhoneNumber string    `json:"phone_number"`
	Body        string    `json:"body"`
	RequestedAt time.Time `json:"requested_at"`
}

// KafkaSMSSender hands PIN messages to the SMS dispatch topic; a separate
// gateway consumer owns actual delivery.
type KafkaSMSSender struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSMSSender(producer *client.KafkaProducer, topic string) *KafkaSMSSender {
	return &KafkaSMSSender{producer: producer, topic: topic}
}

func (s *KafkaSMSSender) SendPIN(ctx context.Context, phone, pin string) error {
	msg := SMSMessage{
		PhoneNumber: phone,
		Body:        fmt.Sprintf("Your verification PIN is %s", pin),
		RequestedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal sms message: %w", err)
	}

	if err := s.producer.Produce(ctx, s.topic, []byte(phone), payload, nil); err != nil {
		return fmt.Errorf("failed to dispatch sms: %w", err)
	}

	util.Debug("PIN dispatched to SMS topic", util.String("phone", util.MaskPhone(phone)))
	return nil
}

// LogSMSSender logs the PIN instead of sending it, for development without
// an SMS gateway.
type LogSMSSender struct{}

func NewLogSMSSender() *LogSMSSender {
	return &LogSMSSender{}
}

func (s *LogSMSSender) SendPIN(ctx context.Context, phone, pin string) error {
	util.Info("SMS delivery disabled, logging PIN",
		util.String("phone", util.MaskPhone(phone)),
		util.String("pin", pin),
	)
	return nil
}
