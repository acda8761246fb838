package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes messages as JSON events, keyed by recipient so one
// recipient's notifications stay ordered.
type KafkaDispatcher struct {
	writer messageWriter
	topic  string
}

func NewKafkaDispatcher(brokers []string, topic string) (*KafkaDispatcher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka dispatcher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka dispatcher requires a topic")
	}
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

type event struct {
	Message
	SentAt time.Time `json:"sent_at"`
}

func (k *KafkaDispatcher) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(event{Message: msg, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(msg.Recipient),
		Value: payload,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return finance.Unavailable("publish notification", err)
	}
	return nil
}

func (k *KafkaDispatcher) Close() error {
	return k.writer.Close()
}
