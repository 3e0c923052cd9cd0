package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"credmint/internal/platform/kafka"
)

// Producer is the part of the Kafka client the publisher needs.
type Producer interface {
	Produce(ctx context.Context, msg kafka.Message) error
}

// KafkaPublisher writes events as JSON keyed by issuer, so one issuer's
// events stay ordered within a partition.
type KafkaPublisher struct {
	producer Producer
	topic    string
}

func NewKafkaPublisher(producer Producer, topic string) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return &KafkaPublisher{producer: producer, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	err = p.producer.Produce(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(event.IssuerID),
		Value:   value,
		Headers: map[string]string{"event_type": string(event.Type)},
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}
