package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events as JSON to one topic, keyed by job id so the
// events of a job stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(e.JobID),
		Value: payload,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event-kind", Value: []byte(e.Kind)},
		},
	}); err != nil {
		return fmt.Errorf("publish %s event for job %s: %w", e.Kind, e.JobID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
